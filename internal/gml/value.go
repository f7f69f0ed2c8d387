package gml

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Runtime values are plain Go values: nil, bool, int64, float64, string,
// []any, map[string]any and time.Time. Other numeric and collection types
// supplied by callers are normalized on access.

const floatEpsilon = 1e-9

// TypeName returns the GML type name of v.
func TypeName(v any) string {
	switch Normalize(v).(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "date"
	case *closure:
		return "function"
	}
	return fmt.Sprintf("%T", v)
}

// Normalize converts a scalar or collection into its canonical runtime form.
// Collections are converted shallowly.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []any, map[string]any, time.Time, *closure:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return v
}

// DeepNormalize recursively normalizes v, returning a value safe to persist.
func DeepNormalize(v any) any {
	switch x := Normalize(v).(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepNormalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepNormalize(e)
		}
		return out
	case *closure:
		return nil
	default:
		return x
	}
}

// Truthy reports the boolean interpretation of v: null, false, zero, the empty
// string and empty collections are false.
func Truthy(v any) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// ToString renders v for string interpolation. Null renders as "".
func ToString(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case []any, map[string]any:
		b, err := json.Marshal(DeepNormalize(x))
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// number is a numeric operand that remembers whether it is integral.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return n.i
}

func toNumber(v any) (number, bool) {
	switch x := Normalize(v).(type) {
	case int64:
		return number{i: x}, true
	case float64:
		return number{f: x, isFloat: true}, true
	}
	return number{}, false
}

// ToInt converts a numeric value to int.
func ToInt(v any) (int, bool) {
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	if n.isFloat {
		return int(n.f), true
	}
	return int(n.i), true
}

// ToFloat converts a numeric value to float64.
func ToFloat(v any) (float64, bool) {
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	return n.float(), true
}

func asArray(v any) ([]any, bool) {
	a, ok := Normalize(v).([]any)
	return a, ok
}

func asObject(v any) (map[string]any, bool) {
	m, ok := Normalize(v).(map[string]any)
	return m, ok
}

// Equal compares values deeply. Numbers compare across int and float.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return false
		}
		if !na.isFloat && !nb.isFloat {
			return na.i == nb.i
		}
		return math.Abs(na.float()-nb.float()) < floatEpsilon
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two numbers, strings or dates. ok is false for any other pairing.
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		if !na.isFloat && !nb.isFloat {
			return cmpOrdered(na.i, nb.i), true
		}
		return cmpOrdered(na.float(), nb.float()), true
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sortedKeys returns map keys in lexical order for deterministic output.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func evalError(kind, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeEval, format, args...).
		WithDetails(map[string]any{"kind": kind})
}

func typeMismatch(format string, args ...any) *schema.FlowError {
	return evalError("type_mismatch", format, args...)
}
