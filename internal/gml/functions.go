package gml

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/timefmt-go"

	"github.com/rendis/flowcore/pkg/schema"
)

const defaultDateFormat = "%Y-%m-%d"

// Func is a registered GML function.
type Func func(args []any) (any, error)

// Registry maps function names to implementations. Lookups fall back to the
// upper-cased name so "sum(...)" resolves to SUM. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	now   func() time.Time
}

// NewRegistry creates a registry preloaded with the built-in functions.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	registerBuiltins(r)
	return r
}

// NewEmptyRegistry creates a registry with no functions.
func NewEmptyRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func), now: time.Now}
}

// Register adds a function. Returns a CONFLICT error on duplicate names.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "function name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Override registers fn, replacing any existing function of the same name.
func (r *Registry) Override(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup resolves a function by name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[name]; ok {
		return fn, true
	}
	fn, ok := r.funcs[strings.ToUpper(name)]
	return fn, ok
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetClock replaces the time source used by NOW, DATE and TIME.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

func registerBuiltins(r *Registry) {
	builtins := map[string]Func{
		"SUM":         fnAggregate("sum"),
		"AVG":         fnAggregate("avg"),
		"MIN":         fnAggregate("min"),
		"MAX":         fnAggregate("max"),
		"COUNT":       fnCount,
		"ROUND":       fnRound,
		"FLOOR":       fnUnaryNumber(math.Floor),
		"CEIL":        fnUnaryNumber(math.Ceil),
		"ABS":         fnAbs,
		"CONCAT":      fnConcat,
		"UPPER":       fnString(strings.ToUpper),
		"LOWER":       fnString(strings.ToLower),
		"TRIM":        fnString(strings.TrimSpace),
		"LENGTH":      fnLength,
		"SUBSTRING":   fnSubstring,
		"REPLACE":     fnReplace,
		"SPLIT":       fnSplit,
		"FIRST":       fnFirst,
		"LAST":        fnLast,
		"INT":         fnInt,
		"FLOAT":       fnFloat,
		"STRING":      func(args []any) (any, error) { return ToString(arg(args, 0)), nil },
		"BOOL":        func(args []any) (any, error) { return Truthy(arg(args, 0)), nil },
		"COALESCE":    fnCoalesce,
		"IF":          fnIf,
		"MD5":         fnHash("md5"),
		"SHA256":      fnHash("sha256"),
		"UUID":        func([]any) (any, error) { return uuid.NewString(), nil },
		"JSON":        fnJSON,
		"PARSE_JSON":  fnParseJSON,
		"FORMAT_DATE": fnFormatDate,
		"PARSE_DATE":  fnParseDate,
	}
	for name, fn := range builtins {
		r.funcs[name] = fn
	}
	r.funcs["NOW"] = func([]any) (any, error) { return r.clock(), nil }
	r.funcs["TIME"] = func([]any) (any, error) { return r.clock().UnixMilli(), nil }
	r.funcs["DATE"] = func(args []any) (any, error) { return dateFn(r.clock(), args) }
}

// flattenArgs lets aggregate functions accept either varargs or one array.
func flattenArgs(args []any) []any {
	if len(args) == 1 {
		if arr, ok := asArray(args[0]); ok {
			return arr
		}
	}
	return args
}

func fnAggregate(kind string) Func {
	return func(args []any) (any, error) {
		values := make([]any, 0, len(args))
		for _, v := range flattenArgs(args) {
			if v = Normalize(v); v != nil {
				values = append(values, v)
			}
		}
		switch kind {
		case "sum":
			return sumValues(values)
		case "avg":
			if len(values) == 0 {
				return nil, nil
			}
			total, err := sumValues(values)
			if err != nil {
				return nil, err
			}
			f, _ := ToFloat(total)
			return f / float64(len(values)), nil
		}
		return extremum(values, kind == "min")
	}
}

func fnCount(args []any) (any, error) {
	return int64(len(flattenArgs(args))), nil
}

func fnRound(args []any) (any, error) {
	n, ok := toNumber(arg(args, 0))
	if !ok {
		return nil, typeMismatch("ROUND expects a number, got %s", TypeName(arg(args, 0)))
	}
	digits, err := intArg(args, 1, 0)
	if err != nil {
		return nil, err
	}
	return roundTo(n, digits), nil
}

func fnUnaryNumber(op func(float64) float64) Func {
	return func(args []any) (any, error) {
		n, ok := toNumber(arg(args, 0))
		if !ok {
			return nil, typeMismatch("expected a number, got %s", TypeName(arg(args, 0)))
		}
		if !n.isFloat {
			return n.i, nil
		}
		return int64(op(n.f)), nil
	}
}

func fnAbs(args []any) (any, error) {
	v := arg(args, 0)
	if _, ok := toNumber(v); !ok {
		return nil, typeMismatch("ABS expects a number, got %s", TypeName(v))
	}
	return numberMethod(v, "abs", nil)
}

func fnConcat(args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(ToString(a))
	}
	return b.String(), nil
}

func fnString(op func(string) string) Func {
	return func(args []any) (any, error) {
		v := arg(args, 0)
		if v == nil {
			return nil, nil
		}
		return op(ToString(v)), nil
	}
}

func fnLength(args []any) (any, error) {
	switch v := arg(args, 0).(type) {
	case nil:
		return int64(0), nil
	case string:
		return int64(len([]rune(v))), nil
	case []any:
		return int64(len(v)), nil
	case map[string]any:
		return int64(len(v)), nil
	default:
		return nil, typeMismatch("LENGTH expects a string or collection, got %s", TypeName(v))
	}
}

func fnSubstring(args []any) (any, error) {
	if arg(args, 0) == nil {
		return nil, nil
	}
	return stringMethod(ToString(arg(args, 0)), "substring", args[1:])
}

func fnReplace(args []any) (any, error) {
	if arg(args, 0) == nil {
		return nil, nil
	}
	return strings.ReplaceAll(ToString(arg(args, 0)), ToString(arg(args, 1)), ToString(arg(args, 2))), nil
}

func fnSplit(args []any) (any, error) {
	if arg(args, 0) == nil {
		return []any{}, nil
	}
	sep := ","
	if s, ok := arg(args, 1).(string); ok {
		sep = s
	}
	return stringMethod(ToString(arg(args, 0)), "split", []any{sep})
}

func fnFirst(args []any) (any, error) {
	arr := flattenArgs(args)
	if len(arr) == 0 {
		return nil, nil
	}
	return Normalize(arr[0]), nil
}

func fnLast(args []any) (any, error) {
	arr := flattenArgs(args)
	if len(arr) == 0 {
		return nil, nil
	}
	return Normalize(arr[len(arr)-1]), nil
}

func fnInt(args []any) (any, error) {
	switch v := arg(args, 0).(type) {
	case nil:
		return nil, nil
	case string:
		n, ok := toNumber(parseNumber(v))
		if !ok {
			return nil, evalError("invalid_argument", "INT cannot parse %q", v)
		}
		if n.isFloat {
			return int64(n.f), nil
		}
		return n.i, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		n, ok := toNumber(v)
		if !ok {
			return nil, typeMismatch("INT expects a number or string, got %s", TypeName(v))
		}
		if n.isFloat {
			return int64(n.f), nil
		}
		return n.i, nil
	}
}

func fnFloat(args []any) (any, error) {
	switch v := arg(args, 0).(type) {
	case nil:
		return nil, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, evalError("invalid_argument", "FLOAT cannot parse %q", v)
		}
		return f, nil
	default:
		f, ok := ToFloat(v)
		if !ok {
			return nil, typeMismatch("FLOAT expects a number or string, got %s", TypeName(v))
		}
		return f, nil
	}
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return Normalize(a), nil
		}
	}
	return nil, nil
}

func fnIf(args []any) (any, error) {
	if Truthy(arg(args, 0)) {
		return arg(args, 1), nil
	}
	return arg(args, 2), nil
}

func fnHash(kind string) Func {
	return func(args []any) (any, error) {
		data := []byte(ToString(arg(args, 0)))
		if kind == "md5" {
			sum := md5.Sum(data)
			return hex.EncodeToString(sum[:]), nil
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
}

func fnJSON(args []any) (any, error) {
	b, err := json.Marshal(DeepNormalize(arg(args, 0)))
	if err != nil {
		return nil, evalError("invalid_argument", "JSON: %s", err.Error())
	}
	return string(b), nil
}

func fnParseJSON(args []any) (any, error) {
	s, ok := arg(args, 0).(string)
	if !ok {
		return nil, typeMismatch("PARSE_JSON expects a string, got %s", TypeName(arg(args, 0)))
	}
	return DecodeJSON([]byte(s))
}

// DecodeJSON decodes a document keeping integers as int64.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, evalError("invalid_argument", "invalid JSON: %s", err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, evalError("invalid_argument", "invalid JSON: trailing data")
	}
	return DeepNormalize(v), nil
}

func fnFormatDate(args []any) (any, error) {
	t, err := toTime(arg(args, 0))
	if err != nil || t == nil {
		return nil, err
	}
	layout := defaultDateFormat
	if s, ok := arg(args, 1).(string); ok && s != "" {
		layout = s
	}
	return timefmt.Format(*t, layout), nil
}

func fnParseDate(args []any) (any, error) {
	s, ok := arg(args, 0).(string)
	if !ok {
		return nil, typeMismatch("PARSE_DATE expects a string, got %s", TypeName(arg(args, 0)))
	}
	if layout, ok := arg(args, 1).(string); ok && layout != "" {
		t, err := timefmt.Parse(s, layout)
		if err != nil {
			return nil, evalError("invalid_argument", "PARSE_DATE: %s", err.Error())
		}
		return t, nil
	}
	t, err := toTime(s)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func toTime(v any) (*time.Time, error) {
	switch x := Normalize(v).(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &x, nil
	case int64:
		t := time.UnixMilli(x)
		return &t, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return &t, nil
			}
		}
		return nil, evalError("invalid_argument", "cannot parse date %q", x)
	}
	return nil, typeMismatch("expected a date, got %s", TypeName(v))
}

// dateFn implements DATE(): no argument is now, an offset such as "-1d" or
// "+2w" is relative to now, anything else is parsed as a date.
func dateFn(now time.Time, args []any) (any, error) {
	v := arg(args, 0)
	if v == nil {
		return now, nil
	}
	if s, ok := v.(string); ok {
		if d, err := parseOffset(s); err == nil {
			return now.Add(d), nil
		}
	}
	if n, ok := toNumber(v); ok {
		return now.Add(time.Duration(n.float() * float64(24*time.Hour))), nil
	}
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

var offsetUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'y': 365 * 24 * time.Hour,
}

// parseOffset parses "[+-]N[unit]" where unit is one of s m h d w M y (default d).
func parseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, evalError("invalid_argument", "empty date offset")
	}
	unit := 24 * time.Hour
	if u, ok := offsetUnits[s[len(s)-1]]; ok {
		unit = u
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(strings.TrimPrefix(s, "+"), 64)
	if err != nil {
		return 0, evalError("invalid_argument", "invalid date offset %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}

// MustRegister registers fn and panics on conflict; intended for package init wiring.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(fmt.Sprintf("gml: %v", err))
	}
}
