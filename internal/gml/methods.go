package gml

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/timefmt-go"
)

func (e *env) method(recv any, name string, args []any) (any, error) {
	switch r := recv.(type) {
	case []any:
		return e.arrayMethod(r, name, args)
	case map[string]any:
		return objectMethod(r, name, args)
	case string:
		return stringMethod(r, name, args)
	case time.Time:
		return dateMethod(r, name, args)
	case int64, float64:
		return numberMethod(r, name, args)
	}
	if name == "toString" {
		return ToString(recv), nil
	}
	return nil, undefinedMethod(recv, name)
}

func undefinedMethod(recv any, name string) error {
	return evalError("undefined_function", "%s has no method %s", TypeName(recv), name)
}

func arg(args []any, i int) any {
	if i < len(args) {
		return Normalize(args[i])
	}
	return nil
}

func intArg(args []any, i int, def int) (int, error) {
	v := arg(args, i)
	if v == nil {
		return def, nil
	}
	n, ok := ToInt(v)
	if !ok {
		return 0, evalError("invalid_argument", "argument %d must be a number, got %s", i+1, TypeName(v))
	}
	return n, nil
}

// selector turns a lambda or field-name argument into a per-element accessor.
// With no argument the element itself is selected.
func (e *env) selector(args []any, i int) (func(item any, idx int) (any, error), error) {
	switch s := arg(args, i).(type) {
	case nil:
		return func(item any, _ int) (any, error) { return item, nil }, nil
	case *closure:
		return func(item any, idx int) (any, error) { return e.call(s, item, int64(idx)) }, nil
	case string:
		return func(item any, _ int) (any, error) { return member(item, s) }, nil
	default:
		return nil, evalError("invalid_argument", "expected a lambda or field name, got %s", TypeName(s))
	}
}

func (e *env) predicate(args []any) (func(item any, idx int) (bool, error), error) {
	fn, ok := arg(args, 0).(*closure)
	if !ok {
		want := arg(args, 0)
		return func(item any, _ int) (bool, error) { return Equal(item, want), nil }, nil
	}
	return func(item any, idx int) (bool, error) {
		v, err := e.call(fn, item, int64(idx))
		if err != nil {
			return false, err
		}
		return Truthy(v), nil
	}, nil
}

func (e *env) arrayMethod(arr []any, name string, args []any) (any, error) {
	switch name {
	case "length", "count":
		if len(args) == 0 {
			return int64(len(arr)), nil
		}
		pred, err := e.predicate(args)
		if err != nil {
			return nil, err
		}
		var n int64
		for i, item := range arr {
			ok, err := pred(item, i)
			if err != nil {
				return nil, err
			}
			if ok {
				n++
			}
		}
		return n, nil
	case "isEmpty":
		return len(arr) == 0, nil
	case "map":
		sel, err := e.selector(args, 0)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			if out[i], err = sel(item, i); err != nil {
				return nil, err
			}
		}
		return out, nil
	case "filter":
		pred, err := e.predicate(args)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(arr))
		for i, item := range arr {
			ok, err := pred(item, i)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, item)
			}
		}
		return out, nil
	case "some", "any", "every", "all", "find", "findIndex":
		pred, err := e.predicate(args)
		if err != nil {
			return nil, err
		}
		for i, item := range arr {
			ok, err := pred(item, i)
			if err != nil {
				return nil, err
			}
			switch {
			case ok && (name == "some" || name == "any"):
				return true, nil
			case !ok && (name == "every" || name == "all"):
				return false, nil
			case ok && name == "find":
				return item, nil
			case ok && name == "findIndex":
				return int64(i), nil
			}
		}
		switch name {
		case "some", "any":
			return false, nil
		case "every", "all":
			return true, nil
		case "findIndex":
			return int64(-1), nil
		}
		return nil, nil
	case "sort":
		return e.sortArray(arr, args)
	case "reverse":
		out := make([]any, len(arr))
		for i, item := range arr {
			out[len(arr)-1-i] = item
		}
		return out, nil
	case "group":
		sel, err := e.selector(args, 0)
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		for i, item := range arr {
			k, err := sel(item, i)
			if err != nil {
				return nil, err
			}
			key := ToString(k)
			bucket, _ := out[key].([]any)
			out[key] = append(bucket, item)
		}
		return out, nil
	case "proj":
		out := make([]any, len(arr))
		for i, item := range arr {
			obj, ok := asObject(item)
			if !ok {
				out[i] = nil
				continue
			}
			out[i] = project(obj, args)
		}
		return out, nil
	case "pluck":
		field := ToString(arg(args, 0))
		out := make([]any, len(arr))
		for i, item := range arr {
			if obj, ok := asObject(item); ok {
				out[i] = obj[field]
			}
		}
		return out, nil
	case "sum", "avg", "min", "max":
		return e.aggregate(arr, name, args)
	case "first":
		if len(arr) == 0 {
			return nil, nil
		}
		return arr[0], nil
	case "last":
		if len(arr) == 0 {
			return nil, nil
		}
		return arr[len(arr)-1], nil
	case "at":
		i, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		if i < 0 {
			i += len(arr)
		}
		if i < 0 || i >= len(arr) {
			return nil, nil
		}
		return arr[i], nil
	case "distinct":
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			dup := false
			for _, seen := range out {
				if Equal(seen, item) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, item)
			}
		}
		return out, nil
	case "join":
		sep := ","
		if s, ok := arg(args, 0).(string); ok {
			sep = s
		}
		parts := make([]string, len(arr))
		for i, item := range arr {
			parts[i] = ToString(item)
		}
		return strings.Join(parts, sep), nil
	case "flat", "flatten":
		depth, err := intArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		return flatten(arr, depth), nil
	case "includes", "contains":
		want := arg(args, 0)
		for _, item := range arr {
			if Equal(item, want) {
				return true, nil
			}
		}
		return false, nil
	case "indexOf":
		want := arg(args, 0)
		for i, item := range arr {
			if Equal(item, want) {
				return int64(i), nil
			}
		}
		return int64(-1), nil
	case "push", "add":
		out := make([]any, 0, len(arr)+len(args))
		return append(append(out, arr...), args...), nil
	case "concat", "addAll":
		out := append([]any{}, arr...)
		for _, a := range args {
			if more, ok := asArray(a); ok {
				out = append(out, more...)
			} else if a != nil {
				out = append(out, a)
			}
		}
		return out, nil
	case "slice":
		start, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		end, err := intArg(args, 1, len(arr))
		if err != nil {
			return nil, err
		}
		s, t := clampRange(start, end, len(arr))
		return append([]any{}, arr[s:t]...), nil
	case "take":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		_, t := clampRange(0, n, len(arr))
		return append([]any{}, arr[:t]...), nil
	case "skip", "drop":
		n, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		s, _ := clampRange(n, len(arr), len(arr))
		return append([]any{}, arr[s:]...), nil
	case "chunk":
		size, err := intArg(args, 0, 1)
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			return nil, evalError("invalid_argument", "chunk size must be positive")
		}
		out := []any{}
		for i := 0; i < len(arr); i += size {
			end := min(i+size, len(arr))
			out = append(out, append([]any{}, arr[i:end]...))
		}
		return out, nil
	case "toString":
		return ToString(arr), nil
	}
	return nil, undefinedMethod(arr, name)
}

func (e *env) sortArray(arr []any, args []any) (any, error) {
	out := append([]any{}, arr...)
	desc := false
	var cmp func(a, b any) (int, error)
	switch s := arg(args, 0).(type) {
	case *closure:
		if len(s.params) >= 2 {
			cmp = func(a, b any) (int, error) {
				v, err := e.call(s, a, b)
				if err != nil {
					return 0, err
				}
				f, _ := ToFloat(v)
				return cmpOrdered(f, 0), nil
			}
			break
		}
		cmp = func(a, b any) (int, error) {
			ka, err := e.call(s, a)
			if err != nil {
				return 0, err
			}
			kb, err := e.call(s, b)
			if err != nil {
				return 0, err
			}
			return naturalCompare(ka, kb), nil
		}
	case string:
		field := s
		if strings.HasPrefix(field, "-") {
			desc, field = true, field[1:]
		}
		cmp = func(a, b any) (int, error) {
			ka, _ := member(a, field)
			kb, _ := member(b, field)
			return naturalCompare(ka, kb), nil
		}
	default:
		cmp = func(a, b any) (int, error) { return naturalCompare(a, b), nil }
	}
	var firstErr error
	sort.SliceStable(out, func(i, j int) bool {
		if firstErr != nil {
			return false
		}
		c, err := cmp(out[i], out[j])
		if err != nil {
			firstErr = err
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// naturalCompare orders nulls first, then comparable values, then by type name.
func naturalCompare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := Compare(a, b); ok {
		return c
	}
	return strings.Compare(TypeName(a), TypeName(b))
}

func (e *env) aggregate(arr []any, name string, args []any) (any, error) {
	sel, err := e.selector(args, 0)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(arr))
	for i, item := range arr {
		v, err := sel(item, i)
		if err != nil {
			return nil, err
		}
		if v != nil {
			values = append(values, v)
		}
	}
	switch name {
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
	return extremum(values, name == "min")
}

func sumValues(values []any) (any, error) {
	var acc any = int64(0)
	for _, v := range values {
		next, err := arithmetic(tokPlus, acc, Normalize(v))
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

func extremum(values []any, wantMin bool) (any, error) {
	var best any
	for _, v := range values {
		if best == nil {
			best = v
			continue
		}
		c, ok := Compare(v, best)
		if !ok {
			return nil, typeMismatch("cannot compare %s with %s", TypeName(v), TypeName(best))
		}
		if (wantMin && c < 0) || (!wantMin && c > 0) {
			best = v
		}
	}
	return Normalize(best), nil
}

func flatten(arr []any, depth int) []any {
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if inner, ok := asArray(item); ok && depth > 0 {
			out = append(out, flatten(inner, depth-1)...)
			continue
		}
		out = append(out, item)
	}
	return out
}

func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	start = max(0, min(start, n))
	end = max(start, min(end, n))
	return start, end
}

func project(obj map[string]any, fields []any) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if names, ok := asArray(f); ok {
			for _, n := range names {
				k := ToString(n)
				out[k] = obj[k]
			}
			continue
		}
		k := ToString(f)
		out[k] = obj[k]
	}
	return out
}

func objectMethod(obj map[string]any, name string, args []any) (any, error) {
	switch name {
	case "proj", "pick":
		return project(obj, args), nil
	case "omit":
		drop := map[string]bool{}
		for _, a := range args {
			drop[ToString(a)] = true
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if !drop[k] {
				out[k] = v
			}
		}
		return out, nil
	case "keys":
		keys := sortedKeys(obj)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "values":
		keys := sortedKeys(obj)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = obj[k]
		}
		return out, nil
	case "entries":
		keys := sortedKeys(obj)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"key": k, "value": obj[k]}
		}
		return out, nil
	case "has":
		_, ok := obj[ToString(arg(args, 0))]
		return ok, nil
	case "get":
		if v, ok := obj[ToString(arg(args, 0))]; ok && v != nil {
			return Normalize(v), nil
		}
		return arg(args, 1), nil
	case "merge":
		out := mergeObjects(obj, nil)
		for _, a := range args {
			if more, ok := asObject(a); ok {
				out = mergeObjects(out, more)
			}
		}
		return out, nil
	case "length":
		return int64(len(obj)), nil
	case "isEmpty":
		return len(obj) == 0, nil
	case "toString":
		return ToString(obj), nil
	}
	return nil, undefinedMethod(obj, name)
}

func stringMethod(s string, name string, args []any) (any, error) {
	switch name {
	case "length":
		return int64(len([]rune(s))), nil
	case "isEmpty":
		return s == "", nil
	case "toLowerCase", "lower":
		return strings.ToLower(s), nil
	case "toUpperCase", "upper":
		return strings.ToUpper(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "split":
		sep := ToString(arg(args, 0))
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "startsWith":
		return strings.HasPrefix(s, ToString(arg(args, 0))), nil
	case "endsWith":
		return strings.HasSuffix(s, ToString(arg(args, 0))), nil
	case "contains", "includes":
		return strings.Contains(s, ToString(arg(args, 0))), nil
	case "indexOf":
		i := strings.Index(s, ToString(arg(args, 0)))
		if i < 0 {
			return int64(-1), nil
		}
		return int64(len([]rune(s[:i]))), nil
	case "replace":
		return strings.ReplaceAll(s, ToString(arg(args, 0)), ToString(arg(args, 1))), nil
	case "substring", "slice":
		r := []rune(s)
		start, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		end, err := intArg(args, 1, len(r))
		if err != nil {
			return nil, err
		}
		a, b := clampRange(start, end, len(r))
		return string(r[a:b]), nil
	case "toNumber":
		return parseNumber(s), nil
	case "toString":
		return s, nil
	}
	return nil, undefinedMethod(s, name)
}

func parseNumber(s string) any {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return nil
}

func dateMethod(t time.Time, name string, args []any) (any, error) {
	switch name {
	case "format":
		layout := defaultDateFormat
		if s, ok := arg(args, 0).(string); ok {
			layout = s
		}
		return timefmt.Format(t, layout), nil
	case "year":
		return int64(t.Year()), nil
	case "month":
		return int64(t.Month()), nil
	case "day":
		return int64(t.Day()), nil
	case "hour":
		return int64(t.Hour()), nil
	case "minute":
		return int64(t.Minute()), nil
	case "second":
		return int64(t.Second()), nil
	case "weekday":
		return int64(t.Weekday()), nil
	case "unix":
		return t.Unix(), nil
	case "add":
		d, err := parseOffset(ToString(arg(args, 0)))
		if err != nil {
			return nil, err
		}
		return t.Add(d), nil
	case "toString":
		return ToString(t), nil
	}
	return nil, undefinedMethod(t, name)
}

func numberMethod(v any, name string, args []any) (any, error) {
	n, _ := toNumber(v)
	switch name {
	case "round":
		digits, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return roundTo(n, digits), nil
	case "floor":
		if !n.isFloat {
			return n.i, nil
		}
		return int64(math.Floor(n.f)), nil
	case "ceil":
		if !n.isFloat {
			return n.i, nil
		}
		return int64(math.Ceil(n.f)), nil
	case "abs":
		if !n.isFloat {
			if n.i < 0 {
				return -n.i, nil
			}
			return n.i, nil
		}
		return math.Abs(n.f), nil
	case "toFixed":
		digits, err := intArg(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return strconv.FormatFloat(n.float(), 'f', digits, 64), nil
	case "toString":
		return ToString(v), nil
	}
	return nil, undefinedMethod(v, name)
}

func roundTo(n number, digits int) any {
	if !n.isFloat {
		return n.i
	}
	if digits <= 0 {
		return int64(math.Round(n.f))
	}
	p := math.Pow(10, float64(digits))
	return math.Round(n.f*p) / p
}
