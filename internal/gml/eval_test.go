package gml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func eval(t *testing.T, text string, vars map[string]any) any {
	t.Helper()
	out, err := Evaluate(text, vars)
	require.NoError(t, err, "evaluating %q", text)
	return out
}

func TestEval_Arithmetic(t *testing.T) {
	assert.Equal(t, int64(500), eval(t, "price * quantity", map[string]any{"price": 100, "quantity": 5}))
	assert.Equal(t, int64(7), eval(t, "1 + 2 * 3", nil))
	assert.Equal(t, int64(9), eval(t, "(1 + 2) * 3", nil))
	assert.Equal(t, int64(1), eval(t, "7 % 3", nil))
	assert.Equal(t, int64(2), eval(t, "6 / 3", nil))
	assert.Equal(t, int64(2), eval(t, "5 / 2", nil))
	assert.Equal(t, int64(-3), eval(t, "-7 / 2", nil))
	assert.Equal(t, 3.5, eval(t, "7 / 2.0", nil))
	assert.Equal(t, 2.5, eval(t, "1 + 1.5", nil))
	assert.Equal(t, int64(-4), eval(t, "-(2 + 2)", nil))
}

func TestEval_DivisionByZero(t *testing.T) {
	_, err := Evaluate("1 / 0", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeEval, fe.Code)
	assert.Equal(t, "division_by_zero", fe.Details["kind"])
}

func TestEval_PlusJoinsOnlyLikeTypes(t *testing.T) {
	assert.Equal(t, "ab", eval(t, "'a' + 'b'", nil))
	assert.Equal(t, []any{int64(1), int64(2)}, eval(t, "[1] + [2]", nil))
	assert.Equal(t, "x1", eval(t, "`x${1}`", nil))

	for _, text := range []string{"'x' + 1", "1 + 'x'", "'x' + null"} {
		_, err := Evaluate(text, nil)
		require.Error(t, err, text)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeEval, fe.Code, text)
		assert.Equal(t, "type_mismatch", fe.Details["kind"], text)
	}
}

func TestEval_Template(t *testing.T) {
	out := eval(t, "`订单${orderId}已创建`", map[string]any{"orderId": "ORD001"})
	assert.Equal(t, "订单ORD001已创建", out)

	out = eval(t, "`total: ${items.map(x => x.price).sum()} for ${user.name}`", map[string]any{
		"items": []any{map[string]any{"price": 2}, map[string]any{"price": 3}},
		"user":  map[string]any{"name": "ana"},
	})
	assert.Equal(t, "total: 5 for ana", out)
}

func TestEval_CaseExpression(t *testing.T) {
	assert.Equal(t, "y", eval(t, "CASE WHEN a > 1 THEN 'x' ELSE 'y' END", map[string]any{"a": 0}))
	assert.Equal(t, "x", eval(t, "CASE WHEN a > 1 THEN 'x' ELSE 'y' END", map[string]any{"a": 2}))
	assert.Equal(t, "mid", eval(t, "CASE WHEN a > 10 THEN 'high' WHEN a > 1 THEN 'mid' END", map[string]any{"a": 5}))
	assert.Nil(t, eval(t, "CASE WHEN a > 10 THEN 'high' END", map[string]any{"a": 5}))
}

func TestEval_NullSafety(t *testing.T) {
	assert.Nil(t, eval(t, "user.name", map[string]any{"user": nil}))
	assert.Nil(t, eval(t, "missing.name.first", nil))
	assert.Nil(t, eval(t, "missing[0].name", nil))
	assert.Nil(t, eval(t, "missing.trim()", nil))
	assert.Nil(t, eval(t, "unknownVariable", nil))
	assert.Equal(t, false, eval(t, "missing > 3", nil))
}

func TestEval_UnknownFunction(t *testing.T) {
	_, err := Evaluate("NOPE(1)", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeEval, fe.Code)
	assert.Equal(t, "undefined_function", fe.Details["kind"])
	assert.Equal(t, 0, fe.Details["position"])
}

func TestEval_ShortCircuit(t *testing.T) {
	assert.Equal(t, false, eval(t, "false && NOPE()", nil))
	assert.Equal(t, true, eval(t, "true || NOPE()", nil))
	assert.Equal(t, "d", eval(t, "name || 'd'", nil))
	assert.Equal(t, "n", eval(t, "name ?? 'd'", map[string]any{"name": "n"}))
	assert.Equal(t, int64(0), eval(t, "count ?? 5", map[string]any{"count": 0}))
}

func TestEval_Comparisons(t *testing.T) {
	assert.Equal(t, true, eval(t, "1 == 1.0", nil))
	assert.Equal(t, true, eval(t, "0.1 + 0.2 == 0.3", nil))
	assert.Equal(t, true, eval(t, "'abc' < 'abd'", nil))
	assert.Equal(t, true, eval(t, "[1, 2] == [1, 2]", nil))
	assert.Equal(t, true, eval(t, "{a = 1} != {a = 2}", nil))
	assert.Equal(t, "yes", eval(t, "a >= 3 ? 'yes' : 'no'", map[string]any{"a": 3}))

	_, err := Evaluate("'a' < 1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeEval))
}

func TestEval_ScriptAssignments(t *testing.T) {
	out := eval(t, "a = 1, $tmp = 2, b = a + $tmp", nil)
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(3)}, out)

	out = eval(t, "user.name = 'bob'\nuser.age = 3", map[string]any{"user": map[string]any{"id": 1}})
	assert.Equal(t, map[string]any{"user": map[string]any{"id": 1, "name": "bob", "age": int64(3)}}, out)

	assert.Equal(t, int64(3), eval(t, "$x = 1, return $x + 2", nil))
	assert.Equal(t, int64(4), eval(t, "$x = 4, $x", nil))
}

func TestEval_DoesNotMutateVars(t *testing.T) {
	user := map[string]any{"name": "a"}
	vars := map[string]any{"user": user, "count": 1}
	eval(t, "user.name = 'b', count = count + 1", vars)
	assert.Equal(t, "a", user["name"])
	assert.Equal(t, 1, vars["count"])
}

func TestEval_Comments(t *testing.T) {
	assert.Equal(t, int64(2), eval(t, "# leading comment\n1 + 1 # trailing", nil))
	assert.Equal(t, int64(3), eval(t, "items[#]", map[string]any{"items": []any{1, 2, 3}}))
	assert.Equal(t, int64(2), eval(t, "items[-2]", map[string]any{"items": []any{1, 2, 3}}))
	assert.Nil(t, eval(t, "items[10]", map[string]any{"items": []any{1, 2, 3}}))
}

func TestEval_ObjectsAndSpread(t *testing.T) {
	out := eval(t, "{...base, c = 3, b}", map[string]any{"base": map[string]any{"a": 1}, "b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": int64(2), "c": int64(3)}, out)

	out = eval(t, "[...xs, 4]", map[string]any{"xs": []any{1, 2}})
	assert.Equal(t, []any{1, 2, int64(4)}, out)

	out = eval(t, "...base, extra = true", map[string]any{"base": map[string]any{"k": "v"}})
	assert.Equal(t, map[string]any{"k": "v", "extra": true}, out)
}

func TestEval_ArrayMethods(t *testing.T) {
	vars := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "qty": 1, "cat": "x"},
			map[string]any{"name": "b", "qty": 2, "cat": "y"},
			map[string]any{"name": "c", "qty": 3, "cat": "x"},
		},
	}
	assert.Equal(t, []any{"b", "c"}, eval(t, "items.filter(i => i.qty > 1).map(i => i.name)", vars))
	assert.Equal(t, int64(6), eval(t, "items.sum(i => i.qty)", vars))
	assert.Equal(t, 2.0, eval(t, "items.avg('qty')", vars))
	assert.Equal(t, int64(3), eval(t, "items.max(i => i.qty)", vars))
	assert.Equal(t, []any{"c", "b", "a"}, eval(t, "items.sort('-qty').pluck('name')", vars))
	assert.Equal(t, true, eval(t, "items.some(i => i.cat == 'y')", vars))
	assert.Equal(t, false, eval(t, "items.every(i => i.qty > 1)", vars))
	assert.Equal(t, int64(2), eval(t, "items.findIndex(i => i.name == 'c')", vars))
	assert.Equal(t, []any{map[string]any{"name": "a"}}, eval(t, "items.take(1).proj('name')", vars))

	grouped := eval(t, "items.group(i => i.cat)", vars).(map[string]any)
	assert.Len(t, grouped["x"], 2)
	assert.Len(t, grouped["y"], 1)

	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, eval(t, "[3, 1, 2].sort()", nil))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, eval(t, "[[1, 2], [3]].flat()", nil))
	assert.Equal(t, []any{int64(1), int64(2)}, eval(t, "[1, 1, 2].distinct()", nil))
	assert.Equal(t, "1-2", eval(t, "[1, 2].join('-')", nil))
	assert.Equal(t, []any{int64(1), int64(3)}, eval(t, "[1, 2, 3].map((v, i) => i).filter(i => i != 1).map(i => i + 1)", nil))
}

func TestEval_StringAndObjectMethods(t *testing.T) {
	assert.Equal(t, "HELLO", eval(t, "' hello '.trim().toUpperCase()", nil))
	assert.Equal(t, []any{"a", "b"}, eval(t, "'a,b'.split(',')", nil))
	assert.Equal(t, true, eval(t, "'flowcore'.startsWith('flow')", nil))
	assert.Equal(t, "ell", eval(t, "'hello'.substring(1, 4)", nil))
	assert.Equal(t, int64(2), eval(t, "'héllo'.indexOf('l')", nil))
	assert.Equal(t, []any{"a", "b"}, eval(t, "{b = 2, a = 1}.keys()", nil))
	assert.Equal(t, true, eval(t, "{a = 1}.has('a')", nil))
	assert.Equal(t, "3.14", eval(t, "3.14159.toFixed(2)", nil))
	assert.Equal(t, 3.14, eval(t, "ROUND(3.14159, 2)", nil))
}

func TestEval_BuiltinFunctions(t *testing.T) {
	assert.Equal(t, int64(6), eval(t, "SUM(1, 2, 3)", nil))
	assert.Equal(t, int64(6), eval(t, "SUM([1, 2, 3])", nil))
	assert.Equal(t, "ab", eval(t, "CONCAT('a', 'b')", nil))
	assert.Equal(t, "fallback", eval(t, "COALESCE(null, 'fallback')", nil))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", eval(t, "MD5('hello')", nil))
	assert.Equal(t, int64(42), eval(t, "INT('42')", nil))
	assert.Equal(t, map[string]any{"a": int64(1)}, eval(t, "PARSE_JSON('{\"a\": 1}')", nil))
	assert.Equal(t, `{"a":1}`, eval(t, "JSON({a = 1})", nil))
	assert.Equal(t, int64(3), eval(t, "sum(1, 2)", nil))
}

func TestEval_DateFunctions(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	reg := NewRegistry()
	reg.SetClock(func() time.Time { return fixed })
	e := NewEngine(reg)

	out, err := e.Eval("f", "1", "FORMAT_DATE(NOW(), '%Y-%m-%d')", nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", out)

	out, err = e.Eval("f", "1", "DATE('-1d')", nil)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(-24*time.Hour), out)

	out, err = e.Eval("f", "1", "DATE('2w') > NOW()", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Eval("f", "1", "PARSE_DATE('2024-01-02').year()", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2024), out)

	out, err = e.Eval("f", "1", "TIME()", nil)
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), out)
}

func TestEval_SystemVariablesAndThis(t *testing.T) {
	vars := map[string]any{"$flow_id": "f1", "a": 1}
	assert.Equal(t, "f1", eval(t, "$flow_id", vars))
	assert.Equal(t, int64(1), eval(t, "this.a", vars))
}

func TestParse_Errors(t *testing.T) {
	cases := []string{"a +", "(1 + 2", "'unterminated", "CASE WHEN a THEN 1", "`x ${a`", "a ? b", "{a = }"}
	for _, src := range cases {
		_, err := Parse(src)
		require.Error(t, err, src)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe, src)
		assert.Equal(t, schema.ErrCodeParse, fe.Code, src)
		assert.Contains(t, fe.Details, "position", src)
	}
}

func TestRegistry_Custom(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("DOUBLE", func(args []any) (any, error) {
		n, _ := ToInt(arg(args, 0))
		return int64(n * 2), nil
	}))
	err := reg.Register("DOUBLE", func([]any) (any, error) { return nil, nil })
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	out, err := NewEngine(reg).Eval("f", "1", "DOUBLE(21)", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)
}

func TestEngine_CacheByVersion(t *testing.T) {
	e := NewEngine(nil)
	p1, err := e.Compile("flow", "v1", "a + 1")
	require.NoError(t, err)
	p2, err := e.Compile("flow", "v1", "a + 1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, e.CacheSize("flow"))

	p3, err := e.Compile("flow", "v2", "a + 1")
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, 1, e.CacheSize("flow"))

	e.Invalidate("flow")
	assert.Equal(t, 0, e.CacheSize("flow"))
}
