package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func newLoader(t *testing.T, lookup validation.ToolLookup) *Loader {
	t.Helper()
	engines, err := rules.DefaultSet(gml.NewEngine(nil))
	require.NoError(t, err)
	v, err := validation.NewFlowValidator(lookup, engines)
	require.NoError(t, err)
	return New(v, nil)
}

func edgesOf(def *schema.FlowDefinition, source string) []schema.Edge {
	var out []schema.Edge
	for _, e := range def.Edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

func TestLoadFile_Orders(t *testing.T) {
	def, err := newLoader(t, nil).LoadFile("testdata/orders.yaml")
	require.NoError(t, err)

	assert.Equal(t, "orders", def.ID)
	assert.Equal(t, "orders", def.Name)
	assert.Equal(t, "settle open orders", def.Description)
	assert.Len(t, def.Version, 12)
	assert.Equal(t, []schema.ParamDef{
		{Name: "customer", Type: "string", Required: true},
		{Name: "limit", Type: "int", Default: 2},
	}, def.Inputs)
	assert.Equal(t, []schema.ParamDef{{Name: "total", Type: "number"}, {Name: "label", Type: "string"}}, def.Outputs)
	assert.Equal(t, "seen = 0\nlabel = 'pending'", def.Vars)

	var ids []string
	for _, n := range def.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"start", "fetch", "check", "settle", "sum", "empty"}, ids)

	start := def.Node("start")
	assert.Equal(t, schema.NodeStart, start.Kind)
	assert.Equal(t, []schema.Edge{{Source: "start", Target: "fetch", Kind: schema.EdgeNext}}, edgesOf(def, "start"))

	fetch := def.Node("fetch")
	assert.Equal(t, schema.NodeExec, fetch.Kind)
	assert.Equal(t, "fetch orders", fetch.Name)
	assert.Equal(t, "api://orders/list", fetch.Tool.URI)
	assert.Equal(t, &schema.RetryPolicy{Max: 2, Backoff: "exponential", Delay: "10"}, fetch.Retry)

	check := def.Node("check")
	assert.Equal(t, schema.NodeCondition, check.Kind)
	assert.Equal(t, "fetch.length() > 0", check.Condition.When)
	assert.ElementsMatch(t, []schema.Edge{
		{Source: "check", Target: "settle", Kind: schema.EdgeThen},
		{Source: "check", Target: "empty", Kind: schema.EdgeElse},
	}, edgesOf(def, "check"))

	settle := def.Node("settle")
	require.Equal(t, schema.NodeEach, settle.Kind)
	assert.Equal(t, "fetch", settle.Each.Source)
	assert.Equal(t, "order", settle.Each.Item)
	assert.Equal(t, "i", settle.Each.Index)
	assert.False(t, settle.Each.Parallel)
	require.Len(t, settle.Each.Body.Nodes, 1)
	assert.Equal(t, "price", settle.Each.Body.Nodes[0].ID)

	assert.Equal(t, schema.NodeMapping, def.Node("sum").Kind)
}

func TestLoad_Controls(t *testing.T) {
	data, err := os.ReadFile("testdata/controls.yaml")
	require.NoError(t, err)
	def, err := newLoader(t, nil).Load(data)
	require.NoError(t, err)

	assert.Equal(t, "controls", def.ID)
	assert.Equal(t, "3", def.Version)
	assert.Equal(t, "1m", def.Timeout)
	assert.Equal(t, 2, def.MaxParallelism)
	assert.Nil(t, def.Node("start"), "no inputs and no entry means no synthesized start")

	route := def.Node("route")
	require.Equal(t, schema.NodeSwitch, route.Kind)
	assert.Len(t, route.Switch.Cases, 2)
	assert.ElementsMatch(t, []schema.Edge{
		{Source: "route", Target: "pause", Kind: schema.EdgeCase, Case: 0},
		{Source: "route", Target: "count", Kind: schema.EdgeCase, Case: 1},
		{Source: "route", Target: "gate", Kind: schema.EdgeElse},
	}, edgesOf(def, "route"))

	assert.Equal(t, schema.NodeDelay, def.Node("pause").Kind)
	assert.Equal(t, "5s", def.Node("pause").Delay.Wait)

	count := def.Node("count")
	require.Equal(t, schema.NodeLoop, count.Kind)
	assert.Equal(t, "i = 0", count.Loop.Vars)
	assert.Equal(t, 10, count.Loop.MaxIterations)

	gate := def.Node("gate")
	require.Equal(t, schema.NodeGuard, gate.Kind)
	assert.Equal(t, &schema.GuardSpec{Engine: "cel", Rule: "size(orders) > 0", Action: "warn"}, gate.Guard)
	assert.Equal(t, "recover", gate.Fail)

	notify := def.Node("notify")
	assert.Equal(t, schema.NodeExec, notify.Kind)
	assert.Equal(t, "mq://events/orders", notify.Tool.URI)
	assert.True(t, notify.ContinueOnFail)
	assert.Equal(t, "2s", notify.Timeout)

	rec := def.Node("recover")
	assert.Equal(t, schema.NodeAgent, rec.Kind)
	assert.Equal(t, "llm://support", rec.Tool.URI)
}

func TestLoad_JSONAndEntry(t *testing.T) {
	data := []byte(`{"flow": {
    "name": "json flow",
    "args": {"entry": "b", "out": "b"},
    "vars": "n = 1",
    "node": {
      "a": {"with": 1},
      "b": {"with": "n + 1", "next": "a, c"},
      "c": {"each": "[1, 2] => v", "parallel": true, "node": {"x": {"with": "v"}}}
    }
  }}`)
	def, err := newLoader(t, nil).Load(data)
	require.NoError(t, err)

	assert.Equal(t, "json flow", def.ID)
	assert.Equal(t, []schema.ParamDef{{Name: "b"}}, def.Outputs)
	assert.Equal(t, "1", def.Node("a").With)
	assert.Equal(t, []schema.Edge{{Source: "start", Target: "b", Kind: schema.EdgeNext}}, edgesOf(def, "start"))
	assert.Len(t, edgesOf(def, "b"), 2)
	assert.True(t, def.Node("c").Each.Parallel)
	assert.Empty(t, def.Node("c").Each.Index)
}

func TestLoad_VersionFollowsContent(t *testing.T) {
	l := newLoader(t, nil)
	a, err := l.Load([]byte("flow:\n  node:\n    m:\n      with: 1\n"))
	require.NoError(t, err)
	b, err := l.Load([]byte("flow:\n  node:\n    m:\n      with: 1\n"))
	require.NoError(t, err)
	c, err := l.Load([]byte("flow:\n  node:\n    m:\n      with: 2\n"))
	require.NoError(t, err)

	assert.Equal(t, "flow", a.ID)
	assert.Equal(t, a.Version, b.Version)
	assert.NotEqual(t, a.Version, c.Version)
}

func TestLoad_Errors(t *testing.T) {
	l := newLoader(t, tools.NewRegistry())
	cases := []struct {
		name string
		text string
		code string
	}{
		{"yaml syntax", "flow: [", schema.ErrCodeParse},
		{"empty", "", schema.ErrCodeValidation},
		{"schema", "flow:\n  node:\n    a:\n      bogus: 1\n", schema.ErrCodeValidation},
		{"unknown entry", "flow:\n  args:\n    entry: [zz]\n  node:\n    a:\n      with: 1\n", schema.ErrCodeValidation},
		{"each binders", "flow:\n  node:\n    a:\n      each: 'xs =>'\n      node:\n        b:\n          with: 1\n", schema.ErrCodeValidation},
		{"each without body", "flow:\n  node:\n    a:\n      each: 'xs => x'\n", schema.ErrCodeValidation},
		{"two tools", "flow:\n  node:\n    a:\n      exec: a://x\n      agent: b://y\n", schema.ErrCodeValidation},
		{"dangling when", "flow:\n  node:\n    a:\n      when: 'true'\n", schema.ErrCodeValidation},
		{"unknown target", "flow:\n  node:\n    a:\n      with: 1\n      next: nowhere\n", schema.ErrCodeGraphValidation},
		{"bad expression", "flow:\n  node:\n    a:\n      with: '1 +'\n", schema.ErrCodeParse},
		{"no adapter", "flow:\n  node:\n    a:\n      exec: api://x\n", schema.ErrCodeToolUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Load([]byte(tc.text))
			require.Error(t, err)
			assert.Equal(t, tc.code, schema.CodeOf(err), err.Error())
		})
	}
}

func TestLoadFile_IDFromFileName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly-report.yml")
	require.NoError(t, os.WriteFile(path, []byte("flow:\n  node:\n    m:\n      with: 1\n"), 0o644))

	def, err := newLoader(t, nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", def.ID)

	_, err = newLoader(t, nil).LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestLoadedFlowRuns(t *testing.T) {
	engines, err := rules.DefaultSet(gml.NewEngine(nil))
	require.NoError(t, err)
	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterScheme("api", tools.AdapterFunc(func(_ context.Context, req tools.Request) (any, error) {
		args := req.Args.(map[string]any)
		assert.Equal(t, "c-1", args["customer"])
		assert.EqualValues(t, 2, args["limit"])
		return map[string]any{"items": []any{
			map[string]any{"amount": int64(10)},
			map[string]any{"amount": int64(20)},
		}}, nil
	})))
	v, err := validation.NewFlowValidator(reg, engines)
	require.NoError(t, err)

	src, err := os.ReadFile("testdata/orders.yaml")
	require.NoError(t, err)
	def, err := New(v, nil).Load(src)
	require.NoError(t, err)

	inputs, err := v.PrepareInputs(def, map[string]any{"customer": "c-1"})
	require.NoError(t, err)

	exec := engine.NewExecutor(reg, engine.Config{}, engine.WithRules(engines))
	res, err := exec.Run(context.Background(), def, inputs, engine.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, res.Status, "%+v", res.Error)
	assert.Equal(t, "settled", res.Outputs["label"])
	assert.InDelta(t, 33.0, res.Outputs["total"], 1e-9)
	assert.Equal(t, schema.NodeSkipped, res.Nodes["empty"].State)
}

func TestLoadedEachVarsAccumulate(t *testing.T) {
	src := []byte(`flow:
  args:
    out:
      - name: total
        type: number
  node:
    sum:
      each: "[1, 2, 3] => item"
      vars: "total = 0"
      node:
        add:
          sets: "total = total + item"
`)
	def, err := newLoader(t, nil).Load(src)
	require.NoError(t, err)
	require.Equal(t, "total = 0", def.Node("sum").Each.Vars)

	engines, err := rules.DefaultSet(gml.NewEngine(nil))
	require.NoError(t, err)
	exec := engine.NewExecutor(tools.NewRegistry(), engine.Config{}, engine.WithRules(engines))
	res, err := exec.Run(context.Background(), def, nil, engine.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, res.Status, "%+v", res.Error)
	assert.Equal(t, int64(6), res.Outputs["total"])
}
