package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/pkg/schema"
)

// --- Mock implementations ---

type toolFunc func(ctx context.Context, req tools.Request) (any, error)

// mockTools dispatches calls by URI and counts them.
type mockTools struct {
	mu       sync.Mutex
	handlers map[string]toolFunc
	calls    map[string]int
}

func newMockTools() *mockTools {
	return &mockTools{handlers: make(map[string]toolFunc), calls: make(map[string]int)}
}

func (m *mockTools) on(uri string, fn toolFunc) *mockTools {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[uri] = fn
	return m
}

func (m *mockTools) Invoke(ctx context.Context, req tools.Request) (any, error) {
	m.mu.Lock()
	m.calls[req.URI]++
	fn := m.handlers[req.URI]
	m.mu.Unlock()
	if fn == nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no handler for %s", req.URI)
	}
	return fn(ctx, req)
}

func (m *mockTools) count(uri string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[uri]
}

// echo returns the evaluated args.
func echo(_ context.Context, req tools.Request) (any, error) { return req.Args, nil }

// block waits for the attempt to be cancelled.
func block(ctx context.Context, _ tools.Request) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// mockSink records emitted events.
type mockSink struct {
	mu     sync.Mutex
	events []schema.ExecutionEvent
}

func (s *mockSink) Emit(_ context.Context, ev schema.ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *mockSink) Events() []schema.ExecutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.ExecutionEvent(nil), s.events...)
}

func (s *mockSink) kinds(nodeID string) []schema.EventKind {
	var out []schema.EventKind
	for _, ev := range s.Events() {
		if ev.NodeID == nodeID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (s *mockSink) count(nodeID string, kind schema.EventKind) int {
	n := 0
	for _, k := range s.kinds(nodeID) {
		if k == kind {
			n++
		}
	}
	return n
}

// --- Flow builders ---

func start(id string) *schema.Node { return &schema.Node{ID: id, Kind: schema.NodeStart} }

func mapping(id, with string) *schema.Node {
	return &schema.Node{ID: id, Kind: schema.NodeMapping, With: with}
}

func execNode(id, uri, args string) *schema.Node {
	return &schema.Node{ID: id, Kind: schema.NodeExec, Tool: &schema.ToolSpec{URI: uri}, Args: args}
}

func condNode(id, when string) *schema.Node {
	return &schema.Node{ID: id, Kind: schema.NodeCondition, Condition: &schema.ConditionSpec{When: when}}
}

func switchNode(id string, cases ...string) *schema.Node {
	spec := &schema.SwitchSpec{}
	for _, c := range cases {
		spec.Cases = append(spec.Cases, schema.SwitchCase{When: c})
	}
	return &schema.Node{ID: id, Kind: schema.NodeSwitch, Switch: spec}
}

func next(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Kind: schema.EdgeNext}
}

func edge(src, dst string, kind schema.EdgeKind) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Kind: kind}
}

func caseEdge(src, dst string, i int) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Kind: schema.EdgeCase, Case: i}
}

func newFlow(nodes []*schema.Node, edges ...schema.Edge) *schema.FlowDefinition {
	return &schema.FlowDefinition{ID: "flow-test", Version: "1", Nodes: nodes, Edges: edges}
}

type testEnv struct {
	tools *mockTools
	sink  *mockSink
	exec  Executor
}

func newTestEnv(cfg Config, opts ...Option) *testEnv {
	env := &testEnv{tools: newMockTools(), sink: &mockSink{}}
	opts = append([]Option{WithEventSink(env.sink)}, opts...)
	env.exec = NewExecutor(env.tools, cfg, opts...)
	return env
}

func (env *testEnv) run(t *testing.T, def *schema.FlowDefinition, inputs map[string]any) *ExecutionResult {
	t.Helper()
	res, err := env.exec.Run(context.Background(), def, inputs, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func nodeState(t *testing.T, res *ExecutionResult, id string) schema.NodeState {
	t.Helper()
	n, ok := res.Nodes[id]
	require.True(t, ok, "missing node result %s", id)
	return n.State
}

// --- Run ---

func TestExecutor_Run_Linear(t *testing.T) {
	env := newTestEnv(Config{})
	env.tools.on("test://double", echo)

	def := newFlow(
		[]*schema.Node{
			start("s"),
			execNode("double", "test://double", "{n = x * 2}"),
			mapping("out", "double.n + 1"),
		},
		next("s", "double"), next("double", "out"),
	)
	res := env.run(t, def, map[string]any{"x": 3})

	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Nil(t, res.Error)
	assert.Equal(t, map[string]any{"x": int64(3)}, res.Outputs["s"])
	assert.Equal(t, map[string]any{"n": int64(6)}, res.Outputs["double"])
	assert.Equal(t, int64(7), res.Outputs["out"])
	assert.Equal(t, 1, env.tools.count("test://double"))
	assert.Equal(t, 1, res.Nodes["double"].Attempts)
	assert.NotEmpty(t, res.ExecutionID)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestExecutor_Run_Events(t *testing.T) {
	env := newTestEnv(Config{})
	def := newFlow([]*schema.Node{start("s"), mapping("m", "1")}, next("s", "m"))
	res := env.run(t, def, nil)
	require.Equal(t, schema.ExecutionCompleted, res.Status)

	events := env.sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Kind)
	assert.Equal(t, schema.EventExecutionCompleted, events[len(events)-1].Kind)
	assert.Equal(t, []schema.EventKind{schema.EventNodeStarted, schema.EventNodeCompleted}, env.sink.kinds("m"))
	for _, ev := range events {
		assert.Equal(t, res.ExecutionID, ev.ExecutionID)
		assert.NotEmpty(t, ev.ID)
	}
}

func TestExecutor_Run_ConditionBranches(t *testing.T) {
	def := newFlow(
		[]*schema.Node{
			start("s"),
			condNode("check", "x > 5"),
			mapping("hi", "'hi'"),
			mapping("lo", "'lo'"),
			mapping("join", "'done'"),
		},
		next("s", "check"),
		edge("check", "hi", schema.EdgeThen),
		edge("check", "lo", schema.EdgeElse),
		next("hi", "join"), next("lo", "join"),
	)

	env := newTestEnv(Config{})
	res := env.run(t, def, map[string]any{"x": 10})
	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "hi"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "lo"))
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "join"))
	assert.Equal(t, "then", res.Nodes["check"].Branch)
	assert.Equal(t, true, res.Outputs["check"])

	res = env.run(t, def, map[string]any{"x": 1})
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "hi"))
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "lo"))
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "join"))
	assert.Equal(t, "else", res.Nodes["check"].Branch)
}

func TestExecutor_Run_SwitchFiresExactlyOne(t *testing.T) {
	def := newFlow(
		[]*schema.Node{
			start("s"),
			switchNode("sw", "x > 0", "x > 1"),
			mapping("a", "'a'"),
			mapping("b", "'b'"),
			mapping("c", "'c'"),
		},
		next("s", "sw"),
		caseEdge("sw", "a", 0),
		caseEdge("sw", "b", 1),
		edge("sw", "c", schema.EdgeElse),
	)

	env := newTestEnv(Config{})
	res := env.run(t, def, map[string]any{"x": 5})
	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "a"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "b"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "c"))
	assert.Equal(t, "case(0)", res.Nodes["sw"].Branch)
	assert.Equal(t, int64(0), res.Outputs["sw"])

	res = env.run(t, def, map[string]any{"x": -1})
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "a"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "b"))
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "c"))
	assert.Nil(t, res.Outputs["sw"])
}

func TestExecutor_Run_OnlyFalseSkipsWithoutInvoking(t *testing.T) {
	env := newTestEnv(Config{})
	env.tools.on("test://side-effect", echo)

	guarded := execNode("t", "test://side-effect", "x")
	guarded.Only = "x > 100"
	def := newFlow(
		[]*schema.Node{start("s"), guarded, mapping("after", "'after'")},
		next("s", "t"), next("t", "after"),
	)
	res := env.run(t, def, map[string]any{"x": 1})

	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 0, env.tools.count("test://side-effect"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "t"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "after"))
	assert.Equal(t, 1, env.sink.count("t", schema.EventNodeSkipped))
	assert.Zero(t, env.sink.count("t", schema.EventNodeStarted))
}

func TestExecutor_Run_Convergence(t *testing.T) {
	// join waits for both parallel branches; one of them is skipped.
	skipped := mapping("b", "'b'")
	skipped.Only = "false"
	def := newFlow(
		[]*schema.Node{start("s"), mapping("a", "'a'"), skipped, mapping("join", "a")},
		next("s", "a"), next("s", "b"), next("a", "join"), next("b", "join"),
	)
	env := newTestEnv(Config{})
	res := env.run(t, def, nil)

	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "b"))
	assert.Equal(t, "a", res.Outputs["join"])
	assert.Equal(t, 1, env.sink.count("join", schema.EventNodeCompleted))
}

func TestExecutor_Run_ParallelismLimit(t *testing.T) {
	env := newTestEnv(Config{MaxParallelism: 1})
	var mu sync.Mutex
	current, peak := 0, 0
	env.tools.on("test://work", func(ctx context.Context, req tools.Request) (any, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		_ = WaitForBackoff(ctx, 5*time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return req.NodeID, nil
	})

	def := newFlow(
		[]*schema.Node{
			start("s"),
			execNode("a", "test://work", ""),
			execNode("b", "test://work", ""),
			execNode("c", "test://work", ""),
		},
		next("s", "a"), next("s", "b"), next("s", "c"),
	)
	res := env.run(t, def, nil)

	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 3, env.tools.count("test://work"))
	assert.Equal(t, 1, peak)
}

func TestExecutor_Run_FlowVarsSetsAndOutputs(t *testing.T) {
	add := mapping("add", "")
	add.Sets = "total = total + 5"
	double := mapping("double", "")
	double.Sets = "total = total * 2"

	def := newFlow([]*schema.Node{start("s"), add, double}, next("s", "add"), next("add", "double"))
	def.Vars = "total = 0"
	def.Outputs = []schema.ParamDef{{Name: "total"}, {Name: "missing", Default: "d"}}

	env := newTestEnv(Config{})
	res := env.run(t, def, nil)

	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, map[string]any{"total": int64(10), "missing": "d"}, res.Outputs)
}

func TestExecutor_Run_SetsMustYieldObject(t *testing.T) {
	bad := mapping("bad", "")
	bad.Sets = "1 + 1"
	env := newTestEnv(Config{})
	res := env.run(t, newFlow([]*schema.Node{start("s"), bad}, next("s", "bad")), nil)

	require.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, schema.ErrCodeEval, res.Error.Code)
	assert.Equal(t, "bad", res.FailedNode)
}

func TestExecutor_Run_SystemVariables(t *testing.T) {
	env := newTestEnv(Config{Tenant: "acme"})
	def := newFlow([]*schema.Node{start("s"), mapping("who", "[$flow_id, $tenant_id, $user_id]")}, next("s", "who"))

	res, err := env.exec.Run(context.Background(), def, nil, RunOptions{ExecutionID: "exec-1", UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", res.ExecutionID)
	assert.Equal(t, []any{"flow-test", "acme", "u-1"}, res.Outputs["who"])
}

func TestExecutor_Run_Delay(t *testing.T) {
	env := newTestEnv(Config{})
	wait := &schema.Node{ID: "wait", Kind: schema.NodeDelay, Delay: &schema.DelaySpec{Wait: "10"}}
	computed := &schema.Node{ID: "computed", Kind: schema.NodeDelay, Delay: &schema.DelaySpec{Wait: "ms * 2"}}
	def := newFlow([]*schema.Node{start("s"), wait, computed}, next("s", "wait"), next("wait", "computed"))

	res := env.run(t, def, map[string]any{"ms": 3})
	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, int64(10), res.Outputs["wait"])
	assert.Equal(t, int64(6), res.Outputs["computed"])
}

func TestExecutor_Run_GuardRule(t *testing.T) {
	guard := &schema.Node{ID: "g", Kind: schema.NodeGuard, Guard: &schema.GuardSpec{Rule: "amount < 100"}, Fail: "reject"}
	def := newFlow(
		[]*schema.Node{start("s"), guard, mapping("approve", "'ok'"), mapping("reject", "'no'")},
		next("s", "g"), next("g", "approve"),
	)
	env := newTestEnv(Config{})

	res := env.run(t, def, map[string]any{"amount": 50})
	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, map[string]any{"passed": true, "result": true}, res.Outputs["g"])
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "approve"))
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "reject"))

	res = env.run(t, def, map[string]any{"amount": 500})
	require.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, schema.NodeFailed, nodeState(t, res, "g"))
	assert.Equal(t, "guard_blocked", res.Nodes["g"].Error.Details["kind"])
	assert.Equal(t, schema.NodeSkipped, nodeState(t, res, "approve"))
	assert.Equal(t, schema.NodeCompleted, nodeState(t, res, "reject"))
}

func TestExecutor_Run_GuardWarnAndTool(t *testing.T) {
	env := newTestEnv(Config{})
	env.tools.on("guard://policy", func(_ context.Context, _ tools.Request) (any, error) {
		return map[string]any{"passed": false, "reason": "limit"}, nil
	})
	warn := &schema.Node{ID: "warn", Kind: schema.NodeGuard, Guard: &schema.GuardSpec{Engine: "gml", Rule: "false", Action: "warn"}}
	remote := &schema.Node{ID: "remote", Kind: schema.NodeGuard, Tool: &schema.ToolSpec{URI: "guard://policy"}}
	def := newFlow([]*schema.Node{start("s"), warn, remote}, next("s", "warn"), next("warn", "remote"))

	res := env.run(t, def, nil)
	require.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, map[string]any{"passed": false, "result": false, "action": "warn"}, res.Outputs["warn"])
	assert.Equal(t, "remote", res.FailedNode)
	assert.Equal(t, schema.ErrCodeNodeExecution, res.Error.Code)
	assert.Equal(t, 1, env.tools.count("guard://policy"))
}

func TestExecutor_Run_DefinitionErrors(t *testing.T) {
	env := newTestEnv(Config{})

	cyclic := newFlow([]*schema.Node{start("s"), mapping("a", ""), mapping("b", "")},
		next("s", "a"), next("a", "b"), next("b", "a"))
	res, err := env.exec.Run(context.Background(), cyclic, nil, RunOptions{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.CodeOf(err))

	badVars := newFlow([]*schema.Node{start("s")})
	badVars.Vars = "1 + 1"
	_, err = env.exec.Run(context.Background(), badVars, nil, RunOptions{})
	assert.Equal(t, schema.ErrCodeEval, schema.CodeOf(err))

	badTimeout := newFlow([]*schema.Node{start("s")})
	badTimeout.Timeout = "soon"
	_, err = env.exec.Run(context.Background(), badTimeout, nil, RunOptions{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = env.exec.Run(context.Background(), nil, nil, RunOptions{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExecutor_StatusAndCancel_Unknown(t *testing.T) {
	env := newTestEnv(Config{})
	_, err := env.exec.Status(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	err = env.exec.Cancel(context.Background(), "nope", "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
