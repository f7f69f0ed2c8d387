package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/execctx"
	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/pkg/schema"
)

// nodeResult is what a kind handler produces. When final is set, value is
// already the node output and with is not applied again.
type nodeResult struct {
	value  any
	branch string
	final  bool
}

// execute runs a dispatched node: the only guard, then attempts under the
// retry policy. It never touches the walker's records or edges.
func (w *walker) execute(ctx context.Context, node *schema.Node) (o outcome) {
	o = outcome{node: node, state: schema.NodeReady, started: time.Now().UTC()}
	ctx = logging.WithNodeID(ctx, node.ID)
	defer func() {
		if r := recover(); r != nil {
			o.err = schema.NewErrorf(schema.ErrCodeNodeExecution, "panic: %v", r).WithNode(node.ID)
		}
	}()

	if node.Only != "" {
		v, err := w.eval(node.ID, node.Only, w.view())
		if err == nil && !gml.Truthy(v) {
			o.skipped = true
			return o
		}
		if err != nil {
			if terr := w.e.nodeFSM.Transition(ctx, w.ref(node.ID, 1), o.state, schema.NodeRunning, nil); terr != nil {
				o.err = terr
				return o
			}
			w.setState(node.ID, schema.NodeRunning)
			o.state, o.attempts, o.err = schema.NodeRunning, 1, err
			return o
		}
	}

	attempts := maxAttempts(node.Retry)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ref := w.ref(node.ID, attempt)
		if err := w.e.nodeFSM.Transition(ctx, ref, o.state, schema.NodeRunning, map[string]any{"attempt": attempt}); err != nil {
			o.err = err
			return o
		}
		w.setState(node.ID, schema.NodeRunning)
		o.state, o.attempts = schema.NodeRunning, attempt

		res, err := w.attempt(ctx, node, attempt)
		if err == nil {
			o.output, o.branch, o.sets = res.output, res.branch, res.sets
			return o
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts || !IsRetryableError(err) {
			break
		}

		delay := ComputeBackoff(node.Retry, attempt-1)
		logging.LogWith(ctx, w.e.logger).Warn("node failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		payload := map[string]any{"error": err.Error(), "backoff_ms": delay.Milliseconds()}
		if terr := w.e.nodeFSM.Transition(ctx, ref, schema.NodeRunning, schema.NodePending, payload); terr != nil {
			o.err = terr
			return o
		}
		w.setState(node.ID, schema.NodePending)
		o.state = schema.NodePending
		if err := WaitForBackoff(ctx, delay); err != nil {
			o.err = stopError(ctx)
			return o
		}
		if terr := w.e.nodeFSM.Transition(ctx, ref, schema.NodePending, schema.NodeReady, nil); terr != nil {
			o.err = terr
			return o
		}
		w.setState(node.ID, schema.NodeReady)
		o.state = schema.NodeReady
	}

	if attempts > 1 && o.attempts == attempts && IsRetryableError(lastErr) {
		o.err = exhausted(node.ID, o.attempts, lastErr)
	} else {
		o.err = lastErr
	}
	return o
}

type attemptResult struct {
	output any
	branch string
	sets   map[string]any
}

// attempt performs one try of a node under its timeout, then evaluates
// with and sets. Nothing is committed here.
func (w *walker) attempt(ctx context.Context, node *schema.Node, attempt int) (attemptResult, error) {
	timeout := node.NodeTimeout()
	if timeout == 0 {
		timeout = w.e.cfg.DefaultNodeTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeoutCause(ctx, timeout,
			schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", node.ID, timeout).WithNode(node.ID))
		defer cancel()
	}

	actx, done := w.e.observer.ObserveNode(actx, w.x.def.ID, node, attempt)
	res, err := w.perform(actx, node, attempt, timeout)
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		err = stopError(actx)
	}
	done(err)
	if err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeNodeExecution).WithNode(node.ID)
	}

	output := res.value
	if !res.final && node.With != "" {
		vars := w.view()
		vars[node.ID] = res.value
		if output, err = w.eval(node.ID, node.With, vars); err != nil {
			return attemptResult{}, err
		}
	}

	var sets map[string]any
	if node.Sets != "" {
		vars := w.view()
		vars[node.ID] = output
		v, err := w.eval(node.ID, node.Sets, vars)
		if err != nil {
			return attemptResult{}, err
		}
		if v != nil {
			m, ok := v.(map[string]any)
			if !ok {
				return attemptResult{}, schema.NewErrorf(schema.ErrCodeEval, "sets must yield an object, got %s", gml.TypeName(v)).
					WithNode(node.ID).
					WithDetails(map[string]any{"kind": "type_mismatch"})
			}
			sets = m
		}
	}
	return attemptResult{output: output, branch: res.branch, sets: sets}, nil
}

// perform dispatches on the node kind.
func (w *walker) perform(ctx context.Context, node *schema.Node, attempt int, timeout time.Duration) (nodeResult, error) {
	switch node.Kind {
	case schema.NodeStart:
		return nodeResult{value: w.x.vars.Bindings(execctx.Root)}, nil
	case schema.NodeMapping:
		return nodeResult{}, nil
	case schema.NodeCondition:
		return w.performCondition(node)
	case schema.NodeSwitch:
		return w.performSwitch(node)
	case schema.NodeDelay:
		return w.performDelay(ctx, node)
	case schema.NodeGuard:
		return w.performGuard(ctx, node, attempt, timeout)
	case schema.NodeEach:
		return w.performEach(ctx, node, attempt)
	case schema.NodeLoop:
		return w.performLoop(ctx, node, attempt)
	case schema.NodeExec, schema.NodeAgent, schema.NodeApproval, schema.NodeMCP, schema.NodeHandoff:
		v, err := w.invoke(ctx, node, attempt, timeout)
		return nodeResult{value: v}, err
	default:
		return nodeResult{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind)
	}
}

func (w *walker) performCondition(node *schema.Node) (nodeResult, error) {
	v, err := w.eval(node.ID, node.Condition.When, w.view())
	if err != nil {
		return nodeResult{}, err
	}
	if gml.Truthy(v) {
		return nodeResult{value: true, branch: string(schema.EdgeThen)}, nil
	}
	return nodeResult{value: false, branch: string(schema.EdgeElse)}, nil
}

// performSwitch fires the first matching case in declaration order, else
// the default branch. The output is the matched case index, or nil.
func (w *walker) performSwitch(node *schema.Node) (nodeResult, error) {
	vars := w.view()
	for i, c := range node.Switch.Cases {
		v, err := w.eval(node.ID, c.When, vars)
		if err != nil {
			return nodeResult{}, err
		}
		if gml.Truthy(v) {
			return nodeResult{value: int64(i), branch: schema.Edge{Kind: schema.EdgeCase, Case: i}.Label()}, nil
		}
	}
	return nodeResult{branch: string(schema.EdgeElse)}, nil
}

// performDelay waits for a literal duration or one computed by an
// expression (milliseconds or a duration string).
func (w *walker) performDelay(ctx context.Context, node *schema.Node) (nodeResult, error) {
	d, err := schema.ParseDuration(node.Delay.Wait)
	if err != nil {
		v, eerr := w.eval(node.ID, node.Delay.Wait, w.view())
		if eerr != nil {
			return nodeResult{}, eerr
		}
		if d, err = toDuration(v); err != nil {
			return nodeResult{}, schema.NewErrorf(schema.ErrCodeEval, "delay wait: %s", err.Error()).
				WithNode(node.ID).
				WithDetails(map[string]any{"kind": "invalid_argument"})
		}
	}
	if err := WaitForBackoff(ctx, d); err != nil {
		return nodeResult{}, err
	}
	return nodeResult{value: d.Milliseconds()}, nil
}

func toDuration(v any) (time.Duration, error) {
	switch x := gml.Normalize(v).(type) {
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	case string:
		return schema.ParseDuration(x)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected milliseconds or a duration, got %s", gml.TypeName(v))
	}
}

// performGuard evaluates a local rule or asks the guard tool for a verdict.
// A blocked guard fails the node unless its action is warn.
func (w *walker) performGuard(ctx context.Context, node *schema.Node, attempt int, timeout time.Duration) (nodeResult, error) {
	var (
		result any
		err    error
	)
	if node.Guard != nil && node.Guard.Rule != "" {
		result, err = w.evalRule(ctx, node)
	} else {
		result, err = w.invoke(ctx, node, attempt, timeout)
	}
	if err != nil {
		return nodeResult{}, err
	}

	passed := gml.Truthy(result)
	if m, ok := result.(map[string]any); ok {
		if p, has := m["passed"]; has {
			passed = gml.Truthy(p)
		}
	}
	verdict := map[string]any{"passed": passed, "result": result}
	if passed {
		return nodeResult{value: verdict}, nil
	}
	if node.Guard != nil && node.Guard.Action == "warn" {
		verdict["action"] = "warn"
		logging.LogWith(ctx, w.e.logger).Warn("guard blocked, continuing with warning")
		return nodeResult{value: verdict}, nil
	}
	return nodeResult{}, schema.NewErrorf(schema.ErrCodeNodeExecution, "guard %s blocked execution", node.ID).
		WithNode(node.ID).
		WithDetails(map[string]any{"kind": "guard_blocked", "result": result})
}

func (w *walker) evalRule(ctx context.Context, node *schema.Node) (any, error) {
	name := node.Guard.Engine
	if name == "" {
		name = "gml"
	}
	if w.e.rules == nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no rule engines configured").WithNode(node.ID)
	}
	engine, err := w.e.rules.Get(name)
	if err != nil {
		return nil, err
	}
	return engine.Evaluate(ctx, node.Guard.Rule, w.view())
}

// invoke evaluates args and calls the tool adapter.
func (w *walker) invoke(ctx context.Context, node *schema.Node, attempt int, timeout time.Duration) (any, error) {
	if w.e.tools == nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no tool adapter configured").WithNode(node.ID)
	}
	args, err := w.eval(node.ID, node.Args, w.view())
	if err != nil {
		return nil, err
	}
	req := tools.Request{
		ExecutionID: w.x.id,
		FlowID:      w.x.def.ID,
		NodeID:      node.ID,
		Kind:        node.Kind,
		Args:        args,
		Attempt:     attempt,
		Timeout:     timeout,
	}
	if node.Tool != nil {
		req.URI = node.Tool.URI
	}
	out, err := w.e.tools.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return gml.DeepNormalize(out), nil
}

func (w *walker) view() map[string]any {
	return w.x.vars.View(w.scope)
}

// eval evaluates text through the shared parse cache of the flow.
func (w *walker) eval(nodeID, text string, vars map[string]any) (any, error) {
	v, err := w.e.gml.Eval(w.x.def.ID, w.x.def.Version, text, vars)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeEval).WithNode(nodeID)
	}
	return v, nil
}
