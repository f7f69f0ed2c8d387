package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/pkg/schema"
)

// performEach runs the body once per element of the source collection and
// returns the iteration results in element order. Vars are evaluated once
// into the enclosing scope so body sets can accumulate across iterations.
// Sequential iterations of a top-level node record a loop cursor so a
// resumed run continues after the last finished iteration.
func (w *walker) performEach(ctx context.Context, node *schema.Node, attempt int) (nodeResult, error) {
	spec := node.Each
	src, err := w.eval(node.ID, spec.Source, w.view())
	if err != nil {
		return nodeResult{}, err
	}
	var items []any
	switch v := src.(type) {
	case nil:
	case []any:
		items = v
	default:
		return nodeResult{}, schema.NewErrorf(schema.ErrCodeNodeExecution, "each source %q is not an array", spec.Source).
			WithNode(node.ID).
			WithDetails(map[string]any{"type": gml.TypeName(src)})
	}

	// A resumed run keeps the vars restored from the checkpoint.
	cur, resumed := w.resumeCursor(node, attempt, schema.NodeEach)
	if spec.Vars != "" && !resumed {
		if err := w.initEachVars(node); err != nil {
			return nodeResult{}, err
		}
	}

	body := w.g.Body(node.ID)
	results := make([]any, len(items))
	bind := func(i int) map[string]any {
		b := map[string]any{spec.Item: items[i]}
		if spec.Index != "" {
			b[spec.Index] = int64(i)
		}
		return b
	}

	if spec.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range items {
			g.Go(func() error {
				r, err := w.iterate(gctx, node, body, i, bind(i))
				if err != nil {
					return err
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nodeResult{}, err
		}
		return nodeResult{value: results}, nil
	}

	start := 0
	if resumed && cur.Iteration <= len(items) {
		start = cur.Iteration
		copy(results, cur.Results)
	}
	for i := start; i < len(items); i++ {
		r, err := w.iterate(ctx, node, body, i, bind(i))
		if err != nil {
			return nodeResult{}, err
		}
		results[i] = r
		if w.top {
			done := append([]any(nil), results[:i+1]...)
			if err := w.x.saveCursor(ctx, node.ID, schema.LoopCursor{Kind: schema.NodeEach, Iteration: i + 1, Results: done}); err != nil {
				return nodeResult{}, err
			}
		}
	}
	return nodeResult{value: results}, nil
}

// initEachVars writes the each node's vars object into the walker's scope.
func (w *walker) initEachVars(node *schema.Node) error {
	v, err := w.eval(node.ID, node.Each.Vars, w.view())
	if err != nil {
		return err
	}
	m, ok := v.(map[string]any)
	if v != nil && !ok {
		return schema.NewErrorf(schema.ErrCodeEval, "each vars must yield an object, got %s", gml.TypeName(v)).
			WithNode(node.ID).
			WithDetails(map[string]any{"kind": "type_mismatch"})
	}
	return w.x.vars.ApplySets(w.scope, m)
}

// performLoop evaluates vars once into a loop scope, then runs the body
// while when holds. The output is the loop scope (through with, if set).
func (w *walker) performLoop(ctx context.Context, node *schema.Node, attempt int) (nodeResult, error) {
	spec := node.Loop
	limit := spec.MaxIterations
	if limit <= 0 {
		limit = w.e.cfg.MaxLoopIterations
	}

	var init map[string]any
	iteration := 0
	if cur, ok := w.resumeCursor(node, attempt, schema.NodeLoop); ok {
		init, iteration = cur.Scope, cur.Iteration
	} else if spec.Vars != "" {
		v, err := w.eval(node.ID, spec.Vars, w.view())
		if err != nil {
			return nodeResult{}, err
		}
		m, ok := v.(map[string]any)
		if v != nil && !ok {
			return nodeResult{}, schema.NewErrorf(schema.ErrCodeEval, "loop vars must yield an object, got %s", gml.TypeName(v)).
				WithNode(node.ID).
				WithDetails(map[string]any{"kind": "type_mismatch"})
		}
		init = m
	}

	scope, err := w.x.vars.NewChild(w.scope, init)
	if err != nil {
		return nodeResult{}, err
	}
	defer w.x.vars.Release(scope)

	body := w.g.Body(node.ID)
	for {
		if err := ctx.Err(); err != nil {
			return nodeResult{}, stopError(ctx)
		}
		cont, err := w.eval(node.ID, spec.When, w.x.vars.View(scope))
		if err != nil {
			return nodeResult{}, err
		}
		if !gml.Truthy(cont) {
			break
		}
		if iteration >= limit {
			return nodeResult{}, schema.NewErrorf(schema.ErrCodeMaxIterations, "loop %s exceeded %d iterations", node.ID, limit).
				WithNode(node.ID).
				WithDetails(map[string]any{"max_iterations": limit})
		}

		iter, err := w.x.vars.NewChild(scope, nil)
		if err != nil {
			return nodeResult{}, err
		}
		sub := newWalker(w.e, w.x, body, iter, false)
		err = sub.run(ctx)
		w.x.vars.Release(iter)
		if err != nil {
			return nodeResult{}, iterationError(err, node.ID, iteration)
		}
		iteration++
		w.e.sink.Emit(ctx, newEvent(w.x.id, w.x.def.ID, node.ID, schema.EventIterationCompleted, attempt,
			map[string]any{"iteration": iteration}))

		if w.top {
			cur := schema.LoopCursor{Kind: schema.NodeLoop, Iteration: iteration, Scope: w.x.vars.Bindings(scope)}
			if err := w.x.saveCursor(ctx, node.ID, cur); err != nil {
				return nodeResult{}, err
			}
		}
	}

	state := w.x.vars.Bindings(scope)
	if node.With == "" {
		return nodeResult{value: state, final: true}, nil
	}
	vars := w.x.vars.View(scope)
	vars[node.ID] = state
	out, err := w.eval(node.ID, node.With, vars)
	if err != nil {
		return nodeResult{}, err
	}
	return nodeResult{value: out, final: true}, nil
}

// iterate runs one Each iteration in a fresh child scope.
func (w *walker) iterate(ctx context.Context, node *schema.Node, body *graph.Graph, i int, bindings map[string]any) (any, error) {
	scope, err := w.x.vars.NewChild(w.scope, bindings)
	if err != nil {
		return nil, err
	}
	defer w.x.vars.Release(scope)

	sub := newWalker(w.e, w.x, body, scope, false)
	if err := sub.run(ctx); err != nil {
		return nil, iterationError(err, node.ID, i)
	}
	r := sub.result()
	w.e.sink.Emit(ctx, newEvent(w.x.id, w.x.def.ID, node.ID, schema.EventIterationCompleted, 0,
		map[string]any{"iteration": i, "result": r}))
	return r, nil
}

// resumeCursor returns the cursor a resumed top-level node continues from.
// Retries start over.
func (w *walker) resumeCursor(node *schema.Node, attempt int, kind schema.NodeKind) (schema.LoopCursor, bool) {
	if !w.top || attempt > 1 {
		return schema.LoopCursor{}, false
	}
	cur, ok := w.x.cursor(node.ID)
	if !ok || cur.Kind != kind {
		return schema.LoopCursor{}, false
	}
	return cur, true
}

func iterationError(err error, nodeID string, iteration int) error {
	fe := schema.AsFlowError(err, schema.ErrCodeNodeExecution)
	if fe.Code == schema.ErrCodeCancelled {
		return fe
	}
	wrapped := schema.NewErrorf(fe.Code, "%s iteration %d: %s", nodeID, iteration, fe.Message).
		WithNode(nodeID).
		WithCause(fe).
		WithDetails(map[string]any{"iteration": iteration})
	if fe.NodeID != "" && fe.NodeID != nodeID {
		wrapped.WithDetails(map[string]any{"body_node": fe.NodeID})
	}
	return wrapped
}
