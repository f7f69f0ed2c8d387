package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/execctx"
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

type edgeState uint8

const (
	edgeUnresolved edgeState = iota
	edgeFired
	edgeDead
)

type readiness uint8

const (
	readyWait readiness = iota
	readyGo
	readySkip
)

// nodeRecord is the scheduler's view of one node instance.
type nodeRecord struct {
	State       schema.NodeState
	Attempts    int
	Output      any
	Branch      string
	Err         *schema.FlowError
	Routed      bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// outcome is what a node task reports back to its walker.
type outcome struct {
	node     *schema.Node
	state    schema.NodeState // FSM state when the task returned
	skipped  bool
	output   any
	branch   string
	sets     map[string]any
	attempts int
	started  time.Time
	err      error
}

// walker runs one graph (the flow or an Each/Loop body) to completion inside
// one scope. All edge bookkeeping and every context commit happen on the
// walker's own goroutine; node work runs on the execution's pool.
type walker struct {
	e     *executorImpl
	x     *execution
	g     *graph.Graph
	scope execctx.ScopeID
	top   bool

	mu      sync.Mutex // guards records
	records map[string]*nodeRecord

	edges    map[schema.Edge]edgeState
	outcomes chan outcome
	inflight int
}

func newWalker(e *executorImpl, x *execution, g *graph.Graph, scope execctx.ScopeID, top bool) *walker {
	w := &walker{
		e:        e,
		x:        x,
		g:        g,
		scope:    scope,
		top:      top,
		records:  make(map[string]*nodeRecord, len(g.Order)),
		edges:    make(map[schema.Edge]edgeState),
		outcomes: make(chan outcome, len(g.Order)),
	}
	for _, id := range g.Order {
		w.records[id] = &nodeRecord{State: schema.NodePending}
	}
	return w
}

// preload marks nodes finished in an earlier run and re-resolves their
// outgoing edges, so readiness is re-derived exactly as a live run would.
func (w *walker) preload(snap *schema.Snapshot) {
	for id, c := range snap.Completed {
		if rec, ok := w.records[id]; ok {
			rec.State, rec.Output, rec.Branch = schema.NodeCompleted, c.Output, c.Branch
			w.resolveCompleted(id, c.Branch)
		}
	}
	for _, id := range snap.Skipped {
		if rec, ok := w.records[id]; ok {
			rec.State = schema.NodeSkipped
			w.resolveEdges(id, func(schema.Edge) bool { return false })
		}
	}
	for id, f := range snap.Failed {
		rec, ok := w.records[id]
		if !ok || !f.Routed {
			continue
		}
		rec.State, rec.Routed = schema.NodeFailed, true
		rec.Err = schema.NewError(f.Code, f.Error).WithNode(id)
		w.resolveRouted(id)
	}
}

// run drives the graph until every node is terminal, an unhandled failure
// occurs, or ctx ends. On failure or cancellation in-flight nodes are
// cancelled and their results discarded.
func (w *walker) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var failure error
	for {
		if failure == nil && ctx.Err() == nil {
			if err := w.advance(ctx); err != nil {
				failure = err
				cancel()
			}
		}
		if w.inflight == 0 {
			break
		}
		o := <-w.outcomes
		w.inflight--
		if failure != nil || ctx.Err() != nil {
			continue
		}
		if err := w.settle(ctx, o); err != nil {
			failure = err
			cancel()
		}
	}
	if failure != nil {
		return failure
	}
	return stopError(ctx)
}

// advance decides every pending node whose incoming edges allow it,
// dispatching ready nodes and propagating skips until nothing changes.
func (w *walker) advance(ctx context.Context) error {
	for changed := true; changed; {
		changed = false
		for _, id := range w.g.Order {
			if w.state(id) != schema.NodePending {
				continue
			}
			switch w.readiness(id) {
			case readyWait:
				continue
			case readySkip:
				if err := w.skip(ctx, id, schema.NodePending, "predecessors not taken"); err != nil {
					return err
				}
			case readyGo:
				if err := w.dispatch(ctx, id); err != nil {
					return err
				}
			}
			changed = true
		}
	}
	return nil
}

// readiness applies the convergence rule: a node fed only by conditional
// edges goes on the first fired edge; any other node waits for every
// incoming edge and goes if at least one fired. All edges dead means skip.
func (w *walker) readiness(id string) readiness {
	in := w.g.Incoming[id]
	if len(in) == 0 {
		return readyGo
	}
	fired, unresolved := 0, 0
	for _, e := range in {
		switch w.edges[e] {
		case edgeFired:
			fired++
		case edgeUnresolved:
			unresolved++
		}
	}
	switch {
	case fired > 0 && w.g.FirstFire(id):
		return readyGo
	case unresolved > 0:
		return readyWait
	case fired > 0:
		return readyGo
	default:
		return readySkip
	}
}

// readySet lists the pending nodes that would be dispatched next.
func (w *walker) readySet() []string {
	var ids []string
	for _, id := range w.g.Order {
		if w.state(id) == schema.NodePending && w.readiness(id) == readyGo {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *walker) dispatch(ctx context.Context, id string) error {
	node := w.g.Node(id)
	if err := w.e.nodeFSM.Transition(ctx, w.ref(id, 0), schema.NodePending, schema.NodeReady, nil); err != nil {
		return err
	}
	w.setState(id, schema.NodeReady)
	logging.LogWith(ctx, w.e.logger).Debug("node dispatched", slog.String("node_id", id), slog.String("kind", string(node.Kind)))

	w.inflight++
	task := func(ctx context.Context) error {
		o := w.execute(ctx, node)
		w.outcomes <- o
		return o.err
	}

	// Composite nodes only coordinate their bodies; holding a pool slot
	// while their body nodes wait for one could starve the pool.
	if node.Kind == schema.NodeEach || node.Kind == schema.NodeLoop {
		go task(ctx)
		return nil
	}
	if err := w.x.pool.Submit(ctx, task); err != nil {
		w.inflight--
		if ctx.Err() != nil {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCancelled, "dispatch %s: %s", id, err.Error()).WithNode(id).WithCause(err)
	}
	return nil
}

// settle applies a finished task: commit, state transition, edge
// resolution and checkpoint.
func (w *walker) settle(ctx context.Context, o outcome) error {
	node := o.node
	if o.skipped {
		return w.skip(ctx, node.ID, o.state, "only")
	}
	if o.err == nil {
		w.x.cpMu.Lock()
		w.mu.Lock()
		err := w.x.vars.Commit(w.scope, node.ID, o.output, o.sets)
		if err == nil {
			rec := w.records[node.ID]
			rec.State, rec.Output, rec.Branch = schema.NodeCompleted, o.output, o.branch
			rec.Attempts, rec.StartedAt, rec.CompletedAt = o.attempts, o.started, time.Now().UTC()
		}
		w.mu.Unlock()
		w.x.cpMu.Unlock()
		if err != nil {
			o.err = err
			return w.fail(ctx, o)
		}
		if err := w.e.nodeFSM.Transition(ctx, w.ref(node.ID, o.attempts), o.state, schema.NodeCompleted, o.output); err != nil {
			return err
		}
		w.resolveCompleted(node.ID, o.branch)
		return w.checkpoint(ctx, node.ID)
	}
	return w.fail(ctx, o)
}

// fail routes a node failure according to its own policy.
func (w *walker) fail(ctx context.Context, o outcome) error {
	node := o.node
	d := ResolveFailure(node, o.err)
	logger := logging.LogWith(logging.WithNodeID(ctx, node.ID), w.e.logger)
	ref := w.ref(node.ID, o.attempts)

	switch d.Strategy {
	case FailureRoute:
		logger.Warn("node failed, routing to fail target", slog.String("target", d.Target), slog.String("error", d.Err.Error()))
		w.finish(node.ID, o, schema.NodeFailed, d.Err, true)
		if err := w.e.nodeFSM.Transition(ctx, ref, o.state, schema.NodeFailed, errorPayload(d.Err, d.Strategy)); err != nil {
			return err
		}
		w.resolveRouted(node.ID)
		return w.checkpoint(ctx, node.ID)

	case FailureContinue:
		logger.Warn("node failed, continuing", slog.String("error", d.Err.Error()))
		w.x.cpMu.Lock()
		w.mu.Lock()
		err := w.x.vars.Commit(w.scope, node.ID, nil, nil)
		w.mu.Unlock()
		w.x.cpMu.Unlock()
		if err != nil {
			return err
		}
		w.finish(node.ID, o, schema.NodeCompleted, d.Err, false)
		w.e.sink.Emit(ctx, newEvent(w.x.id, w.x.def.ID, node.ID, schema.EventNodeError, o.attempts, errorPayload(d.Err, d.Strategy)))
		if err := w.e.nodeFSM.Transition(ctx, ref, o.state, schema.NodeCompleted, nil); err != nil {
			return err
		}
		w.resolveCompleted(node.ID, "")
		return w.checkpoint(ctx, node.ID)

	default:
		logger.Error("node failed", slog.String("code", d.Err.Code), slog.String("error", d.Err.Error()))
		w.finish(node.ID, o, schema.NodeFailed, d.Err, false)
		if err := w.e.nodeFSM.Transition(ctx, ref, o.state, schema.NodeFailed, errorPayload(d.Err, d.Strategy)); err != nil {
			return err
		}
		if err := w.checkpoint(ctx, node.ID); err != nil {
			logger.Error("checkpoint after failure", slog.String("error", err.Error()))
		}
		return d.Err
	}
}

func (w *walker) finish(id string, o outcome, state schema.NodeState, fe *schema.FlowError, routed bool) {
	w.x.cpMu.Lock()
	defer w.x.cpMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.records[id]
	rec.State, rec.Err, rec.Routed = state, fe, routed
	rec.Attempts, rec.StartedAt, rec.CompletedAt = o.attempts, o.started, time.Now().UTC()
}

func (w *walker) skip(ctx context.Context, id string, from schema.NodeState, reason string) error {
	w.x.cpMu.Lock()
	w.setState(id, schema.NodeSkipped)
	w.x.cpMu.Unlock()
	if err := w.e.nodeFSM.Transition(ctx, w.ref(id, 0), from, schema.NodeSkipped, map[string]any{"reason": reason}); err != nil {
		return err
	}
	w.resolveEdges(id, func(schema.Edge) bool { return false })
	return w.checkpoint(ctx, id)
}

// resolveCompleted fires next edges and the conditional edges matching branch.
func (w *walker) resolveCompleted(id, branch string) {
	w.resolveEdges(id, func(e schema.Edge) bool {
		switch {
		case e.Kind == schema.EdgeNext:
			return true
		case e.Kind.IsConditional():
			return branch != "" && e.Label() == branch
		default:
			return false
		}
	})
}

// resolveRouted fires only the fail edge.
func (w *walker) resolveRouted(id string) {
	w.resolveEdges(id, func(e schema.Edge) bool { return e.Kind == schema.EdgeFail })
}

func (w *walker) resolveEdges(id string, fire func(schema.Edge) bool) {
	for _, e := range w.g.Outgoing[id] {
		if fire(e) {
			w.edges[e] = edgeFired
		} else {
			w.edges[e] = edgeDead
		}
	}
}

func (w *walker) checkpoint(ctx context.Context, id string) error {
	if !w.top {
		return nil
	}
	w.x.clearCursor(id)
	return w.x.checkpoint(ctx)
}

func (w *walker) state(id string) schema.NodeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records[id].State
}

func (w *walker) setState(id string, s schema.NodeState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[id].State = s
}

func (w *walker) ref(id string, attempt int) NodeRef {
	return NodeRef{ExecutionID: w.x.id, FlowID: w.x.def.ID, NodeID: id, Attempt: attempt}
}

// result is the iteration result of a body: the output of the last node in
// topological order that completed.
func (w *walker) result() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.g.Sorted) - 1; i >= 0; i-- {
		if rec := w.records[w.g.Sorted[i]]; rec.State == schema.NodeCompleted {
			return rec.Output
		}
	}
	return nil
}

// snapshotState copies the records into the snapshot sets.
func (w *walker) snapshotState(snap *schema.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.Completed = make(map[string]schema.CompletedNode)
	snap.Failed = make(map[string]schema.FailedNode)
	for _, id := range w.g.Order {
		rec := w.records[id]
		switch rec.State {
		case schema.NodeCompleted:
			snap.Completed[id] = schema.CompletedNode{Output: rec.Output, Branch: rec.Branch}
		case schema.NodeSkipped:
			snap.Skipped = append(snap.Skipped, id)
		case schema.NodeFailed:
			f := schema.FailedNode{Routed: rec.Routed}
			if rec.Err != nil {
				f.Code, f.Error = rec.Err.Code, rec.Err.Message
			}
			snap.Failed[id] = f
		default:
			snap.Pending = append(snap.Pending, id)
		}
	}
}

// nodeResults reports every node of the graph.
func (w *walker) nodeResults() map[string]*NodeResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*NodeResult, len(w.records))
	for id, rec := range w.records {
		r := &NodeResult{
			NodeID:   id,
			State:    rec.State,
			Output:   rec.Output,
			Branch:   rec.Branch,
			Attempts: rec.Attempts,
			Error:    rec.Err,
		}
		if !rec.StartedAt.IsZero() && !rec.CompletedAt.IsZero() {
			r.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
		}
		out[id] = r
	}
	return out
}

// states returns the current state of every node in declaration order.
func (w *walker) states() map[string]schema.NodeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]schema.NodeState, len(w.records))
	for id, rec := range w.records {
		out[id] = rec.State
	}
	return out
}

// failedNode returns the first node that failed without being routed.
func (w *walker) failedNode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for id, rec := range w.records {
		if rec.State == schema.NodeFailed && !rec.Routed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return w.g.Position(ids[i]) < w.g.Position(ids[j]) })
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// stopError converts the end of ctx into a FlowError: the cancellation
// cause when it is one, TIMEOUT_ERROR for a deadline, CANCELLED otherwise.
func stopError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	var fe *schema.FlowError
	if errors.As(cause, &fe) {
		return fe
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithCause(cause)
	}
	return schema.NewError(schema.ErrCodeCancelled, fmt.Sprintf("execution cancelled: %v", cause)).WithCause(cause)
}
