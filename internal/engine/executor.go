package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/execctx"
	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/snapshot"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/tools"
	"github.com/rendis/flowcore/pkg/schema"
)

// Executor runs flow definitions.
type Executor interface {
	// Run starts a new execution of def and blocks until it terminates.
	// Definition errors are returned before anything runs; node failures
	// are reported in the result.
	Run(ctx context.Context, def *schema.FlowDefinition, inputs map[string]any, opts RunOptions) (*ExecutionResult, error)

	// Resume continues an interrupted execution from its latest checkpoint.
	// Nodes that were running when it stopped are executed again.
	Resume(ctx context.Context, def *schema.FlowDefinition, executionID string) (*ExecutionResult, error)

	// Cancel stops a running execution. The last checkpoint is preserved.
	Cancel(ctx context.Context, executionID, reason string) error

	// Status returns the state of a running or recorded execution.
	Status(ctx context.Context, executionID string) (*ExecutionStatusView, error)
}

// RunOptions carries per-run settings.
type RunOptions struct {
	// ExecutionID is generated when empty.
	ExecutionID string
	TenantID    string
	UserID      string
}

// ExecutionResult is returned by Run and Resume with the execution outcome.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	FlowID      string                 `json:"flow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Nodes       map[string]*NodeResult `json:"nodes,omitempty"`
	FailedNode  string                 `json:"failed_node,omitempty"`
	Error       *schema.FlowError      `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// NodeResult summarizes the outcome of a single top-level node.
type NodeResult struct {
	NodeID     string            `json:"node_id"`
	State      schema.NodeState  `json:"state"`
	Output     any               `json:"output,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Error      *schema.FlowError `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// ExecutionStatusView is a point-in-time view of an execution.
type ExecutionStatusView struct {
	ExecutionID string                      `json:"execution_id"`
	FlowID      string                      `json:"flow_id"`
	Status      schema.ExecutionStatus      `json:"status"`
	Running     bool                        `json:"running"`
	Nodes       map[string]schema.NodeState `json:"nodes,omitempty"`
	Pool        *PoolMetrics                `json:"pool,omitempty"`
	FailedNode  string                      `json:"failed_node,omitempty"`
	StartedAt   *time.Time                  `json:"started_at,omitempty"`
}

// ToolInvoker performs tool calls; *tools.Registry satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, req tools.Request) (any, error)
}

// Checkpointer persists and restores snapshots; *snapshot.Manager satisfies it.
type Checkpointer interface {
	Checkpoint(ctx context.Context, snap *schema.Snapshot) error
	Restore(ctx context.Context, executionID string) (*schema.Snapshot, error)
	Forget(executionID string)
}

// ExecutionRecorder keeps execution records; store.Store satisfies it.
type ExecutionRecorder interface {
	CreateExecution(ctx context.Context, exec *store.Execution) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

// SnapshotLoader reads the latest snapshot without claiming its sequence.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, executionID string) (*schema.Snapshot, error)
}

// Option configures an executor.
type Option func(*executorImpl)

// WithRecorder records executions, typically in a store.Store.
func WithRecorder(r ExecutionRecorder) Option { return func(e *executorImpl) { e.recorder = r } }

// WithCheckpointer enables snapshots and Resume.
func WithCheckpointer(c Checkpointer) Option { return func(e *executorImpl) { e.checkpoints = c } }

// WithSnapshotLoader lets Status report node states of executions that are
// not running in this process.
func WithSnapshotLoader(l SnapshotLoader) Option { return func(e *executorImpl) { e.snapshots = l } }

// WithEventSink sets where execution events go.
func WithEventSink(s EventSink) Option { return func(e *executorImpl) { e.sink = s } }

// WithGML shares an expression engine, and with it its function registry
// and parse cache.
func WithGML(g *gml.Engine) Option { return func(e *executorImpl) { e.gml = g } }

// WithRules sets the rule engines used by guard nodes.
func WithRules(s *rules.Set) Option { return func(e *executorImpl) { e.rules = s } }

// WithObserver installs metrics and tracing callbacks.
func WithObserver(o Observer) Option { return func(e *executorImpl) { e.observer = o } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *executorImpl) { e.logger = l } }

type executorImpl struct {
	cfg         Config
	tools       ToolInvoker
	gml         *gml.Engine
	rules       *rules.Set
	recorder    ExecutionRecorder
	checkpoints Checkpointer
	snapshots   SnapshotLoader
	sink        EventSink
	observer    Observer
	logger      *slog.Logger
	execFSM     *ExecutionFSM
	nodeFSM     *NodeFSM

	// mu guards running.
	mu      sync.Mutex
	running map[string]*execution
}

// NewExecutor creates an Executor that delegates tool calls to invoker.
func NewExecutor(invoker ToolInvoker, cfg Config, opts ...Option) Executor {
	e := &executorImpl{
		cfg:     cfg.withDefaults(),
		tools:   invoker,
		running: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.gml == nil {
		e.gml = gml.NewEngine(nil)
	}
	if e.rules == nil {
		set, err := rules.DefaultSet(e.gml)
		if err != nil {
			e.logger.Warn("rule engines unavailable", slog.String("error", err.Error()))
		}
		e.rules = set
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	e.execFSM = NewExecutionFSM(e.sink)
	e.nodeFSM = NewNodeFSM(e.sink)
	return e
}

// execution is the in-memory state of one running flow.
type execution struct {
	id        string
	def       *schema.FlowDefinition
	vars      *execctx.Context
	pool      *WorkerPool
	top       *walker
	startedAt time.Time
	cancel    context.CancelCauseFunc
	e         *executorImpl

	// cpMu orders checkpoints and keeps commits atomic with respect to them.
	cpMu    sync.Mutex
	cursors map[string]schema.LoopCursor

	statusMu sync.Mutex
	status   schema.ExecutionStatus
}

func (e *executorImpl) newExecution(id string, def *schema.FlowDefinition, g *graph.Graph, vars *execctx.Context) *execution {
	x := &execution{
		id:        id,
		def:       def,
		vars:      vars,
		pool:      NewWorkerPool(e.cfg.parallelism(def.MaxParallelism)),
		startedAt: time.Now().UTC(),
		cursors:   make(map[string]schema.LoopCursor),
		status:    schema.ExecutionPending,
		e:         e,
	}
	x.pool.onActive = func(active int64) { e.observer.ObservePool(id, active) }
	x.top = newWalker(e, x, g, execctx.Global, true)
	return x
}

// Run starts a new execution.
func (e *executorImpl) Run(ctx context.Context, def *schema.FlowDefinition, inputs map[string]any, opts RunOptions) (*ExecutionResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}
	flowTimeout, err := def.FlowTimeout()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid flow timeout %q: %s", def.Timeout, err.Error())
	}

	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	e.mu.Lock()
	_, busy := e.running[id]
	e.mu.Unlock()
	if busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", id)
	}

	tenant, user := opts.TenantID, opts.UserID
	if tenant == "" {
		tenant = e.cfg.Tenant
	}
	if user == "" {
		user = e.cfg.User
	}
	inputs, _ = gml.DeepNormalize(inputs).(map[string]any)
	vars := execctx.New(inputs, map[string]any{
		execctx.VarFlowID:      def.ID,
		execctx.VarExecutionID: id,
		execctx.VarTenantID:    tenant,
		execctx.VarUserID:      user,
		execctx.VarTimestamp:   time.Now().UTC(),
	})
	if def.Vars != "" {
		v, err := e.gml.Eval(def.ID, def.Version, def.Vars, vars.View(execctx.Root))
		if err != nil {
			return nil, err
		}
		globals, ok := v.(map[string]any)
		if v != nil && !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEval, "flow vars must yield an object, got %s", gml.TypeName(v))
		}
		vars.SetGlobals(globals)
	}

	x := e.newExecution(id, def, g, vars)
	ctx = logging.WithIDs(ctx, def.ID, id)

	if e.recorder != nil {
		rec := &store.Execution{
			ID:          id,
			FlowID:      def.ID,
			FlowVersion: def.Version,
			Status:      schema.ExecutionPending,
			Inputs:      inputs,
			TenantID:    tenant,
			UserID:      user,
		}
		if raw, err := json.Marshal(def); err == nil {
			rec.Definition = raw
		}
		if err := e.recorder.CreateExecution(ctx, rec); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeStore)
		}
	}
	if err := e.start(ctx, x, schema.ExecutionPending, map[string]any{"inputs": inputs}); err != nil {
		return nil, err
	}
	return e.drive(ctx, x, flowTimeout), nil
}

// Resume continues an execution from its latest checkpoint.
func (e *executorImpl) Resume(ctx context.Context, def *schema.FlowDefinition, executionID string) (*ExecutionResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if e.checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume requires a snapshot store")
	}
	e.mu.Lock()
	_, busy := e.running[executionID]
	e.mu.Unlock()
	if busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", executionID)
	}

	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}
	snap, err := e.checkpoints.Restore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if snap.Status == schema.ExecutionCompleted || snap.Status == schema.ExecutionFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume execution in status %s", snap.Status)
	}
	if err := snapshot.Verify(snap, def, g.AllNodeIDs()); err != nil {
		return nil, err
	}

	flowTimeout, err := def.FlowTimeout()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid flow timeout %q: %s", def.Timeout, err.Error())
	}

	ctx = logging.WithIDs(ctx, def.ID, executionID)
	var startedAt *time.Time
	if e.recorder != nil {
		rec, err := e.recorder.GetExecution(ctx, executionID)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeStore)
		}
		if rec.Status == schema.ExecutionCompleted || rec.Status == schema.ExecutionFailed {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume execution in status %s", rec.Status)
		}
		startedAt = rec.StartedAt
		if flowTimeout > 0 && startedAt != nil {
			flowTimeout -= time.Since(*startedAt)
			if flowTimeout <= 0 {
				return nil, schema.NewError(schema.ErrCodeTimeout, "flow timeout already expired")
			}
		}
	}

	x := e.newExecution(executionID, def, g, execctx.Restore(snap.Context))
	if startedAt != nil {
		x.startedAt = *startedAt
	}
	x.top.preload(snap)
	for id, cur := range snap.LoopCursors {
		x.cursors[id] = cur
	}
	logging.LogWith(ctx, e.logger).Info("resuming execution",
		slog.Int64("seq", snap.Seq),
		slog.Int("completed", len(snap.Completed)),
		slog.Int("pending", len(snap.Pending)),
		slog.Any("ready", x.top.readySet()),
	)
	if err := e.start(ctx, x, schema.ExecutionPending, map[string]any{"resumed": true, "seq": snap.Seq}); err != nil {
		return nil, err
	}
	return e.drive(ctx, x, flowTimeout), nil
}

// start moves an execution to running and persists the transition.
func (e *executorImpl) start(ctx context.Context, x *execution, from schema.ExecutionStatus, payload any) error {
	if err := e.execFSM.Transition(ctx, x.id, x.def.ID, from, schema.ExecutionRunning, payload); err != nil {
		return err
	}
	x.setStatus(schema.ExecutionRunning)
	if e.recorder != nil {
		running := schema.ExecutionRunning
		if err := e.recorder.UpdateExecution(ctx, x.id, store.ExecutionUpdate{Status: &running, StartedAt: &x.startedAt}); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeStore)
		}
	}
	return nil
}

// drive runs the top-level graph and records the terminal status.
func (e *executorImpl) drive(ctx context.Context, x *execution, flowTimeout time.Duration) *ExecutionResult {
	logger := logging.LogWith(ctx, e.logger)
	runCtx, cancel := context.WithCancelCause(ctx)
	x.cancel = cancel
	if flowTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, flowTimeout,
			schema.NewErrorf(schema.ErrCodeTimeout, "flow %s timed out after %s", x.def.ID, flowTimeout))
		defer stop()
	}
	e.mu.Lock()
	e.running[x.id] = x
	e.mu.Unlock()

	logger.Info("execution started", slog.Int("parallelism", x.pool.size))
	err := x.top.run(runCtx)
	stopped := runCtx.Err() != nil
	stopErr := stopError(runCtx)
	x.pool.Shutdown()
	cancel(nil)

	e.mu.Lock()
	delete(e.running, x.id)
	e.mu.Unlock()

	result := &ExecutionResult{
		ExecutionID: x.id,
		FlowID:      x.def.ID,
		Nodes:       x.top.nodeResults(),
		StartedAt:   x.startedAt,
		CompletedAt: time.Now().UTC(),
	}
	switch {
	case err == nil:
		result.Status = schema.ExecutionCompleted
		result.Outputs = x.outputs()
	case stopped && !schema.IsCode(err, schema.ErrCodeStore):
		result.Status = schema.ExecutionCancelled
		result.Error = schema.AsFlowError(stopErr, schema.ErrCodeCancelled)
	default:
		result.Status = schema.ExecutionFailed
		result.Error = schema.AsFlowError(err, schema.ErrCodeNodeExecution)
		result.FailedNode = x.top.failedNode()
		if result.FailedNode == "" {
			result.FailedNode = result.Error.NodeID
		}
	}

	// The caller's context may be gone; the terminal bookkeeping must still land.
	final := context.WithoutCancel(ctx)
	x.setStatus(result.Status)
	if result.Status != schema.ExecutionCancelled {
		if err := x.checkpoint(final); err != nil {
			logger.Error("final checkpoint", slog.String("error", err.Error()))
		}
		if e.checkpoints != nil {
			e.checkpoints.Forget(x.id)
		}
	}
	e.record(final, result)

	payload := map[string]any{"duration_ms": result.CompletedAt.Sub(result.StartedAt).Milliseconds()}
	if result.Error != nil {
		payload["error"] = errorPayload(result.Error, FailureEscalate)
		payload["failed_node"] = result.FailedNode
	}
	if err := e.execFSM.Transition(final, x.id, x.def.ID, schema.ExecutionRunning, result.Status, payload); err != nil {
		logger.Error("execution transition", slog.String("error", err.Error()))
	}
	e.observer.ObserveExecution(x.def.ID, result.Status, result.CompletedAt.Sub(result.StartedAt))

	attrs := []any{slog.String("status", string(result.Status)), slog.Int64("duration_ms", payload["duration_ms"].(int64))}
	if result.Error != nil {
		logger.Error("execution finished", append(attrs, slog.String("error", result.Error.Error()))...)
	} else {
		logger.Info("execution finished", attrs...)
	}
	return result
}

func (e *executorImpl) record(ctx context.Context, result *ExecutionResult) {
	if e.recorder == nil {
		return
	}
	update := store.ExecutionUpdate{
		Status:      &result.Status,
		FailedNode:  result.FailedNode,
		CompletedAt: &result.CompletedAt,
	}
	if result.Outputs != nil {
		if raw, err := json.Marshal(result.Outputs); err == nil {
			update.Output = raw
		}
	}
	if result.Error != nil {
		if raw, err := json.Marshal(result.Error); err == nil {
			update.Error = raw
		}
	}
	if err := e.recorder.UpdateExecution(ctx, result.ExecutionID, update); err != nil {
		logging.LogWith(ctx, e.logger).Error("record execution", slog.String("error", err.Error()))
	}
}

// Cancel stops a running execution, or marks a stale record cancelled.
func (e *executorImpl) Cancel(ctx context.Context, executionID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	e.mu.Lock()
	x, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		x.cancel(schema.NewErrorf(schema.ErrCodeCancelled, "execution cancelled: %s", reason).
			WithDetails(map[string]any{"reason": reason}))
		return nil
	}

	if e.recorder == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	rec, err := e.recorder.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", executionID, rec.Status)
	}
	if err := e.execFSM.Transition(ctx, executionID, rec.FlowID, rec.Status, schema.ExecutionCancelled, map[string]any{"reason": reason}); err != nil {
		return err
	}
	cancelled := schema.ExecutionCancelled
	now := time.Now().UTC()
	errPayload, _ := json.Marshal(map[string]string{"code": schema.ErrCodeCancelled, "message": reason})
	return e.recorder.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		Error:       errPayload,
	})
}

// Status reports a running execution from memory, anything else from the
// recorder and the latest snapshot.
func (e *executorImpl) Status(ctx context.Context, executionID string) (*ExecutionStatusView, error) {
	e.mu.Lock()
	x, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		pool := x.pool.Metrics()
		started := x.startedAt
		return &ExecutionStatusView{
			ExecutionID: executionID,
			FlowID:      x.def.ID,
			Status:      x.getStatus(),
			Running:     true,
			Nodes:       x.top.states(),
			Pool:        &pool,
			StartedAt:   &started,
		}, nil
	}

	if e.recorder == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	rec, err := e.recorder.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	view := &ExecutionStatusView{
		ExecutionID: executionID,
		FlowID:      rec.FlowID,
		Status:      rec.Status,
		FailedNode:  rec.FailedNode,
		StartedAt:   rec.StartedAt,
	}
	if e.snapshots != nil {
		if snap, err := e.snapshots.LoadSnapshot(ctx, executionID); err == nil {
			view.Nodes = snapshotStates(snap)
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
	}
	return view, nil
}

func snapshotStates(snap *schema.Snapshot) map[string]schema.NodeState {
	out := make(map[string]schema.NodeState, len(snap.Completed)+len(snap.Skipped)+len(snap.Pending)+len(snap.Failed))
	for id := range snap.Completed {
		out[id] = schema.NodeCompleted
	}
	for _, id := range snap.Skipped {
		out[id] = schema.NodeSkipped
	}
	for id := range snap.Failed {
		out[id] = schema.NodeFailed
	}
	for _, id := range snap.Pending {
		out[id] = schema.NodePending
	}
	return out
}

// --- execution helpers ---

func (x *execution) setStatus(s schema.ExecutionStatus) {
	x.statusMu.Lock()
	defer x.statusMu.Unlock()
	x.status = s
}

func (x *execution) getStatus() schema.ExecutionStatus {
	x.statusMu.Lock()
	defer x.statusMu.Unlock()
	return x.status
}

// checkpoint persists the current top-level state.
func (x *execution) checkpoint(ctx context.Context) error {
	if x.e.checkpoints == nil {
		return nil
	}
	x.cpMu.Lock()
	defer x.cpMu.Unlock()

	snap := &schema.Snapshot{
		ExecutionID: x.id,
		FlowID:      x.def.ID,
		FlowVersion: x.def.Version,
		Status:      x.getStatus(),
		Context:     x.vars.State(),
	}
	x.top.snapshotState(snap)
	if len(x.cursors) > 0 {
		snap.LoopCursors = make(map[string]schema.LoopCursor, len(x.cursors))
		for id, cur := range x.cursors {
			snap.LoopCursors[id] = cur
		}
	}
	return x.e.checkpoints.Checkpoint(ctx, snap)
}

func (x *execution) saveCursor(ctx context.Context, nodeID string, cur schema.LoopCursor) error {
	x.cpMu.Lock()
	x.cursors[nodeID] = cur
	x.cpMu.Unlock()
	return x.checkpoint(ctx)
}

func (x *execution) cursor(nodeID string) (schema.LoopCursor, bool) {
	x.cpMu.Lock()
	defer x.cpMu.Unlock()
	cur, ok := x.cursors[nodeID]
	return cur, ok
}

func (x *execution) clearCursor(nodeID string) {
	x.cpMu.Lock()
	defer x.cpMu.Unlock()
	delete(x.cursors, nodeID)
}

// outputs evaluates the declared flow outputs against the final context,
// or returns every top-level node output when none are declared.
func (x *execution) outputs() map[string]any {
	if len(x.def.Outputs) == 0 {
		return x.vars.Outputs()
	}
	out := make(map[string]any, len(x.def.Outputs))
	for _, p := range x.def.Outputs {
		if v, ok := x.vars.Lookup(execctx.Global, p.Name); ok {
			out[p.Name] = v
		} else {
			out[p.Name] = p.Default
		}
	}
	return out
}
