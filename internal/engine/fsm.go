package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventSink receives execution events. Emit must not block on slow
// consumers; *streaming.Emitter satisfies it.
type EventSink interface {
	Emit(ctx context.Context, event schema.ExecutionEvent)
}

type discardSink struct{}

func (discardSink) Emit(context.Context, schema.ExecutionEvent) {}

func newEvent(executionID, flowID, nodeID string, kind schema.EventKind, attempt int, payload any) schema.ExecutionEvent {
	return schema.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		FlowID:      flowID,
		NodeID:      nodeID,
		Kind:        kind,
		Attempt:     attempt,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events to sink.
func NewExecutionFSM(sink EventSink) *ExecutionFSM {
	if sink == nil {
		sink = discardSink{}
	}
	return &ExecutionFSM{
		sink:   sink,
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates an execution transition, runs its hooks and emits
// the matching event. Persisting the new status is the caller's job.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID, flowID string, from, to schema.ExecutionStatus, payload any) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	f.mu.Lock()
	before, after := f.before[key], f.after[key]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if kind := executionEventKind(to); kind != "" {
		f.sink.Emit(ctx, newEvent(executionID, flowID, "", kind, 0, payload))
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventKind(to schema.ExecutionStatus) schema.EventKind {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeState
}

// NodeRef identifies the node instance a transition applies to.
type NodeRef struct {
	ExecutionID string
	FlowID      string
	NodeID      string
	Attempt     int
}

// NodeFSM manages node lifecycle state transitions.
type NodeFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[nodeHookKey][]TransitionHook
	after  map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events to sink.
func NewNodeFSM(sink EventSink) *NodeFSM {
	if sink == nil {
		sink = discardSink{}
	}
	return &NodeFSM{
		sink:   sink,
		before: make(map[nodeHookKey][]TransitionHook),
		after:  make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a node transition, runs its hooks and emits the
// matching event with payload.
func (f *NodeFSM) Transition(ctx context.Context, ref NodeRef, from, to schema.NodeState, payload any) error {
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(ref.NodeID).
			WithDetails(map[string]any{"execution_id": ref.ExecutionID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}
	f.mu.Lock()
	before, after := f.before[key], f.after[key]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if kind := nodeEventKind(from, to); kind != "" {
		f.sink.Emit(ctx, newEvent(ref.ExecutionID, ref.FlowID, ref.NodeID, kind, ref.Attempt, payload))
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidNodeTransition(from, to schema.NodeState) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventKind(from, to schema.NodeState) schema.EventKind {
	switch to {
	case schema.NodeRunning:
		return schema.EventNodeStarted
	case schema.NodeCompleted:
		return schema.EventNodeCompleted
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	case schema.NodeFailed:
		return schema.EventNodeError
	case schema.NodePending:
		if from == schema.NodeRunning {
			return schema.EventNodeRetrying
		}
	}
	return ""
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// Running -> Pending is the retry path; no other state is revisited.
var ValidNodeTransitions = map[schema.NodeState][]schema.NodeState{
	schema.NodePending:   {schema.NodeReady, schema.NodeSkipped},
	schema.NodeReady:     {schema.NodeRunning, schema.NodeSkipped},
	schema.NodeRunning:   {schema.NodeCompleted, schema.NodeFailed, schema.NodePending},
	schema.NodeCompleted: {},
	schema.NodeSkipped:   {},
	schema.NodeFailed:    {},
}
