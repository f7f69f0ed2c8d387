package schema

import "time"

// EventKind classifies an ExecutionEvent.
type EventKind string

const (
	EventNodeStarted   EventKind = "started"
	EventNodeCompleted EventKind = "completed"
	EventNodeSkipped   EventKind = "skipped"
	EventNodeError     EventKind = "error"
	EventNodeRetrying  EventKind = "retrying"

	EventIterationCompleted EventKind = "iteration_completed"

	EventExecutionStarted   EventKind = "execution_started"
	EventExecutionCompleted EventKind = "execution_completed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventExecutionCancelled EventKind = "execution_cancelled"
)

// Critical reports whether an event must reach the sink even under backpressure.
func (k EventKind) Critical() bool {
	switch k {
	case EventNodeStarted, EventNodeRetrying, EventIterationCompleted:
		return false
	}
	return true
}

// ExecutionEvent is one entry of the ordered lifecycle stream of an execution.
type ExecutionEvent struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	FlowID      string    `json:"flow_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Kind        EventKind `json:"kind"`
	Attempt     int       `json:"attempt,omitempty"`
	Sequence    int64     `json:"sequence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload,omitempty"`
}

// NodeState is the lifecycle state of a node instance.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeCompleted NodeState = "completed"
	NodeSkipped   NodeState = "skipped"
	NodeFailed    NodeState = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s NodeState) IsTerminal() bool {
	return s == NodeCompleted || s == NodeSkipped || s == NodeFailed
}

// ExecutionStatus is the lifecycle state of a whole execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}
