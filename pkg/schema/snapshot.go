package schema

import "time"

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion = 1

// Snapshot is an immutable checkpoint of one execution. Later checkpoints
// supersede earlier ones by Seq; none is ever rewritten.
type Snapshot struct {
	Version     int                      `json:"version"`
	ExecutionID string                   `json:"execution_id"`
	FlowID      string                   `json:"flow_id"`
	FlowVersion string                   `json:"flow_version,omitempty"`
	Seq         int64                    `json:"seq"`
	Status      ExecutionStatus          `json:"status"`
	Completed   map[string]CompletedNode `json:"completed"`
	Skipped     []string                 `json:"skipped"`
	Failed      map[string]FailedNode    `json:"failed,omitempty"`
	Pending     []string                 `json:"pending"`
	Context     ContextState             `json:"context"`
	LoopCursors map[string]LoopCursor    `json:"loop_cursors,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	Checksum    string                   `json:"checksum,omitempty"`
}

// CompletedNode records a finished node and the branch it fired: "" for
// its next edges, "then", "else" or "case(i)".
type CompletedNode struct {
	Output any    `json:"output"`
	Branch string `json:"branch,omitempty"`
}

// FailedNode records a failure. Routed is true when a fail edge handled it.
type FailedNode struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Routed bool   `json:"routed"`
}

// ContextState is the serialized form of the root, global and output scopes.
type ContextState struct {
	Inputs  map[string]any `json:"inputs"`
	System  map[string]any `json:"system"`
	Globals map[string]any `json:"globals"`
	Outputs map[string]any `json:"outputs"`
}

// LoopCursor captures the progress of a running Each or Loop node.
type LoopCursor struct {
	Kind      NodeKind       `json:"kind"`
	Iteration int            `json:"iteration"`
	Scope     map[string]any `json:"scope,omitempty"`
	Results   []any          `json:"results,omitempty"`
}
