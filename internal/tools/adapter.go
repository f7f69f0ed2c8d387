package tools

import (
	"context"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Request is one tool invocation issued by a node.
type Request struct {
	ExecutionID string          `json:"execution_id"`
	FlowID      string          `json:"flow_id"`
	NodeID      string          `json:"node_id"`
	Kind        schema.NodeKind `json:"kind"`
	URI         string          `json:"uri"`
	Args        any             `json:"args,omitempty"`
	Attempt     int             `json:"attempt"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

// Adapter performs the side-effecting work a node requests. Implementations
// must stop when ctx is cancelled. Re-executed requests (same node, new
// attempt or a resumed execution) must be safe to repeat.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (any, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, req Request) (any, error)

func (f AdapterFunc) Invoke(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}
