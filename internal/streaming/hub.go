package streaming

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// Sink consumes execution events. Delivery is at-least-once from the
// emitter's side; deduplication by event ID is the sink's concern.
type Sink interface {
	Deliver(ctx context.Context, event schema.ExecutionEvent) error
}

// SinkFunc lets a plain function serve as a Sink.
type SinkFunc func(ctx context.Context, event schema.ExecutionEvent) error

func (f SinkFunc) Deliver(ctx context.Context, event schema.ExecutionEvent) error {
	return f(ctx, event)
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string             `json:"execution_id,omitempty"`
	Kinds       []schema.EventKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live execution events.
type EventHub interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error)
}

// MultiSink fans an event out to several sinks, returning the first error
// after trying all of them.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, event schema.ExecutionEvent) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
