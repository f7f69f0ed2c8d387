package engine

import (
	"context"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Observer receives scheduling callbacks for metrics and tracing.
// *telemetry.Telemetry implements it.
type Observer interface {
	// ObserveNode is called before each attempt of a node. The returned
	// context is used for the attempt and done is called with its error.
	ObserveNode(ctx context.Context, flowID string, node *schema.Node, attempt int) (context.Context, func(err error))
	// ObserveExecution is called once an execution reaches a terminal status.
	ObserveExecution(flowID string, status schema.ExecutionStatus, elapsed time.Duration)
	// ObservePool reports the number of running node tasks of an execution.
	ObservePool(executionID string, active int64)
}

type noopObserver struct{}

func (noopObserver) ObserveNode(ctx context.Context, _ string, _ *schema.Node, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (noopObserver) ObserveExecution(string, schema.ExecutionStatus, time.Duration) {}

func (noopObserver) ObservePool(string, int64) {}
