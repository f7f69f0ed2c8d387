package engine

import (
	"errors"

	"github.com/rendis/flowcore/pkg/schema"
)

// FailureStrategy is how a node failure is handled once retries are spent.
type FailureStrategy string

const (
	// FailureRoute fires the node's fail edge; its other edges are skipped.
	FailureRoute FailureStrategy = "route"
	// FailureContinue completes the node with a null output.
	FailureContinue FailureStrategy = "continue"
	// FailureEscalate fails the whole execution.
	FailureEscalate FailureStrategy = "escalate"
)

// FailureDecision describes the outcome of resolving a node failure.
type FailureDecision struct {
	Strategy FailureStrategy
	// Target is the fail edge target for FailureRoute.
	Target string
	Err    *schema.FlowError
}

// ResolveFailure applies the node's own error policy: a fail target wins
// over continue_on_fail. Cancellation always escalates, since nothing should
// run after the execution was stopped.
func ResolveFailure(node *schema.Node, err error) FailureDecision {
	fe := schema.AsFlowError(err, schema.ErrCodeNodeExecution)
	if fe.NodeID == "" {
		fe = fe.WithNode(node.ID)
	}
	if fe.Code == schema.ErrCodeCancelled {
		return FailureDecision{Strategy: FailureEscalate, Err: fe}
	}
	switch {
	case node.Fail != "":
		return FailureDecision{Strategy: FailureRoute, Target: node.Fail, Err: fe}
	case node.ContinueOnFail:
		return FailureDecision{Strategy: FailureContinue, Err: fe}
	default:
		return FailureDecision{Strategy: FailureEscalate, Err: fe}
	}
}

// exhausted wraps the last error of a node whose retry policy ran out.
func exhausted(nodeID string, attempts int, last error) *schema.FlowError {
	fe := schema.AsFlowError(last, schema.ErrCodeNodeExecution)
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "node %s failed after %d attempts: %s", nodeID, attempts, fe.Message).
		WithNode(nodeID).
		WithCause(last).
		WithDetails(map[string]any{"attempts": attempts, "last_code": fe.Code})
}

// errorPayload renders a failure for an error event.
func errorPayload(fe *schema.FlowError, strategy FailureStrategy) map[string]any {
	p := map[string]any{
		"code":     fe.Code,
		"message":  fe.Message,
		"strategy": string(strategy),
	}
	if len(fe.Details) > 0 {
		p["details"] = fe.Details
	}
	var cause *schema.FlowError
	if errors.As(fe.Cause, &cause) && cause != fe {
		p["cause"] = cause.Code
	}
	return p
}
