package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeEval              = "EVAL_ERROR"
	ErrCodeGraphValidation   = "GRAPH_VALIDATION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeSnapshotCorrupt   = "SNAPSHOT_CORRUPT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
	ErrCodeMaxIterations     = "MAX_ITERATIONS_EXCEEDED"
)

// nonRetryable lists codes that a retry can never fix.
var nonRetryable = map[string]bool{
	ErrCodeParse:           true,
	ErrCodeEval:            true,
	ErrCodeGraphValidation: true,
	ErrCodeValidation:      true,
	ErrCodeToolUnavailable: true,
	ErrCodeCancelled:       true,
	ErrCodeMaxIterations:   true,
	ErrCodeSnapshotCorrupt: true,
}

// FlowError is the structured error type for all flowcore operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// CodeOf returns the code of the outermost FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given FlowError code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsFlowError converts any error into a *FlowError, wrapping foreign errors
// under the fallback code.
func AsFlowError(err error, fallback string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallback, err.Error()).WithCause(err)
}
