package schema

import "fmt"

// Severity separates blocking issues from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one problem found while checking a flow.
// Path uses the document layout, e.g. "node.fetch.args".
type ValidationIssue struct {
	Path     string   `json:"path"`
	NodeID   string   `json:"node_id,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ValidationResult collects the issues of every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error-severity issue was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, nodeID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, nodeID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddFlowError records err, keeping its code and node when it is a FlowError.
func (r *ValidationResult) AddFlowError(path string, err error) {
	fe := AsFlowError(err, ErrCodeValidation)
	r.AddError(path, fe.NodeID, fe.Code, fe.Message)
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise the error carries the
// code of the first issue and every issue in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}
	fe := NewError(first.Code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
	if len(r.Errors) == 1 && first.NodeID != "" {
		fe.WithNode(first.NodeID)
	}
	return fe
}
