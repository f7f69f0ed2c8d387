package validation

import (
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/pkg/schema"
)

// FlowValidator runs the validation pipeline:
// 1. Graph (ids, edges, cycles, start nodes, nested bodies)
// 2. Semantic (expressions, tools, rule engines, parameters, retry)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
	engines    EngineLookup
}

// NewFlowValidator creates a FlowValidator. tools and engines may be nil to
// skip the corresponding availability checks.
func NewFlowValidator(tools ToolLookup, engines EngineLookup) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{jsonSchema: jsv, tools: tools, engines: engines}, nil
}

// Validate runs every stage and aggregates the issues. Graph errors
// short-circuit: semantic checks walk the graph and need it well formed.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "", schema.ErrCodeValidation, "flow definition is nil")
		return result
	}
	if _, err := graph.Build(def); err != nil {
		result.AddFlowError("node", err)
		return result
	}
	if _, err := def.FlowTimeout(); err != nil {
		result.AddError("timeout", "", schema.ErrCodeValidation, "invalid flow timeout "+def.Timeout)
	}
	if def.MaxParallelism < 0 {
		result.AddError("max_parallel", "", schema.ErrCodeValidation, "max_parallel must not be negative")
	}
	result.Merge(validateSemantic(def, fv.tools, fv.engines))
	return result
}

// ValidateDefinition satisfies Validator.
func (fv *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateDocument checks a decoded FDL document against the document schema.
func (fv *FlowValidator) ValidateDocument(doc any) error {
	return fv.jsonSchema.ValidateDocument(doc)
}

// PrepareInputs delegates to the JSON Schema validator.
func (fv *FlowValidator) PrepareInputs(def *schema.FlowDefinition, inputs map[string]any) (map[string]any, error) {
	return fv.jsonSchema.PrepareInputs(def, inputs)
}
