package validation

import (
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/pkg/schema"
)

// Validator checks flow definitions and their inputs before execution.
type Validator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
	PrepareInputs(def *schema.FlowDefinition, inputs map[string]any) (map[string]any, error)
}

// ToolLookup reports whether some adapter would serve a node of kind
// addressing uri. *tools.Registry satisfies it.
type ToolLookup interface {
	Has(kind schema.NodeKind, uri string) bool
}

// EngineLookup resolves guard rule engines by name. *rules.Set satisfies it.
type EngineLookup interface {
	Get(name string) (rules.Engine, error)
}
