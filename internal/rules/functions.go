package rules

import (
	"context"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/pkg/schema"
)

// RegisterGMLFunctions adds functions backed by the rule engines to a GML
// registry. JQ(value, query) runs a jq query over value.
func RegisterGMLFunctions(reg *gml.Registry, jq *JQEngine) error {
	if jq == nil {
		jq = NewJQEngine()
	}
	return reg.Register("JQ", func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, schema.NewError(schema.ErrCodeEval, "JQ expects (value, query)").
				WithDetails(map[string]any{"kind": "invalid_argument"})
		}
		query, ok := args[1].(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEval, "JQ query must be a string, got %s", gml.TypeName(args[1])).
				WithDetails(map[string]any{"kind": "type_mismatch"})
		}
		return jq.Query(context.Background(), query, args[0])
	})
}

// DefaultSet builds a Set with the gml, cel, expr and jq engines. The GML
// engine shares gmlEngine's function registry and parse cache.
func DefaultSet(gmlEngine *gml.Engine) (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewSet(NewGMLEngine(gmlEngine), celEngine, NewExprEngine(), NewJQEngine())
}
