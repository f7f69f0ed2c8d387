package rules

import (
	"context"

	"github.com/rendis/flowcore/internal/gml"
)

// guardOwner scopes guard rules in the GML parse cache.
const guardOwner = "rules:guard"

// GMLEngine adapts a gml.Engine to the rule Engine interface. Keys of the
// data document are the script's variables.
type GMLEngine struct {
	engine *gml.Engine
}

func NewGMLEngine(engine *gml.Engine) *GMLEngine {
	if engine == nil {
		engine = gml.NewEngine(nil)
	}
	return &GMLEngine{engine: engine}
}

func (e *GMLEngine) Name() string { return "gml" }

func (e *GMLEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	return e.engine.Eval(guardOwner, "", expression, data)
}

var _ Engine = (*GMLEngine)(nil)
