package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/pkg/schema"
)

type toolSet map[string]bool

func (s toolSet) Has(_ schema.NodeKind, uri string) bool { return s[uri] }

func newFlowValidator(t *testing.T) *FlowValidator {
	t.Helper()
	engines, err := rules.DefaultSet(gml.NewEngine(nil))
	require.NoError(t, err)
	fv, err := NewFlowValidator(toolSet{"api://ok": true}, engines)
	require.NoError(t, err)
	return fv
}

func flow(nodes []*schema.Node, edges ...schema.Edge) *schema.FlowDefinition {
	return &schema.FlowDefinition{ID: "f", Version: "1", Nodes: nodes, Edges: edges}
}

func link(from, to string) schema.Edge {
	return schema.Edge{Source: from, Target: to, Kind: schema.EdgeNext}
}

func codes(r *schema.ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestFlowValidator_Valid(t *testing.T) {
	fv := newFlowValidator(t)
	def := flow([]*schema.Node{
		{ID: "s", Kind: schema.NodeStart},
		{ID: "a", Kind: schema.NodeExec, Tool: &schema.ToolSpec{URI: "api://ok"}, Args: "{id = s.id}",
			Retry: &schema.RetryPolicy{Max: 2, Backoff: "linear", Delay: "10ms"}},
		{ID: "g", Kind: schema.NodeGuard, Guard: &schema.GuardSpec{Engine: "cel", Rule: "a.ok"}},
		{ID: "e", Kind: schema.NodeEach, Each: &schema.EachSpec{Source: "a.items", Item: "it", Index: "i",
			Body: &schema.SubFlow{Nodes: []*schema.Node{{ID: "w", Kind: schema.NodeMapping, With: "it * 2"}}}}},
	}, link("s", "a"), link("a", "g"), link("g", "e"))
	def.Inputs = []schema.ParamDef{{Name: "id", Type: "string", Required: true}}
	def.Vars = "count = 0"

	r := fv.Validate(def)
	assert.True(t, r.Valid(), "%+v", r.Errors)
	assert.Empty(t, r.Warnings)
	assert.NoError(t, fv.ValidateDefinition(def))
}

func TestFlowValidator_GraphErrorsShortCircuit(t *testing.T) {
	fv := newFlowValidator(t)
	def := flow([]*schema.Node{
		{ID: "a", Kind: schema.NodeMapping, With: "(("},
		{ID: "b", Kind: schema.NodeMapping, With: "1"},
	}, link("a", "b"), link("b", "a"))

	r := fv.Validate(def)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeGraphValidation, r.Errors[0].Code)
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.CodeOf(fv.ValidateDefinition(def)))

	r = fv.Validate(nil)
	assert.False(t, r.Valid())
}

func TestFlowValidator_Semantic(t *testing.T) {
	fv := newFlowValidator(t)
	def := flow([]*schema.Node{
		{ID: "s", Kind: schema.NodeStart, Only: "1 +"},
		{ID: "a", Kind: schema.NodeExec, Tool: &schema.ToolSpec{URI: "db://missing"}},
		{ID: "g", Kind: schema.NodeGuard, Guard: &schema.GuardSpec{Engine: "rego", Rule: "allow"}},
		{ID: "d", Kind: schema.NodeDelay, Delay: &schema.DelaySpec{Wait: "soon +"}},
		{ID: "r", Kind: schema.NodeMapping, With: "1", Retry: &schema.RetryPolicy{Max: 1, Backoff: "random", Delay: "later"}},
	}, link("s", "a"), link("a", "g"), link("g", "d"), link("d", "r"))
	def.Inputs = []schema.ParamDef{{Name: "x", Type: "blob"}, {Name: "x", Type: "string"}}

	r := fv.Validate(def)
	assert.ElementsMatch(t, []string{
		schema.ErrCodeParse,           // s.only
		schema.ErrCodeToolUnavailable, // a
		schema.ErrCodeValidation,      // g.engine
		schema.ErrCodeParse,           // d.wait
		schema.ErrCodeValidation,      // r.backoff
		schema.ErrCodeValidation,      // r.delay
		schema.ErrCodeValidation,      // unknown type
		schema.ErrCodeValidation,      // duplicate parameter
	}, codes(r))

	var nodes []string
	for _, e := range r.Errors {
		nodes = append(nodes, e.NodeID)
	}
	assert.Contains(t, nodes, "a")
	assert.Contains(t, nodes, "d")

	err := fv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with 8 errors")
}

func TestFlowValidator_NestedBodies(t *testing.T) {
	fv := newFlowValidator(t)
	def := flow([]*schema.Node{
		{ID: "l", Kind: schema.NodeLoop, Loop: &schema.LoopSpec{Vars: "i = 0", When: "i <", Body: &schema.SubFlow{
			Nodes: []*schema.Node{{ID: "inc", Kind: schema.NodeMapping, Sets: "i = i +"}},
		}}},
		{ID: "e", Kind: schema.NodeEach, Each: &schema.EachSpec{Source: "xs", Item: "v", Index: "v", Body: &schema.SubFlow{
			Nodes: []*schema.Node{{ID: "w", Kind: schema.NodeMapping}},
		}}},
	}, link("l", "e"))

	r := fv.Validate(def)
	paths := map[string]bool{}
	for _, e := range r.Errors {
		paths[e.Path] = true
	}
	assert.True(t, paths["node.l.when"])
	assert.True(t, paths["node.l.node.inc.sets"])
	assert.True(t, paths["node.e.each"])
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "w", r.Warnings[0].NodeID)
}

func TestFlowValidator_NilLookupsSkipAvailability(t *testing.T) {
	fv, err := NewFlowValidator(nil, nil)
	require.NoError(t, err)
	def := flow([]*schema.Node{
		{ID: "a", Kind: schema.NodeExec, Tool: &schema.ToolSpec{URI: "any://thing"}},
		{ID: "g", Kind: schema.NodeGuard, Guard: &schema.GuardSpec{Engine: "rego", Rule: "allow"}},
	}, link("a", "g"))
	assert.True(t, fv.Validate(def).Valid())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &schema.ValidationResult{}
	assert.NoError(t, r.ToError())

	r.AddWarning("x", "", schema.ErrCodeValidation, "just a warning")
	assert.NoError(t, r.ToError())

	r.AddError("node.a", "a", schema.ErrCodeParse, "unexpected end")
	err := r.ToError()
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeParse, fe.Code)
	assert.Equal(t, "a", fe.NodeID)
	assert.Equal(t, 1, fe.Details["warning_count"])
}
