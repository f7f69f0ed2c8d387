package validation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func doc(flow map[string]any) map[string]any {
	return map[string]any{"flow": flow}
}

// --- ValidateDocument ---

func TestValidateDocument_Minimal(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(doc(map[string]any{
		"node": map[string]any{"a": map[string]any{"with": "1"}},
	}))
	assert.NoError(t, err)
}

func TestValidateDocument_Full(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(doc(map[string]any{
		"name":         "orders",
		"desp":         "order pipeline",
		"version":      2,
		"timeout":      "5m",
		"max_parallel": 4,
		"args": map[string]any{
			"in": map[string]any{
				"id":    "string",
				"limit": map[string]any{"type": "int", "default": 10},
			},
			"out":   []any{map[string]any{"name": "total", "type": "number"}},
			"entry": []any{"fetch"},
		},
		"vars": map[string]any{"seen": 0, "label": "'x'"},
		"node": map[string]any{
			"fetch": map[string]any{
				"exec":    "api://orders",
				"args":    "{id = id}",
				"retry":   map[string]any{"max": 3, "backoff": "exponential", "delay": "100ms"},
				"timeout": 2000,
				"next":    "route",
				"fail":    "oops",
			},
			"route": map[string]any{
				"case": []any{map[string]any{"when": "fetch.n > 1", "then": "many"}},
				"else": "one",
			},
			"many": map[string]any{"each": "fetch.items => it, i", "parallel": true,
				"node": map[string]any{"w": map[string]any{"with": "it"}}},
			"one":  map[string]any{"wait": 10},
			"oops": map[string]any{"guard": "policy://deny", "engine": "cel", "rule": "true", "action": "warn"},
		},
	}))
	assert.NoError(t, err)
}

func TestValidateDocument_Violations(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name string
		doc  any
	}{
		{"nil", nil},
		{"missing flow", map[string]any{"node": map[string]any{}}},
		{"missing nodes", doc(map[string]any{"name": "x"})},
		{"empty nodes", doc(map[string]any{"node": map[string]any{}})},
		{"unknown node field", doc(map[string]any{"node": map[string]any{"a": map[string]any{"exce": "x://y"}}})},
		{"bad node id", doc(map[string]any{"node": map[string]any{"a-b": map[string]any{}}})},
		{"bad node type", doc(map[string]any{"node": map[string]any{"a": map[string]any{"nodeType": "http"}}})},
		{"bad backoff", doc(map[string]any{"node": map[string]any{"a": map[string]any{"retry": map[string]any{"max": 1, "backoff": "random"}}}})},
		{"bad timeout", doc(map[string]any{"timeout": "soon", "node": map[string]any{"a": map[string]any{}}})},
		{"each without arrow", doc(map[string]any{"node": map[string]any{"a": map[string]any{"each": "items"}}})},
		{"case without then", doc(map[string]any{"node": map[string]any{"a": map[string]any{"case": []any{map[string]any{"when": "true"}}}}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateDocument(tc.doc)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateDocument_CollectsViolations(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(doc(map[string]any{
		"max_parallel": 0,
		"node":         map[string]any{"a": map[string]any{"parallel": "yes"}},
	}))
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
	assert.Contains(t, fe.Message, "validation failed with")
}

// --- PrepareInputs ---

func inputFlow(params ...schema.ParamDef) *schema.FlowDefinition {
	return &schema.FlowDefinition{ID: "f", Inputs: params}
}

func TestPrepareInputs_DefaultsAndTypes(t *testing.T) {
	v := newValidator(t)
	def := inputFlow(
		schema.ParamDef{Name: "id", Type: "string", Required: true},
		schema.ParamDef{Name: "limit", Type: "int", Default: int64(10)},
		schema.ParamDef{Name: "tags", Type: "array"},
		schema.ParamDef{Name: "when", Type: "date"},
	)
	in := map[string]any{"id": "o-1", "when": "2024-03-01", "extra": true}

	out, err := v.PrepareInputs(def, in)
	require.NoError(t, err)
	assert.Equal(t, int64(10), out["limit"])
	assert.Equal(t, "o-1", out["id"])
	assert.Equal(t, true, out["extra"])
	assert.NotContains(t, in, "limit")

	_, err = v.PrepareInputs(def, map[string]any{"id": "o-1", "when": time.Now()})
	assert.NoError(t, err)
}

func TestPrepareInputs_Rejects(t *testing.T) {
	v := newValidator(t)
	def := inputFlow(
		schema.ParamDef{Name: "id", Type: "string", Required: true},
		schema.ParamDef{Name: "limit", Type: "int"},
		schema.ParamDef{Name: "ok", Type: "bool"},
		schema.ParamDef{Name: "when", Type: "date"},
	)
	cases := []map[string]any{
		nil,
		{"id": 7},
		{"id": "x", "limit": 1.5},
		{"id": "x", "ok": "yes"},
		{"id": "x", "when": "yesterday"},
	}
	for _, in := range cases {
		_, err := v.PrepareInputs(def, in)
		require.Error(t, err, "%v", in)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	}

	_, err := v.PrepareInputs(inputFlow(schema.ParamDef{Name: "x", Type: "blob"}), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	_, err = v.PrepareInputs(nil, nil)
	assert.Error(t, err)
}

func TestPrepareInputs_NoDeclarations(t *testing.T) {
	v := newValidator(t)
	out, err := v.PrepareInputs(&schema.FlowDefinition{ID: "f"}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestPrepareInputs_CachesSchemas(t *testing.T) {
	v := newValidator(t)
	def := inputFlow(schema.ParamDef{Name: "n", Type: "number", Required: true})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := v.PrepareInputs(def, map[string]any{"n": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestInputSchema(t *testing.T) {
	text, err := InputSchema([]schema.ParamDef{
		{Name: "b", Type: "boolean", Required: true},
		{Name: "a", Type: "any", Required: true},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {"a": {}, "b": {"type": "boolean"}},
		"required": ["a", "b"]
	}`, text)

	assert.True(t, KnownType("Integer"))
	assert.True(t, KnownType(""))
	assert.False(t, KnownType("blob"))
}
