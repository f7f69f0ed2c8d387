package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

const documentSchemaURL = "https://flowcore.dev/schemas/fdl.json"

// documentSchemaJSON describes an FDL document as decoded from YAML or JSON.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/fdl.json",
  "type": "object",
  "required": ["flow"],
  "properties": {
    "flow": { "$ref": "#/$defs/flow" }
  },
  "additionalProperties": false,
  "$defs": {
    "flow": {
      "type": "object",
      "required": ["node"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "desp": { "type": "string" },
        "description": { "type": "string" },
        "version": { "type": ["string", "number"] },
        "timeout": { "$ref": "#/$defs/duration" },
        "max_parallel": { "type": "integer", "minimum": 1 },
        "args": { "$ref": "#/$defs/args" },
        "vars": { "$ref": "#/$defs/vars" },
        "node": { "$ref": "#/$defs/nodes" }
      },
      "additionalProperties": false
    },
    "args": {
      "type": "object",
      "properties": {
        "in": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/param" }
        },
        "out": {
          "oneOf": [
            { "type": "string" },
            {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["name"],
                "properties": {
                  "name": { "$ref": "#/$defs/ident" },
                  "type": { "type": "string" }
                },
                "additionalProperties": false
              }
            }
          ]
        },
        "entry": {
          "oneOf": [
            { "type": "string" },
            { "type": "array", "items": { "type": "string" }, "minItems": 1 }
          ]
        }
      },
      "additionalProperties": false
    },
    "param": {
      "oneOf": [
        { "type": "string" },
        {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "type": "string" },
            "default": {},
            "required": { "type": "boolean" }
          },
          "additionalProperties": false
        }
      ]
    },
    "vars": {
      "oneOf": [
        { "type": "string" },
        {
          "type": "object",
          "propertyNames": { "$ref": "#/$defs/ident" },
          "additionalProperties": { "type": ["string", "number", "boolean", "null"] }
        }
      ]
    },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "propertyNames": { "$ref": "#/$defs/ident" },
      "additionalProperties": { "$ref": "#/$defs/node" }
    },
    "node": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "desp": { "type": "string" },
        "description": { "type": "string" },
        "nodeType": {
          "type": "string",
          "enum": ["start", "exec", "mapping", "condition", "switch", "delay", "each", "loop",
                   "agent", "guard", "approval", "mcp", "handoff"]
        },
        "next": { "type": "string" },
        "fail": { "type": "string" },
        "only": { "$ref": "#/$defs/expr" },
        "exec": { "type": "string" },
        "agent": { "type": "string" },
        "mcp": { "type": "string" },
        "guard": { "type": "string" },
        "approval": { "type": "string" },
        "handoff": { "type": "string" },
        "oss": { "type": "string" },
        "mq": { "type": "string" },
        "mail": { "type": "string" },
        "sms": { "type": "string" },
        "service": { "type": "string" },
        "args": { "$ref": "#/$defs/expr" },
        "with": { "$ref": "#/$defs/expr" },
        "sets": { "$ref": "#/$defs/expr" },
        "when": { "$ref": "#/$defs/expr" },
        "then": { "type": "string" },
        "else": { "type": "string" },
        "case": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["when", "then"],
            "properties": {
              "when": { "type": "string" },
              "then": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "wait": { "$ref": "#/$defs/expr" },
        "vars": { "type": "string" },
        "each": { "type": "string", "pattern": "=>" },
        "parallel": { "type": "boolean" },
        "max_iterations": { "type": "integer", "minimum": 1 },
        "engine": { "type": "string", "minLength": 1 },
        "rule": { "$ref": "#/$defs/expr" },
        "action": { "type": "string", "enum": ["block", "warn"] },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "continue_on_fail": { "type": "boolean" },
        "node": { "$ref": "#/$defs/nodes" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "duration": {
      "oneOf": [
        { "type": "integer", "minimum": 0 },
        { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)?)+$" }
      ]
    },
    "expr": { "type": ["string", "number", "boolean"] },
    "ident": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
    }
  }
}`

// JSONSchemaValidator checks FDL documents and flow inputs with JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema

	// mu guards cache, which holds input schemas keyed by their JSON text.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return &JSONSchemaValidator{
		documentSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded FDL document (the generic value produced
// by a YAML or JSON decoder).
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is empty")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is not JSON compatible").WithCause(err)
	}
	if err := v.documentSchema.Validate(value); err != nil {
		return toFlowError(err)
	}
	return nil
}

// PrepareInputs fills omitted inputs from their declared defaults and checks
// the result against the declared parameter types. inputs is not modified.
func (v *JSONSchemaValidator) PrepareInputs(def *schema.FlowDefinition, inputs map[string]any) (map[string]any, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	out := make(map[string]any, len(inputs)+len(def.Inputs))
	for k, val := range inputs {
		out[k] = val
	}
	for _, p := range def.Inputs {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	if len(def.Inputs) == 0 {
		return out, nil
	}

	text, err := InputSchema(def.Inputs)
	if err != nil {
		return nil, err
	}
	compiled, err := v.getOrCompile(text)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid input declarations").WithCause(err)
	}
	value, err := toJSONValue(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "inputs are not JSON compatible").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return nil, toFlowError(err)
	}
	return out, nil
}

// InputSchema renders the JSON Schema of a parameter list. Undeclared
// extra inputs are allowed.
func InputSchema(params []schema.ParamDef) (string, error) {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		ps, ok := typeSchema(p.Type)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "input %q has unknown type %q", p.Name, p.Type)
		}
		props[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "render input schema").WithCause(err)
	}
	return string(b), nil
}

// typeSchema maps an FDL parameter type to a JSON Schema fragment.
func typeSchema(t string) (map[string]any, bool) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "any":
		return map[string]any{}, true
	case "string", "str":
		return map[string]any{"type": "string"}, true
	case "int", "integer", "long":
		return map[string]any{"type": "integer"}, true
	case "float", "double", "number", "decimal":
		return map[string]any{"type": "number"}, true
	case "bool", "boolean":
		return map[string]any{"type": "boolean"}, true
	case "array", "list":
		return map[string]any{"type": "array"}, true
	case "object", "map":
		return map[string]any{"type": "object"}, true
	case "date", "datetime", "timestamp":
		return map[string]any{
			"type": "string",
			"anyOf": []any{
				map[string]any{"format": "date"},
				map[string]any{"format": "date-time"},
			},
		}, true
	}
	return nil, false
}

// KnownType reports whether t is a supported parameter type.
func KnownType(t string) bool {
	_, ok := typeSchema(t)
	return ok
}

func (v *JSONSchemaValidator) getOrCompile(text string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[text]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[text]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("flowcore://inputs/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[text] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, the representation the jsonschema library validates.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
