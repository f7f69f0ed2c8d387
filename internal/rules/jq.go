package rules

import (
	"context"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/pkg/schema"
)

// JQEngine evaluates jq queries with gojq. The data document is the query
// input. A query producing a single value returns it directly; several
// values are returned as an array.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewJQEngine() *JQEngine {
	return &JQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *JQEngine) Name() string { return "jq" }

func (e *JQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Query(ctx, expression, data)
}

// Query runs expression against an arbitrary input value.
func (e *JQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				break
			}
			return nil, schema.NewErrorf(schema.ErrCodeEval, "jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, gml.DeepNormalize(v))
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		out := make([]any, len(results))
		copy(out, results)
		return out, nil
	}
}

func (e *JQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// No access to the process environment from queries.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts values into the types gojq accepts: int64 becomes
// int and times become RFC 3339 strings.
func normalizeForJQ(v any) any {
	switch x := gml.Normalize(v).(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeForJQ(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeForJQ(e)
		}
		return out
	case int64:
		return int(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

var _ Engine = (*JQEngine)(nil)
