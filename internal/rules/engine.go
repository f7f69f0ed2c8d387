package rules

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// Engine evaluates a rule expression against a data document.
// Guard nodes pick an engine by name: gml (default), cel, expr or jq.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set is a thread-safe collection of engines keyed by name.
type Set struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewSet creates a Set holding the given engines.
func NewSet(engines ...Engine) (*Set, error) {
	s := &Set{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers an engine. Returns a CONFLICT error on duplicate names.
func (s *Set) Add(e Engine) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "rule engine is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.engines[e.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "rule engine %q already registered", e.Name())
	}
	s.engines[e.Name()] = e
	return nil
}

// Get returns the engine registered under name.
func (s *Set) Get(name string) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown rule engine %q", name)
	}
	return e, nil
}

// Names lists registered engine names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.engines))
	for n := range s.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
