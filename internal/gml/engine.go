package gml

import (
	"strings"
	"sync"
)

// Engine couples an Evaluator with a parse cache. Cache entries belong to an
// owner (a flow definition id) and are tagged with the owner's version; a
// lookup under a new version discards the owner's previous entries.
// Thread-safe: parsed programs are immutable and shared across goroutines.
type Engine struct {
	eval *Evaluator

	mu     sync.RWMutex
	owners map[string]*cacheBucket
}

type cacheBucket struct {
	version  string
	programs map[string]*Program
}

// NewEngine creates an engine. A nil registry uses the built-in functions.
func NewEngine(funcs *Registry) *Engine {
	return &Engine{
		eval:   NewEvaluator(funcs),
		owners: make(map[string]*cacheBucket),
	}
}

// Functions exposes the function registry for external registration.
func (e *Engine) Functions() *Registry { return e.eval.Functions() }

// Compile returns the cached program for text, parsing it on first use.
func (e *Engine) Compile(owner, version, text string) (*Program, error) {
	e.mu.RLock()
	if b, ok := e.owners[owner]; ok && b.version == version {
		if p, ok := b.programs[text]; ok {
			e.mu.RUnlock()
			return p, nil
		}
	}
	e.mu.RUnlock()

	prog, err := Parse(text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.owners[owner]
	if !ok || b.version != version {
		b = &cacheBucket{version: version, programs: make(map[string]*Program)}
		e.owners[owner] = b
	}
	if existing, ok := b.programs[text]; ok {
		return existing, nil
	}
	b.programs[text] = prog
	return prog, nil
}

// Invalidate drops every cached program of owner.
func (e *Engine) Invalidate(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.owners, owner)
}

// CacheSize returns the number of cached programs for owner.
func (e *Engine) CacheSize(owner string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.owners[owner]; ok {
		return len(b.programs)
	}
	return 0
}

// Run evaluates an already compiled program.
func (e *Engine) Run(p *Program, vars map[string]any) (any, error) {
	return e.eval.Run(p, vars)
}

// Eval compiles (or fetches) text and evaluates it. Empty text yields nil.
func (e *Engine) Eval(owner, version, text string, vars map[string]any) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	prog, err := e.Compile(owner, version, text)
	if err != nil {
		return nil, err
	}
	return e.eval.Run(prog, vars)
}

// Evaluate parses and evaluates text without caching.
func Evaluate(text string, vars map[string]any) (any, error) {
	prog, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(nil).Run(prog, vars)
}
