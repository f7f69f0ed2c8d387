// Package execctx holds the layered variable state of one execution.
//
// Scopes live in an arena and are addressed by ScopeID handles with explicit
// parent links: Root (flow inputs and system variables), Global (flow vars),
// and Child scopes created per Each/Loop iteration. Node outputs are kept in
// an append-only map visible to every scope; outputs of nodes running inside
// an iteration stay local to that iteration's scope.
package execctx

import (
	"sort"
	"sync"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/pkg/schema"
)

// ScopeID is a handle into the scope arena.
type ScopeID int

const (
	Root   ScopeID = 0
	Global ScopeID = 1
)

// System variable names injected into the root scope.
const (
	VarFlowID      = "$flow_id"
	VarExecutionID = "$execution_id"
	VarTenantID    = "$tenant_id"
	VarUserID      = "$user_id"
	VarTimestamp   = "$timestamp"
)

type scope struct {
	parent  ScopeID
	vars    map[string]any
	outputs map[string]any // child scopes only
	live    bool
}

// Context is safe for concurrent use. Writes from one node are applied
// atomically by Commit.
type Context struct {
	mu      sync.RWMutex
	system  map[string]any
	scopes  []*scope
	free    []ScopeID
	outputs map[string]any
}

// New creates a context with the given flow inputs and system variables.
func New(inputs, system map[string]any) *Context {
	return &Context{
		system: copyMap(system),
		scopes: []*scope{
			{parent: -1, vars: copyMap(inputs), live: true},
			{parent: Root, vars: map[string]any{}, live: true},
		},
		outputs: map[string]any{},
	}
}

// SetGlobals replaces the global scope, typically with the evaluated flow vars.
func (c *Context) SetGlobals(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[Global].vars = copyMap(vars)
}

// NewChild allocates a child scope of parent seeded with bindings.
func (c *Context) NewChild(parent ScopeID, bindings map[string]any) (ScopeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.get(parent); err != nil {
		return 0, err
	}
	s := &scope{parent: parent, vars: copyMap(bindings), outputs: map[string]any{}, live: true}
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		c.scopes[id] = s
		return id, nil
	}
	c.scopes = append(c.scopes, s)
	return ScopeID(len(c.scopes) - 1), nil
}

// Release frees a child scope. Root and Global cannot be released.
func (c *Context) Release(id ScopeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= Global || int(id) >= len(c.scopes) || !c.scopes[id].live {
		return
	}
	c.scopes[id] = &scope{}
	c.free = append(c.free, id)
}

func (c *Context) get(id ScopeID) (*scope, error) {
	if id < 0 || int(id) >= len(c.scopes) || !c.scopes[id].live {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scope %d does not exist", id)
	}
	return c.scopes[id], nil
}

// chain returns the child scopes from id up to (excluding) Global,
// innermost first.
func (c *Context) chain(id ScopeID) []*scope {
	var out []*scope
	for id > Global {
		s := c.scopes[id]
		if !s.live {
			break
		}
		out = append(out, s)
		id = s.parent
	}
	return out
}

// View flattens everything visible from id into one variable map. Later
// layers shadow earlier ones: inputs, system variables, globals, node
// outputs, then child scopes from outermost to innermost.
func (c *Context) View(id ScopeID) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := make(map[string]any, len(c.scopes[Root].vars)+len(c.system)+len(c.scopes[Global].vars)+len(c.outputs))
	for k, v := range c.scopes[Root].vars {
		view[k] = v
	}
	for k, v := range c.system {
		view[k] = v
	}
	for k, v := range c.scopes[Global].vars {
		view[k] = v
	}
	for k, v := range c.outputs {
		view[k] = v
	}
	chain := c.chain(id)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].outputs {
			view[k] = v
		}
		for k, v := range chain[i].vars {
			view[k] = v
		}
	}
	return view
}

// Lookup resolves a single name as View would.
func (c *Context) Lookup(id ScopeID, name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.chain(id) {
		if v, ok := s.vars[name]; ok {
			return v, true
		}
		if v, ok := s.outputs[name]; ok {
			return v, true
		}
	}
	if v, ok := c.outputs[name]; ok {
		return v, true
	}
	if v, ok := c.scopes[Global].vars[name]; ok {
		return v, true
	}
	if v, ok := c.system[name]; ok {
		return v, true
	}
	v, ok := c.scopes[Root].vars[name]
	return v, ok
}

// Output returns the recorded output of a node visible from id.
func (c *Context) Output(id ScopeID, nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.chain(id) {
		if v, ok := s.outputs[nodeID]; ok {
			return v, true
		}
	}
	v, ok := c.outputs[nodeID]
	return v, ok
}

// Commit records nodeID's output and applies its sets in one step.
// Top-level outputs are append-only: committing the same node twice is a
// CONFLICT. Inside a child scope the output is local to that iteration.
func (c *Context) Commit(id ScopeID, nodeID string, output any, sets map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.get(id)
	if err != nil {
		return err
	}
	if id <= Global {
		if _, exists := c.outputs[nodeID]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "output of node %s already recorded", nodeID).WithNode(nodeID)
		}
		c.outputs[nodeID] = gml.DeepNormalize(output)
	} else {
		s.outputs[nodeID] = gml.DeepNormalize(output)
	}
	c.applySets(id, sets)
	return nil
}

// ApplySets writes sets without recording an output.
func (c *Context) ApplySets(id ScopeID, sets map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.get(id); err != nil {
		return err
	}
	c.applySets(id, sets)
	return nil
}

// applySets writes each name to the nearest scope declaring it, walking from
// id through its parents to Global. Undeclared names become local to id
// (Global at top level). Root is never written.
func (c *Context) applySets(id ScopeID, sets map[string]any) {
	if len(sets) == 0 {
		return
	}
	local := id
	if local < Global {
		local = Global
	}
	for _, name := range sortedKeys(sets) {
		target := local
		for sid := local; sid >= Global; {
			if _, ok := c.scopes[sid].vars[name]; ok {
				target = sid
				break
			}
			if sid == Global {
				break
			}
			sid = c.scopes[sid].parent
		}
		c.scopes[target].vars[name] = gml.DeepNormalize(sets[name])
	}
}

// Bindings returns a copy of a scope's own variables.
func (c *Context) Bindings(id ScopeID) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, err := c.get(id)
	if err != nil {
		return nil
	}
	return copyMap(s.vars)
}

// Outputs returns a copy of the top-level node outputs.
func (c *Context) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.outputs)
}

// LiveScopes counts allocated scopes, Root and Global included.
func (c *Context) LiveScopes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scopes) - len(c.free)
}

// State serializes the root, global and output scopes for a snapshot.
func (c *Context) State() schema.ContextState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schema.ContextState{
		Inputs:  deepCopy(c.scopes[Root].vars),
		System:  deepCopy(c.system),
		Globals: deepCopy(c.scopes[Global].vars),
		Outputs: deepCopy(c.outputs),
	}
}

// Restore rebuilds a context from snapshot state. Child scopes are not
// persisted; in-flight iterations re-create them from loop cursors.
func Restore(state schema.ContextState) *Context {
	c := New(deepCopy(state.Inputs), deepCopy(state.System))
	c.scopes[Global].vars = deepCopy(state.Globals)
	c.outputs = deepCopy(state.Outputs)
	return c
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := gml.DeepNormalize(m).(map[string]any)
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
