package schema

import (
	"fmt"
	"strconv"
	"time"
)

// NodeKind identifies the variant of a Node.
type NodeKind string

const (
	NodeStart     NodeKind = "start"
	NodeExec      NodeKind = "exec"
	NodeMapping   NodeKind = "mapping"
	NodeCondition NodeKind = "condition"
	NodeSwitch    NodeKind = "switch"
	NodeDelay     NodeKind = "delay"
	NodeEach      NodeKind = "each"
	NodeLoop      NodeKind = "loop"
	NodeAgent     NodeKind = "agent"
	NodeGuard     NodeKind = "guard"
	NodeApproval  NodeKind = "approval"
	NodeMCP       NodeKind = "mcp"
	NodeHandoff   NodeKind = "handoff"
)

// IsToolKind reports whether nodes of this kind delegate work to a tool adapter.
func (k NodeKind) IsToolKind() bool {
	switch k {
	case NodeExec, NodeAgent, NodeGuard, NodeApproval, NodeMCP, NodeHandoff:
		return true
	}
	return false
}

// EdgeKind classifies why an edge fires.
type EdgeKind string

const (
	EdgeNext EdgeKind = "next"
	EdgeThen EdgeKind = "then"
	EdgeElse EdgeKind = "else"
	EdgeCase EdgeKind = "case"
	EdgeFail EdgeKind = "fail"
)

// IsConditional reports whether the edge fires on a branch decision.
func (k EdgeKind) IsConditional() bool {
	return k == EdgeThen || k == EdgeElse || k == EdgeCase
}

// Edge connects two nodes. Case is the zero-based case index for EdgeCase.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
	Case   int      `json:"case,omitempty"`
}

// Label renders the edge kind the way branches are recorded, e.g. "case(1)".
func (e Edge) Label() string {
	if e.Kind == EdgeCase {
		return fmt.Sprintf("case(%d)", e.Case)
	}
	return string(e.Kind)
}

// ParamDef declares a typed flow input or output.
type ParamDef struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// RetryPolicy configures re-attempts of a failing node.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

// FlowDefinition is a loaded flow. It must not be mutated once handed to an executor.
type FlowDefinition struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	Version        string     `json:"version,omitempty"`
	Inputs         []ParamDef `json:"inputs,omitempty"`
	Outputs        []ParamDef `json:"outputs,omitempty"`
	Vars           string     `json:"vars,omitempty"`
	Nodes          []*Node    `json:"nodes"`
	Edges          []Edge     `json:"edges,omitempty"`
	Timeout        string     `json:"timeout,omitempty"`
	MaxParallelism int        `json:"max_parallelism,omitempty"`
}

// Node returns the node with the given id, or nil.
func (d *FlowDefinition) Node(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// CacheKey identifies the definition revision for expression caching.
func (d *FlowDefinition) CacheKey() string {
	return d.ID + "@" + d.Version
}

// FlowTimeout parses Timeout; zero means unbounded.
func (d *FlowDefinition) FlowTimeout() (time.Duration, error) {
	return parseOptionalDuration(d.Timeout)
}

// SubFlow is the nested graph run by Each and Loop nodes.
type SubFlow struct {
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges,omitempty"`
}

// Node is a tagged union: Kind selects which of the variant pointers is set.
// Start and Mapping carry no variant payload.
type Node struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	Kind           NodeKind     `json:"kind"`
	Only           string       `json:"only,omitempty"`
	Fail           string       `json:"fail,omitempty"`
	Args           string       `json:"args,omitempty"`
	With           string       `json:"with,omitempty"`
	Sets           string       `json:"sets,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`
	Timeout        string       `json:"timeout,omitempty"`
	ContinueOnFail bool         `json:"continue_on_fail,omitempty"`

	Tool      *ToolSpec      `json:"tool,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty"`
	Switch    *SwitchSpec    `json:"switch,omitempty"`
	Delay     *DelaySpec     `json:"delay,omitempty"`
	Each      *EachSpec      `json:"each,omitempty"`
	Loop      *LoopSpec      `json:"loop,omitempty"`
	Guard     *GuardSpec     `json:"guard,omitempty"`
}

// ToolSpec addresses the adapter call of a tool-backed node.
type ToolSpec struct {
	URI string `json:"uri"`
}

type ConditionSpec struct {
	When string `json:"when"`
}

// SwitchSpec holds the ordered case tests. Targets are carried by case(i) edges.
type SwitchSpec struct {
	Cases []SwitchCase `json:"cases"`
}

type SwitchCase struct {
	When string `json:"when"`
}

// DelaySpec.Wait is a literal duration ("5000", "5s", "10m") or a GML expression.
type DelaySpec struct {
	Wait string `json:"wait"`
}

// EachSpec.Vars is evaluated once before the first iteration; body sets
// accumulate into the names it declares.
type EachSpec struct {
	Source   string   `json:"source"`
	Item     string   `json:"item"`
	Index    string   `json:"index,omitempty"`
	Vars     string   `json:"vars,omitempty"`
	Parallel bool     `json:"parallel,omitempty"`
	Body     *SubFlow `json:"body"`
}

type LoopSpec struct {
	Vars          string   `json:"vars,omitempty"`
	When          string   `json:"when"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Body          *SubFlow `json:"body"`
}

// GuardSpec configures a local rule check. Without a Rule, the guard URI is
// invoked through the tool adapter.
type GuardSpec struct {
	Engine string `json:"engine,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Action string `json:"action,omitempty"`
}

// Validate checks that exactly the variant payload matching Kind is present.
func (n *Node) Validate() error {
	if n.ID == "" {
		return NewError(ErrCodeGraphValidation, "node id is empty")
	}
	bad := func(format string, args ...any) error {
		return NewErrorf(ErrCodeGraphValidation, format, args...).WithNode(n.ID)
	}
	switch n.Kind {
	case NodeStart, NodeMapping:
	case NodeExec, NodeAgent, NodeMCP, NodeApproval, NodeHandoff:
		if n.Tool == nil || n.Tool.URI == "" {
			return bad("%s node requires a tool uri", n.Kind)
		}
	case NodeGuard:
		if (n.Guard == nil || n.Guard.Rule == "") && (n.Tool == nil || n.Tool.URI == "") {
			return bad("guard node requires a rule or a tool uri")
		}
	case NodeCondition:
		if n.Condition == nil || n.Condition.When == "" {
			return bad("condition node requires 'when'")
		}
	case NodeSwitch:
		if n.Switch == nil || len(n.Switch.Cases) == 0 {
			return bad("switch node requires at least one case")
		}
	case NodeDelay:
		if n.Delay == nil || n.Delay.Wait == "" {
			return bad("delay node requires 'wait'")
		}
	case NodeEach:
		if n.Each == nil || n.Each.Source == "" || n.Each.Body == nil {
			return bad("each node requires a source and a body")
		}
		if n.Each.Item == "" {
			return bad("each node requires an item binder")
		}
	case NodeLoop:
		if n.Loop == nil || n.Loop.When == "" || n.Loop.Body == nil {
			return bad("loop node requires 'when' and a body")
		}
	default:
		return bad("unknown node kind %q", n.Kind)
	}
	if _, err := parseOptionalDuration(n.Timeout); err != nil {
		return bad("invalid timeout %q", n.Timeout)
	}
	return nil
}

// NodeTimeout parses Timeout; zero means no node-level deadline.
func (n *Node) NodeTimeout() time.Duration {
	d, _ := parseOptionalDuration(n.Timeout)
	return d
}

// ParseDuration accepts Go durations plus bare integers meaning milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return ParseDuration(s)
}
