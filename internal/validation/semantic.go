package validation

import (
	"fmt"
	"regexp"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/pkg/schema"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var backoffs = map[string]bool{"": true, "none": true, "constant": true, "linear": true, "exponential": true}

// validateSemantic checks what the graph builder does not: expression syntax,
// tool and rule engine availability, binders, parameter declarations and
// retry policies. It assumes the graph itself is well formed.
func validateSemantic(def *schema.FlowDefinition, tools ToolLookup, engines EngineLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	checkScript(result, "vars", "", def.Vars)
	checkParams(result, "args.in", def.Inputs, true)
	checkParams(result, "args.out", def.Outputs, false)

	s := &semantic{tools: tools, engines: engines, result: result}
	for _, n := range def.Nodes {
		s.node("node."+n.ID, n)
	}
	return result
}

type semantic struct {
	tools   ToolLookup
	engines EngineLookup
	result  *schema.ValidationResult
}

func (s *semantic) node(path string, n *schema.Node) {
	r := s.result
	checkScript(r, path+".only", n.ID, n.Only)
	checkScript(r, path+".args", n.ID, n.Args)
	checkScript(r, path+".with", n.ID, n.With)
	checkScript(r, path+".sets", n.ID, n.Sets)

	switch n.Kind {
	case schema.NodeCondition:
		checkScript(r, path+".when", n.ID, n.Condition.When)
	case schema.NodeSwitch:
		for i, c := range n.Switch.Cases {
			checkScript(r, fmt.Sprintf("%s.case[%d].when", path, i), n.ID, c.When)
		}
	case schema.NodeDelay:
		if _, err := schema.ParseDuration(n.Delay.Wait); err != nil {
			checkScript(r, path+".wait", n.ID, n.Delay.Wait)
		}
	case schema.NodeEach:
		checkScript(r, path+".each", n.ID, n.Each.Source)
		checkScript(r, path+".vars", n.ID, n.Each.Vars)
		s.binders(path, n)
		s.body(path, n.Each.Body)
	case schema.NodeLoop:
		checkScript(r, path+".vars", n.ID, n.Loop.Vars)
		checkScript(r, path+".when", n.ID, n.Loop.When)
		if n.Loop.MaxIterations < 0 {
			r.AddError(path+".max_iterations", n.ID, schema.ErrCodeValidation, "max_iterations must not be negative")
		}
		s.body(path, n.Loop.Body)
	case schema.NodeGuard:
		s.guard(path, n)
	case schema.NodeMapping:
		if n.With == "" && n.Sets == "" {
			r.AddWarning(path, n.ID, schema.ErrCodeValidation, "mapping node has neither 'with' nor 'sets'")
		}
	}

	if n.Kind.IsToolKind() && n.Tool != nil && n.Tool.URI != "" && s.tools != nil {
		if !s.tools.Has(n.Kind, n.Tool.URI) {
			r.AddError(path+"."+string(n.Kind), n.ID, schema.ErrCodeToolUnavailable,
				fmt.Sprintf("no tool adapter serves %q", n.Tool.URI))
		}
	}
	s.retry(path+".retry", n)
}

func (s *semantic) body(path string, body *schema.SubFlow) {
	for _, child := range body.Nodes {
		s.node(path+".node."+child.ID, child)
	}
}

func (s *semantic) binders(path string, n *schema.Node) {
	r := s.result
	for _, b := range []string{n.Each.Item, n.Each.Index} {
		if b != "" && !identPattern.MatchString(b) {
			r.AddError(path+".each", n.ID, schema.ErrCodeValidation, fmt.Sprintf("invalid binder name %q", b))
		}
	}
	if n.Each.Index != "" && n.Each.Index == n.Each.Item {
		r.AddError(path+".each", n.ID, schema.ErrCodeValidation, "item and index binders must differ")
	}
}

func (s *semantic) guard(path string, n *schema.Node) {
	if n.Guard == nil || n.Guard.Rule == "" {
		return
	}
	engine := n.Guard.Engine
	if engine == "" || engine == "gml" {
		checkScript(s.result, path+".rule", n.ID, n.Guard.Rule)
		return
	}
	if s.engines == nil {
		return
	}
	if _, err := s.engines.Get(engine); err != nil {
		s.result.AddError(path+".engine", n.ID, schema.ErrCodeValidation,
			fmt.Sprintf("unknown rule engine %q", engine))
	}
}

func (s *semantic) retry(path string, n *schema.Node) {
	p := n.Retry
	if p == nil {
		return
	}
	r := s.result
	if p.Max < 0 {
		r.AddError(path+".max", n.ID, schema.ErrCodeValidation, "retry max must not be negative")
	}
	if p.Max > 10 {
		r.AddWarning(path+".max", n.ID, schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.Max))
	}
	if !backoffs[p.Backoff] {
		r.AddError(path+".backoff", n.ID, schema.ErrCodeValidation, fmt.Sprintf("unknown backoff %q", p.Backoff))
	}
	for _, f := range [][2]string{{"delay", p.Delay}, {"max_delay", p.MaxDelay}} {
		if f[1] == "" {
			continue
		}
		if _, err := schema.ParseDuration(f[1]); err != nil {
			r.AddError(path+"."+f[0], n.ID, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", f[1]))
		}
	}
}

func checkParams(r *schema.ValidationResult, path string, params []schema.ParamDef, typed bool) {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		switch {
		case !identPattern.MatchString(p.Name):
			r.AddError(path+"."+p.Name, "", schema.ErrCodeValidation, fmt.Sprintf("invalid parameter name %q", p.Name))
		case seen[p.Name]:
			r.AddError(path+"."+p.Name, "", schema.ErrCodeValidation, fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		seen[p.Name] = true
		if typed && !KnownType(p.Type) {
			r.AddError(path+"."+p.Name, "", schema.ErrCodeValidation, fmt.Sprintf("unknown type %q", p.Type))
		}
	}
}

// checkScript records a PARSE_ERROR when text is not valid GML.
func checkScript(r *schema.ValidationResult, path, nodeID, text string) {
	if text == "" {
		return
	}
	if _, err := gml.Parse(text); err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeParse)
		r.AddError(path, nodeID, fe.Code, fe.Message)
	}
}
