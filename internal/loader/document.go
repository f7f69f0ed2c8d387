package loader

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// document mirrors the FDL layout. Mappings whose order matters (nodes,
// vars, inputs) are decoded from the raw yaml.Node.
type document struct {
	Flow flowDoc `yaml:"flow"`
}

type flowDoc struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Desp        string       `yaml:"desp"`
	Description string       `yaml:"description"`
	Version     string       `yaml:"version"`
	Timeout     string       `yaml:"timeout"`
	MaxParallel int          `yaml:"max_parallel"`
	Args        *argsDoc     `yaml:"args"`
	Vars        varsDoc      `yaml:"vars"`
	Node        orderedNodes `yaml:"node"`
}

type argsDoc struct {
	In    orderedParams `yaml:"in"`
	Out   outputsDoc    `yaml:"out"`
	Entry listDoc       `yaml:"entry"`
}

type nodeDoc struct {
	Name           string       `yaml:"name"`
	Desp           string       `yaml:"desp"`
	Description    string       `yaml:"description"`
	NodeType       string       `yaml:"nodeType"`
	Next           string       `yaml:"next"`
	Fail           string       `yaml:"fail"`
	Only           string       `yaml:"only"`
	Exec           string       `yaml:"exec"`
	Agent          string       `yaml:"agent"`
	MCP            string       `yaml:"mcp"`
	Guard          string       `yaml:"guard"`
	Approval       string       `yaml:"approval"`
	Handoff        string       `yaml:"handoff"`
	OSS            string       `yaml:"oss"`
	MQ             string       `yaml:"mq"`
	Mail           string       `yaml:"mail"`
	SMS            string       `yaml:"sms"`
	Service        string       `yaml:"service"`
	Args           string       `yaml:"args"`
	With           string       `yaml:"with"`
	Sets           string       `yaml:"sets"`
	When           string       `yaml:"when"`
	Then           string       `yaml:"then"`
	Else           string       `yaml:"else"`
	Case           []caseDoc    `yaml:"case"`
	Wait           string       `yaml:"wait"`
	Vars           string       `yaml:"vars"`
	Each           string       `yaml:"each"`
	Parallel       bool         `yaml:"parallel"`
	MaxIterations  int          `yaml:"max_iterations"`
	Engine         string       `yaml:"engine"`
	Rule           string       `yaml:"rule"`
	Action         string       `yaml:"action"`
	Retry          *retryDoc    `yaml:"retry"`
	Timeout        string       `yaml:"timeout"`
	ContinueOnFail bool         `yaml:"continue_on_fail"`
	Node           orderedNodes `yaml:"node"`
}

type caseDoc struct {
	When string `yaml:"when"`
	Then string `yaml:"then"`
}

type retryDoc struct {
	Max      int    `yaml:"max"`
	Backoff  string `yaml:"backoff"`
	Delay    string `yaml:"delay"`
	MaxDelay string `yaml:"max_delay"`
}

type namedNode struct {
	ID   string
	Node *nodeDoc
}

// orderedNodes keeps document order so topological ties resolve the way
// the author wrote the flow.
type orderedNodes []namedNode

func (o *orderedNodes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: 'node' must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		n := &nodeDoc{}
		if err := value.Content[i+1].Decode(n); err != nil {
			return err
		}
		*o = append(*o, namedNode{ID: value.Content[i].Value, Node: n})
	}
	return nil
}

type paramDoc struct {
	Name     string
	Type     string
	Default  any
	Required *bool
}

type orderedParams []paramDoc

func (o *orderedParams) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: 'args.in' must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		p := paramDoc{Name: value.Content[i].Value}
		v := value.Content[i+1]
		if v.Kind == yaml.ScalarNode {
			p.Type = v.Value
		} else {
			var full struct {
				Type     string `yaml:"type"`
				Default  any    `yaml:"default"`
				Required *bool  `yaml:"required"`
			}
			if err := v.Decode(&full); err != nil {
				return err
			}
			p.Type, p.Default, p.Required = full.Type, full.Default, full.Required
		}
		*o = append(*o, p)
	}
	return nil
}

type outputDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// outputsDoc accepts a list of {name, type} or a comma-separated name list.
type outputsDoc []outputDoc

func (o *outputsDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		for _, name := range splitList(value.Value) {
			*o = append(*o, outputDoc{Name: name})
		}
		return nil
	}
	var list []outputDoc
	if err := value.Decode(&list); err != nil {
		return err
	}
	*o = list
	return nil
}

// listDoc accepts a YAML sequence or a comma-separated string.
type listDoc []string

func (l *listDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = splitList(value.Value)
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// varsDoc is either a GML script or a mapping of name to expression. The
// mapping form is rendered into an equivalent script, one assignment per
// line, in document order.
type varsDoc string

func (v *varsDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*v = varsDoc(value.Value)
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: 'vars' must be a script or a mapping", value.Line)
	}
	var lines []string
	for i := 0; i+1 < len(value.Content); i += 2 {
		lines = append(lines, value.Content[i].Value+" = "+exprText(value.Content[i+1]))
	}
	*v = varsDoc(strings.Join(lines, "\n"))
	return nil
}

// exprText renders a scalar as GML source. Strings are expressions already;
// other scalars are literals.
func exprText(n *yaml.Node) string {
	switch n.Tag {
	case "!!null":
		return "null"
	case "!!str":
		if strings.TrimSpace(n.Value) == "" {
			return "null"
		}
		return n.Value
	}
	return n.Value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
