package loader

import (
	"fmt"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// toolFields lists the fields that address a tool, in precedence order.
// The storage and messaging aliases all run as exec nodes.
var toolFields = []struct {
	kind schema.NodeKind
	uri  func(*nodeDoc) string
}{
	{schema.NodeExec, func(n *nodeDoc) string { return n.Exec }},
	{schema.NodeAgent, func(n *nodeDoc) string { return n.Agent }},
	{schema.NodeMCP, func(n *nodeDoc) string { return n.MCP }},
	{schema.NodeGuard, func(n *nodeDoc) string { return n.Guard }},
	{schema.NodeApproval, func(n *nodeDoc) string { return n.Approval }},
	{schema.NodeHandoff, func(n *nodeDoc) string { return n.Handoff }},
	{schema.NodeExec, func(n *nodeDoc) string { return n.OSS }},
	{schema.NodeExec, func(n *nodeDoc) string { return n.MQ }},
	{schema.NodeExec, func(n *nodeDoc) string { return n.Mail }},
	{schema.NodeExec, func(n *nodeDoc) string { return n.SMS }},
	{schema.NodeExec, func(n *nodeDoc) string { return n.Service }},
}

func convertErr(path, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", path, fmt.Sprintf(format, args...))
}

// convert builds the definition. id is used when the document names none.
func convert(doc *document, id string) (*schema.FlowDefinition, error) {
	f := doc.Flow
	def := &schema.FlowDefinition{
		ID:             firstOf(f.ID, id, f.Name, "flow"),
		Name:           f.Name,
		Description:    firstOf(f.Desp, f.Description),
		Version:        f.Version,
		Vars:           string(f.Vars),
		Timeout:        f.Timeout,
		MaxParallelism: f.MaxParallel,
	}
	if f.Args != nil {
		for _, p := range f.Args.In {
			pd := schema.ParamDef{Name: p.Name, Type: p.Type, Default: p.Default, Required: p.Default == nil}
			if p.Required != nil {
				pd.Required = *p.Required
			}
			def.Inputs = append(def.Inputs, pd)
		}
		for _, o := range f.Args.Out {
			def.Outputs = append(def.Outputs, schema.ParamDef{Name: o.Name, Type: o.Type})
		}
	}

	nodes, edges, err := convertNodes("node", f.Node)
	if err != nil {
		return nil, err
	}

	var entry []string
	if f.Args != nil {
		entry = f.Args.Entry
	}
	if len(def.Inputs) > 0 || len(entry) > 0 {
		start, startEdges, err := startNode(nodes, edges, entry)
		if err != nil {
			return nil, err
		}
		if start != nil {
			nodes = append([]*schema.Node{start}, nodes...)
			edges = append(startEdges, edges...)
		}
	}
	def.Nodes, def.Edges = nodes, edges
	return def, nil
}

// startNode synthesizes the Start node wired to the entry nodes. Without an
// explicit entry list every node lacking incoming edges is an entry.
func startNode(nodes []*schema.Node, edges []schema.Edge, entry []string) (*schema.Node, []schema.Edge, error) {
	for _, n := range nodes {
		if n.Kind == schema.NodeStart {
			if len(entry) > 0 {
				return nil, nil, convertErr("args.entry", "flow already declares start node %q", n.ID)
			}
			return nil, nil, nil
		}
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	if len(entry) == 0 {
		targets := make(map[string]bool, len(edges))
		for _, e := range edges {
			targets[e.Target] = true
		}
		for _, n := range nodes {
			if n.Fail != "" {
				targets[n.Fail] = true
			}
		}
		for _, n := range nodes {
			if !targets[n.ID] {
				entry = append(entry, n.ID)
			}
		}
	}
	id := "start"
	for ids[id] {
		id = "_" + id
	}
	start := &schema.Node{ID: id, Name: "start", Kind: schema.NodeStart}
	var out []schema.Edge
	for _, target := range entry {
		if !ids[target] {
			return nil, nil, convertErr("args.entry", "unknown entry node %q", target)
		}
		out = append(out, schema.Edge{Source: id, Target: target, Kind: schema.EdgeNext})
	}
	return start, out, nil
}

func convertNodes(path string, docs orderedNodes) ([]*schema.Node, []schema.Edge, error) {
	var nodes []*schema.Node
	var edges []schema.Edge
	for _, nd := range docs {
		n, out, err := convertNode(path+"."+nd.ID, nd.ID, nd.Node)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
		edges = append(edges, out...)
	}
	return nodes, edges, nil
}

func convertNode(path, id string, d *nodeDoc) (*schema.Node, []schema.Edge, error) {
	kind, uri, err := inferKind(path, d)
	if err != nil {
		return nil, nil, err
	}
	n := &schema.Node{
		ID:             id,
		Name:           firstOf(d.Name, d.Desp, d.Description),
		Kind:           kind,
		Only:           d.Only,
		Fail:           strings.TrimSpace(d.Fail),
		Args:           d.Args,
		With:           d.With,
		Sets:           d.Sets,
		Timeout:        d.Timeout,
		ContinueOnFail: d.ContinueOnFail,
	}
	if d.Retry != nil {
		n.Retry = &schema.RetryPolicy{Max: d.Retry.Max, Backoff: d.Retry.Backoff, Delay: d.Retry.Delay, MaxDelay: d.Retry.MaxDelay}
	}
	if uri != "" {
		n.Tool = &schema.ToolSpec{URI: uri}
	}

	var edges []schema.Edge
	link := func(targets string, kind schema.EdgeKind, idx int) {
		for _, t := range splitList(targets) {
			edges = append(edges, schema.Edge{Source: id, Target: t, Kind: kind, Case: idx})
		}
	}
	link(d.Next, schema.EdgeNext, 0)

	switch kind {
	case schema.NodeCondition:
		n.Condition = &schema.ConditionSpec{When: d.When}
		link(d.Then, schema.EdgeThen, 0)
		link(d.Else, schema.EdgeElse, 0)
	case schema.NodeSwitch:
		n.Switch = &schema.SwitchSpec{}
		for i, c := range d.Case {
			n.Switch.Cases = append(n.Switch.Cases, schema.SwitchCase{When: c.When})
			link(c.Then, schema.EdgeCase, i)
		}
		link(d.Else, schema.EdgeElse, 0)
	case schema.NodeDelay:
		n.Delay = &schema.DelaySpec{Wait: d.Wait}
	case schema.NodeGuard:
		if d.Rule != "" || d.Engine != "" || d.Action != "" {
			n.Guard = &schema.GuardSpec{Engine: d.Engine, Rule: d.Rule, Action: d.Action}
		}
	case schema.NodeEach:
		spec, err := parseEach(path, d.Each)
		if err != nil {
			return nil, nil, err
		}
		spec.Vars = d.Vars
		spec.Parallel = d.Parallel
		if spec.Body, err = convertBody(path, d.Node); err != nil {
			return nil, nil, err
		}
		n.Each = spec
	case schema.NodeLoop:
		body, err := convertBody(path, d.Node)
		if err != nil {
			return nil, nil, err
		}
		n.Loop = &schema.LoopSpec{Vars: d.Vars, When: d.When, MaxIterations: d.MaxIterations, Body: body}
	}
	if err := n.Validate(); err != nil {
		return nil, nil, schema.AsFlowError(err, schema.ErrCodeValidation).
			WithDetails(map[string]any{"path": path})
	}
	return n, edges, nil
}

func convertBody(path string, docs orderedNodes) (*schema.SubFlow, error) {
	if len(docs) == 0 {
		return nil, convertErr(path, "'node' sub-graph is empty")
	}
	nodes, edges, err := convertNodes(path+".node", docs)
	if err != nil {
		return nil, err
	}
	return &schema.SubFlow{Nodes: nodes, Edges: edges}, nil
}

// inferKind picks the node kind: an explicit nodeType wins, then the tool
// fields, then the shape of the control fields.
func inferKind(path string, d *nodeDoc) (schema.NodeKind, string, error) {
	var uri string
	var toolKind schema.NodeKind
	for _, f := range toolFields {
		if u := f.uri(d); u != "" {
			if uri != "" {
				return "", "", convertErr(path, "node addresses more than one tool")
			}
			uri, toolKind = u, f.kind
		}
	}

	if d.NodeType != "" {
		return schema.NodeKind(d.NodeType), uri, nil
	}
	switch {
	case toolKind != "":
		return toolKind, uri, nil
	case d.Rule != "":
		return schema.NodeGuard, "", nil
	case d.Each != "":
		return schema.NodeEach, "", nil
	case d.When != "" && len(d.Node) > 0:
		return schema.NodeLoop, "", nil
	case len(d.Case) > 0:
		return schema.NodeSwitch, "", nil
	case d.When != "" && (d.Then != "" || d.Else != ""):
		return schema.NodeCondition, "", nil
	case d.Wait != "":
		return schema.NodeDelay, "", nil
	case len(d.Node) > 0:
		return "", "", convertErr(path, "nested 'node' requires 'each' or 'when'")
	case d.When != "":
		return "", "", convertErr(path, "'when' requires 'then', 'else' or a nested 'node'")
	}
	return schema.NodeMapping, "", nil
}

// parseEach splits "source => item, index". The last arrow separates the
// binders so the source may itself contain lambdas.
func parseEach(path, text string) (*schema.EachSpec, error) {
	i := strings.LastIndex(text, "=>")
	if i < 0 {
		return nil, convertErr(path, "each must read 'source => item[, index]'")
	}
	source := strings.TrimSpace(text[:i])
	binders := splitList(text[i+2:])
	if source == "" || len(binders) == 0 || len(binders) > 2 {
		return nil, convertErr(path, "each must read 'source => item[, index]'")
	}
	spec := &schema.EachSpec{Source: source, Item: binders[0]}
	if len(binders) == 2 {
		spec.Index = binders[1]
	}
	return spec, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
