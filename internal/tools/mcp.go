package tools

import (
	"context"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/pkg/schema"
)

// MCPServerConfig describes how to reach an MCP server: a command launched
// over stdio, or a streamable HTTP endpoint.
type MCPServerConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// MCPCaller is the part of an MCP client the adapter needs.
type MCPCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPAdapter invokes tools addressed as mcp://<server>/<tool>.
type MCPAdapter struct {
	mu      sync.RWMutex
	clients map[string]MCPCaller
}

func NewMCPAdapter() *MCPAdapter {
	return &MCPAdapter{clients: make(map[string]MCPCaller)}
}

// AddClient registers an already initialized client under a server name.
func (a *MCPAdapter) AddClient(name string, c MCPCaller) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.clients[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "mcp server %q already registered", name)
	}
	a.clients[name] = c
	return nil
}

// Connect starts and initializes a client for cfg and registers it.
func (a *MCPAdapter) Connect(ctx context.Context, name string, cfg MCPServerConfig) error {
	var (
		c   *client.Client
		err error
	)
	switch {
	case cfg.URL != "":
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	case cfg.Command != "":
		// The stdio transport is started by the constructor.
		c, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "mcp server %q needs a command or a url", name)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeToolUnavailable, "start mcp server %q: %s", name, err.Error()).WithCause(err)
	}
	if err := Initialize(ctx, c); err != nil {
		_ = c.Close()
		return schema.NewErrorf(schema.ErrCodeToolUnavailable, "initialize mcp server %q: %s", name, err.Error()).WithCause(err)
	}
	return a.AddClient(name, c)
}

// Initialize performs the MCP handshake on a started client.
func Initialize(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "flowcore", Version: "1.0.0"}
	_, err := c.Initialize(ctx, req)
	return err
}

// Close closes every registered client.
func (a *MCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for name, c := range a.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(a.clients, name)
	}
	return first
}

func (a *MCPAdapter) Invoke(ctx context.Context, req Request) (any, error) {
	server, tool, err := parseMCPURI(req.URI)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	c, ok := a.clients[server]
	a.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "mcp server %q is not connected", server)
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = tool
	call.Params.Arguments = toArguments(req.Args)

	res, err := c.CallTool(ctx, call)
	if err != nil {
		return nil, err
	}
	out := resultValue(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "mcp tool %s/%s reported an error: %s", server, tool, gml.ToString(out)).
			WithDetails(map[string]any{"result": out})
	}
	return out, nil
}

// parseMCPURI splits mcp://server/tool.
func parseMCPURI(uri string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(uri, "mcp://")
	if ok {
		server, tool, ok = strings.Cut(rest, "/")
	}
	if !ok || server == "" || tool == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "invalid mcp uri %q, expected mcp://server/tool", uri)
	}
	return server, tool, nil
}

func toArguments(args any) map[string]any {
	switch v := gml.DeepNormalize(args).(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"input": v}
	}
}

// resultValue prefers structured content; otherwise text content is decoded
// as JSON when possible. Several content items become an array.
func resultValue(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return gml.DeepNormalize(res.StructuredContent)
	}
	values := make([]any, 0, len(res.Content))
	for _, c := range res.Content {
		text, ok := mcp.AsTextContent(c)
		if !ok {
			continue
		}
		if v, err := gml.DecodeJSON([]byte(text.Text)); err == nil {
			values = append(values, gml.DeepNormalize(v))
		} else {
			values = append(values, text.Text)
		}
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

var _ Adapter = (*MCPAdapter)(nil)
