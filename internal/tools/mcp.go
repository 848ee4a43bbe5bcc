package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"taskpilot/internal/domain"
)

const clientVersion = "v0.1.0"

// MCPInvoker exposes the tools of one MCP server launched over stdio.
type MCPInvoker struct {
	Name    string
	session *mcp.ClientSession
}

// ConnectMCP starts command and opens a client session over its stdio.
func ConnectMCP(ctx context.Context, name, command string, args ...string) (*MCPInvoker, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "taskpilot", Version: clientVersion}, nil)
	transport := &mcp.CommandTransport{Command: exec.Command(command, args...)}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", name, err)
	}
	return &MCPInvoker{Name: name, session: session}, nil
}

func (m *MCPInvoker) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Close()
}

// RegisterInto lists the server's tools and registers each under
// "<server>.<tool>" in r.
func (m *MCPInvoker) RegisterInto(ctx context.Context, r *Registry) (int, error) {
	res, err := m.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return 0, fmt.Errorf("list tools of %s: %w", m.Name, err)
	}
	n := 0
	for _, t := range res.Tools {
		if t == nil {
			continue
		}
		remote := t.Name
		info := domain.ToolInfo{
			ID:          m.Name + "." + remote,
			Description: t.Description,
			Tags:        []string{"mcp", m.Name},
			Required:    requiredParams(t.InputSchema),
		}
		handler := func(ctx context.Context, args map[string]any) (any, error) {
			return m.call(ctx, remote, args)
		}
		if err := r.Register(Tool{Info: info, Handler: handler}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *MCPInvoker) call(ctx context.Context, name string, args map[string]any) (any, error) {
	res, err := m.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if res.IsError {
		if out == "" {
			out = "tool reported an error"
		}
		return nil, errors.New(out)
	}
	if res.StructuredContent != nil {
		return map[string]any{"output": out, "structured": res.StructuredContent}, nil
	}
	return map[string]any{"output": out}, nil
}

// requiredParams reads the "required" list of a JSON schema of any shape.
func requiredParams(schema any) []string {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return s.Required
}
