// Package mcptools connects to externally configured MCP servers and routes
// external-mcp tool calls to them. MCP calls never enter a sandbox; they run
// host-side against the deployment's configured servers.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/llm"
)

// Tool is one tool discovered on an MCP server.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// Manager holds the MCP client connections and the discovered tool set.
type Manager struct {
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[string]*mcpclient.Client // by server name
	tools   []Tool
}

// NewManager creates an MCP manager. Connect must be called before use.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:  log.WithFields(zap.String("component", "mcp")),
		clients: make(map[string]*mcpclient.Client),
	}
}

// Connect dials every enabled server, performs the initialization handshake,
// and discovers tools. A server that fails to connect is skipped with a log
// line; the rest of the deployment still comes up.
func (m *Manager) Connect(ctx context.Context, cfg config.MCPConfig) {
	for _, server := range cfg.Servers {
		if !server.Enabled {
			continue
		}
		if err := m.connectServer(ctx, server); err != nil {
			m.logger.Error("failed to connect MCP server",
				zap.String("server", server.Name), zap.Error(err))
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	c, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "cove", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	m.mu.Lock()
	m.clients[cfg.Name] = c
	for _, t := range listResp.Tools {
		m.tools = append(m.tools, Tool{
			Server:      cfg.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	m.mu.Unlock()

	m.logger.Info("MCP server connected",
		zap.String("server", cfg.Name),
		zap.String("transport", cfg.Transport),
		zap.Int("tools", len(listResp.Tools)))
	return nil
}

// CallTool invokes a tool on a named server and flattens the result content
// to text.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	m.mu.RLock()
	c, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return "", apperrors.NotFound("mcp server", server)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	callResult, err := c.CallTool(ctx, callReq)
	if err != nil {
		return "", fmt.Errorf("MCP call to %s/%s failed: %w", server, tool, err)
	}

	output := formatContent(callResult.Content)
	if callResult.IsError {
		return "", fmt.Errorf("MCP tool %s/%s reported an error: %s", server, tool, output)
	}
	return output, nil
}

// Tools returns the discovered tool set as LLM tool definitions, namespaced
// so names stay unique across servers.
func (m *Manager) Tools() []llm.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(m.tools))
	for _, t := range m.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        fmt.Sprintf("mcp__%s__%s", t.Server, t.Name),
			Description: fmt.Sprintf("[MCP:%s] %s", t.Server, t.Description),
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// SplitName splits a namespaced MCP tool name into server and tool. Returns
// false when the name is not MCP-namespaced.
func SplitName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "mcp__"), "__", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Close shuts down all server connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Error("failed to close MCP client",
				zap.String("server", name), zap.Error(err))
		}
	}
	m.clients = make(map[string]*mcpclient.Client)
}

func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+os.ExpandEnv(v))
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "streamable_http":
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", cfg.Transport)
	}
}

// formatContent flattens MCP content items to one string. Non-text content
// is serialized as JSON.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		required := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			required[i] = r
		}
		result["required"] = required
	}
	return result
}
