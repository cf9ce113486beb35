// Package mcp provides the capability lookup service: tools exposed by
// external MCP servers, discovered lazily and cached for the process lifetime.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/tools"
)

// Transport kinds accepted by NewTransport.
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
)

const (
	clientName            = "shsh-tutor"
	clientVersion         = "1.0.0"
	defaultConnectTimeout = 10 * time.Second
)

// Server is a named MCP server.
type Server struct {
	Name      string
	Transport mcp.Transport
}

// NewTransport builds a client transport for an MCP server endpoint.
func NewTransport(kind, endpoint string, client *http.Client) (mcp.Transport, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	switch strings.ToLower(kind) {
	case "", TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: client}, nil
	case TransportStreamable:
		return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: client}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Manager implements tools.CapabilityLookup over a fixed set of MCP servers.
type Manager struct {
	servers        []Server
	client         *mcp.Client
	logger         *slog.Logger
	connectTimeout time.Duration

	initOnce sync.Once

	mu        sync.RWMutex
	sessions  map[string]*mcp.ClientSession
	toolOwner map[string]string
	defs      []domain.ToolDefinition
}

// NewManager creates a manager. No connection is made until first use.
func NewManager(servers []Server, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:        servers,
		client:         mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil),
		logger:         logger,
		connectTimeout: defaultConnectTimeout,
		sessions:       make(map[string]*mcp.ClientSession),
		toolOwner:      make(map[string]string),
	}
}

// initialize connects every server once. Servers that fail to connect or to
// list their tools are logged and skipped.
func (m *Manager) initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		// Sessions outlive the request that triggers the first connect.
		base := context.WithoutCancel(ctx)
		for _, srv := range m.servers {
			m.connect(base, srv)
		}
	})
}

func (m *Manager) connect(base context.Context, srv Server) {
	ctx, cancel := context.WithTimeout(base, m.connectTimeout)
	defer cancel()

	session, err := m.client.Connect(ctx, srv.Transport, nil)
	if err != nil {
		m.logger.Error("failed to connect to MCP server", "server", srv.Name, "error", err)
		return
	}

	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		m.logger.Error("failed to list MCP tools", "server", srv.Name, "error", err)
		if closeErr := session.Close(); closeErr != nil {
			m.logger.Debug("failed to close MCP session", "server", srv.Name, "error", closeErr)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[srv.Name] = session
	for _, tool := range result.Tools {
		if owner, dup := m.toolOwner[tool.Name]; dup {
			m.logger.Warn("duplicate MCP tool ignored", "tool", tool.Name, "server", srv.Name, "owner", owner)
			continue
		}
		m.toolOwner[tool.Name] = srv.Name
		m.defs = append(m.defs, toDefinition(tool))
	}
	m.logger.Info("connected to MCP server", "server", srv.Name, "tools", len(result.Tools))
}

func toDefinition(tool *mcp.Tool) domain.ToolDefinition {
	def := domain.ToolDefinition{
		Name:        tool.Name,
		Description: tool.Description,
	}
	if tool.InputSchema != nil {
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			var params map[string]any
			if json.Unmarshal(data, &params) == nil {
				def.Parameters = params
			}
		}
	}
	if def.Parameters == nil {
		def.Parameters = domain.ObjectSchema(map[string]any{})
	}
	return def
}

// ListTools implements tools.CapabilityLookup.
func (m *Manager) ListTools(ctx context.Context) ([]domain.ToolDefinition, error) {
	m.initialize(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ToolDefinition, len(m.defs))
	copy(out, m.defs)
	return out, nil
}

// CallTool implements tools.CapabilityLookup.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	m.initialize(ctx)

	m.mu.RLock()
	owner, ok := m.toolOwner[name]
	session := m.sessions[owner]
	m.mu.RUnlock()
	if !ok || session == nil {
		return "", fmt.Errorf("%w: %s not found in any MCP server", tools.ErrToolNotFound, name)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("tool execution failed: %w", err)
	}
	text := joinText(result.Content)
	if result.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("tool execution failed: %s", text)
	}
	if text == "" {
		return "No content returned", nil
	}
	return text, nil
}

func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close closes every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(m.sessions, name)
	}
	return errors.Join(errs...)
}

// Ensure Manager implements tools.CapabilityLookup.
var _ tools.CapabilityLookup = (*Manager)(nil)
