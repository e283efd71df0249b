// Package toolserver manages connections to remote tool servers over the MCP
// protocol and performs tool invocations against them. Each tool server is an
// opaque RPC endpoint advertising named, schema-described tools.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/registry"
)

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type conn struct {
	id        string
	url       string
	client    mcpClient
	toolCount int
	createdAt time.Time
}

// Manager owns the set of live tool-server connections and keeps the registry
// in sync with their advertised tools.
type Manager struct {
	registry *registry.Registry
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	// dial is swapped in tests.
	dial func(ctx context.Context, url string) (mcpClient, error)
}

// NewManager creates a Manager registering discovered tools into reg.
func NewManager(reg *registry.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry: reg,
		logger:   logger,
		conns:    make(map[string]*conn),
		dial:     dialStreamableHTTP,
	}
}

func dialStreamableHTTP(ctx context.Context, url string) (mcpClient, error) {
	t, err := transport.NewStreamableHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}
	return c, nil
}

// Connect performs the capability-discovery handshake against the tool server
// at url. On success the server's tools are registered under a new connection
// id. On failure the registry is left untouched.
func (m *Manager) Connect(ctx context.Context, url string) (*domain.ToolServerConnection, error) {
	client, err := m.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "loom",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize %s: %w", url, err)
	}

	listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("list tools %s: %w", url, err)
	}

	c := &conn{
		id:        uuid.New().String(),
		url:       url,
		client:    client,
		toolCount: len(listed.Tools),
		createdAt: time.Now().UTC(),
	}

	descs := make([]domain.ToolDescriptor, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		descs = append(descs, domain.ToolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  marshalSchema(t.InputSchema),
			ConnectionID: c.id,
		})
	}

	collisions := m.registry.Register(c.id, descs)
	for _, col := range collisions {
		m.logger.Warn("tool server redefines an existing tool name",
			"name", col.Name, "url", url, "previous_connection", col.PreviousConn)
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.logger.Info("tool server connected", "url", url, "connection", c.id, "tools", c.toolCount)

	return &domain.ToolServerConnection{
		ID:        c.id,
		URL:       c.url,
		Connected: true,
		ToolCount: c.toolCount,
		CreatedAt: c.createdAt,
	}, nil
}

// Disconnect removes the connection's tools from the registry and closes it.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("connection not found: %s", id)
	}

	m.registry.Unregister(id)
	if err := c.client.Close(); err != nil {
		m.logger.Warn("tool server close error", "connection", id, "error", err)
	}
	m.logger.Info("tool server disconnected", "url", c.url, "connection", id)
	return nil
}

// List returns all live connections.
func (m *Manager) List() []domain.ToolServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ToolServerConnection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, domain.ToolServerConnection{
			ID:        c.id,
			URL:       c.url,
			Connected: true,
			ToolCount: c.toolCount,
			CreatedAt: c.createdAt,
		})
	}
	return out
}

// Close drops all connections and their registry entries.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for id, c := range conns {
		m.registry.Unregister(id)
		if err := c.client.Close(); err != nil {
			m.logger.Warn("tool server close error", "connection", id, "error", err)
		}
	}
}

func (m *Manager) clientFor(connID string) (mcpClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	return c.client, true
}

func marshalSchema(s mcp.ToolInputSchema) json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
