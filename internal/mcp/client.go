package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/stepwise/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list. InputSchema is
// kept raw so that property order survives into the tool registry.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the payload of a tools/call response.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all content blocks into a single string. Non-text blocks
// are described inline (e.g. "[image]").
func (r *CallResult) Text() string {
	return extractText(r.Content)
}

// ToolError is returned by CallTool when the server executed the tool
// but flagged the result with isError.
type ToolError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Message)
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Client connects to a single MCP server and provides typed access to
// initialize, tools/list and tools/call.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	serverName string
	serverVer  string
	tools      []ToolDefinition

	// handshake serializes Initialize against the re-initialization
	// check in send. initialized and initRestarts are guarded by it.
	handshake    sync.Mutex
	initialized  bool
	initRestarts uint64
}

// NewClient creates an MCP client for the named server. The transport
// decides how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// Initialize. Both are empty before a successful handshake.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification. If the transport later
// replaces the server process, the next request repeats the handshake
// first.
func (c *Client) Initialize(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	return c.initialize(ctx)
}

// initialize runs the handshake. Caller must hold c.handshake.
func (c *Client) initialize(ctx context.Context) error {
	restarts := c.restarts()
	c.initialized = false

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "stepwise",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.roundTrip(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.initialized = true
	c.initRestarts = restarts
	return nil
}

// restarts reads the transport's restart counter, or zero for
// transports that never replace the server.
func (c *Client) restarts() uint64 {
	if rc, ok := c.transport.(restartCounter); ok {
		return rc.Restarts()
	}
	return 0
}

// reinitialize repeats the handshake when the server process behind the
// transport was replaced since the last successful Initialize. A client
// that was never initialized is left alone.
func (c *Client) reinitialize(ctx context.Context) error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.initialized || c.restarts() == c.initRestarts {
		return nil
	}
	c.logger.Info("MCP server restarted, repeating handshake")
	if err := c.initialize(ctx); err != nil {
		return fmt.Errorf("re-initialize after restart: %w", err)
	}
	return nil
}

// ListTools calls tools/list, following pagination cursors, and returns
// the tool definitions. The result is cached for the client's lifetime:
// the tool set is a startup snapshot.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	all := []ToolDefinition{}
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var page toolsListResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		all = append(all, page.Tools...)

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by name. A nil args map is sent as an empty
// object, which is what no-argument tools expect. A result flagged with
// isError is returned as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	if result.IsError {
		return nil, &ToolError{Tool: name, Message: result.Text()}
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a request on an initialized session, repeating the
// handshake first if the server was restarted.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	if err := c.reinitialize(ctx); err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, method, params)
}

// roundTrip issues a request and converts protocol-level errors into Go
// errors.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(c.nextID.Add(1), method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText joins all content blocks into a single string.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
