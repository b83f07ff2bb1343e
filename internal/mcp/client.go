package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

// rpcTimeout bounds each individual request. Tool calls against slow servers
// fail the call, not the connection.
const rpcTimeout = 30 * time.Second

// ToolDescriptor is one entry of a server's tools/list result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolContent is one block of a tools/call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the payload of a successful tools/call.
type CallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text joins the textual content blocks of the result. Results with no text
// blocks render as the raw JSON of the content array so the model still sees
// something actionable.
func (r *CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		raw, err := json.Marshal(r.Content)
		if err != nil || len(r.Content) == 0 {
			return ""
		}
		return string(raw)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

// ServerInfo is the server identity reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Client speaks MCP over one transport. It owns request correlation: ids are
// allocated from a monotonic counter and each in-flight request parks on a
// single-shot channel until the demux loop delivers its response or the
// transport dies.
type Client struct {
	config    ServerConfig
	transport Transport
	ring      *LogRing
	logger    *slog.Logger

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	closed  bool

	serverInfo ServerInfo
	wg         sync.WaitGroup
}

// NewClient wraps a transport. Connect must be called before tool operations.
func NewClient(cfg ServerConfig, transport Transport, ring *LogRing) *Client {
	return &Client{
		config:    cfg,
		transport: transport,
		ring:      ring,
		logger:    slog.Default().With("mcp_server", cfg.Name),
		pending:   make(map[int64]chan *rpcResponse),
	}
}

// Connect starts the transport and runs the initialize handshake. A rejected
// notifications/initialized is tolerated; some servers do not accept it.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	c.wg.Add(1)
	go c.demuxLoop()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parlor",
			"version": "1.0.0",
		},
	}
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var init struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err == nil {
		c.serverInfo = init.ServerInfo
		c.logger.Info("connected to MCP server",
			"server_name", init.ServerInfo.Name,
			"server_version", init.ServerInfo.Version,
			"protocol", init.ProtocolVersion)
		c.ring.Append(fmt.Sprintf("initialized: %s %s", init.ServerInfo.Name, init.ServerInfo.Version))
	}

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification rejected", "error", err)
		c.ring.Append("initialized notification rejected: " + err.Error())
	}
	return nil
}

// ServerInfo reports the identity from the initialize handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// ListTools fetches the server's tool catalog. A malformed result degrades to
// an empty catalog with a log entry rather than failing the connection.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		c.logger.Warn("malformed tools/list result", "error", err)
		c.ring.Append("malformed tools/list result: " + err.Error())
		return nil, nil
	}
	return payload.Tools, nil
}

// CallTool invokes one tool. args may be nil for tools without parameters.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var out CallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &out, nil
}

// Close tears down the transport and fails every in-flight request.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.wg.Wait()
	return err
}

// call sends one request and waits for its correlated response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	slot := make(chan *rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.pending[id] = slot
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	msg, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	if err := c.transport.Send(ctx, msg); err != nil {
		cleanup()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-slot:
		if !ok || resp == nil {
			return nil, ErrTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		cleanup()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
		}
		return nil, ctx.Err()
	}
}

// notify sends a notification; no response is expected.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return c.transport.Send(ctx, msg)
}

// demuxLoop routes inbound frames to their correlation slots. When the frames
// channel closes the loop drains every pending slot so blocked callers fail
// with ErrTransportClosed instead of hanging.
func (c *Client) demuxLoop() {
	defer c.wg.Done()

	for frame := range c.transport.Frames() {
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			c.ring.Append("unparseable frame: " + err.Error())
			continue
		}
		if resp.ID == nil {
			// Server-initiated notification; log it and move on.
			if resp.Method != "" {
				c.ring.Append("notification: " + resp.Method)
			}
			continue
		}

		c.mu.Lock()
		slot, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			// Late response to a timed-out or cancelled request.
			c.ring.Append(fmt.Sprintf("unmatched response id %d", *resp.ID))
			continue
		}
		slot <- &resp
	}

	c.mu.Lock()
	c.closed = true
	drained := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	for _, slot := range drained {
		close(slot)
	}
}
