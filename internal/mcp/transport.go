package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries serialized JSON-RPC messages to and from one MCP server.
// Inbound objects (responses and notifications alike) arrive on Frames; the
// channel is closed when the transport dies, which the client uses to drain
// its correlation map. Correlation itself lives in the Client, keeping every
// transport a dumb pipe.
type Transport interface {
	// Start establishes the connection: spawns the subprocess, opens the
	// event stream, or verifies the endpoint, depending on the kind.
	Start(ctx context.Context) error

	// Send writes one serialized JSON-RPC message.
	Send(ctx context.Context, msg []byte) error

	// Frames yields inbound JSON-RPC objects in arrival order.
	Frames() <-chan json.RawMessage

	// Close tears the connection down. Idempotent and best-effort: the
	// subprocess or stream is reaped even on the error path.
	Close() error
}

// NewTransport builds the transport for a server config. bearerToken is the
// resolved secret for http-based kinds with bearer auth, empty otherwise.
func NewTransport(cfg ServerConfig, ring *LogRing, bearerToken string) Transport {
	switch cfg.Kind {
	case KindHTTP:
		return newHTTPTransport(cfg, ring, bearerToken)
	case KindLegacySSE:
		return newSSETransport(cfg, ring, bearerToken)
	default:
		return newStdioTransport(cfg, ring)
	}
}

// frameChanCapacity buffers inbound frames so a slow demultiplexer does not
// stall the reader loop on bursts of notifications.
const frameChanCapacity = 64

// jsonrpcVersion is fixed by the MCP wire protocol.
const jsonrpcVersion = "2.0"

// rpcRequest is an outbound JSON-RPC request or, with ID zero, a notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an inbound JSON-RPC object. ID is a pointer so notifications
// (no id member) are distinguishable from id 0.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
