package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a tool operation is attempted against
	// a server that has not completed the initialize handshake.
	ErrNotConnected = errors.New("mcp: server not connected")

	// ErrTransportClosed is returned for requests that were in flight when
	// the underlying transport died. Pending correlation slots are drained
	// with this error.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrToolNotFound is returned by name-based dispatch when no connected
	// server exposes the requested tool.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrRequestTimeout is returned when a single RPC exceeds the per-request
	// deadline. The connection remains usable.
	ErrRequestTimeout = errors.New("mcp: request timed out")
)

// RPCError is a JSON-RPC error object returned by a server. It fails only the
// request that produced it; the connection stays open.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}
