package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parlorhq/parlor/internal/mcp"
)

// ToolCaller dispatches one tool call to a specific server. Satisfied by the
// MCP manager.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (*mcp.CallResult, error)
}

// Bridge is the loopback HTTP endpoint sandboxed scripts call tools through.
// It binds an ephemeral port on 127.0.0.1 only; nothing off the machine can
// reach it, and the port is handed to the child via environment.
type Bridge struct {
	caller ToolCaller
	logger *slog.Logger
	server *http.Server
	port   int
}

type bridgeRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

type bridgeResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewBridge(caller ToolCaller) *Bridge {
	return &Bridge{
		caller: caller,
		logger: slog.Default().With("component", "sandbox_bridge"),
	}
}

// Start binds the listener and begins serving. Returns the bound port.
func (b *Bridge) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind bridge listener: %w", err)
	}
	b.port = listener.Addr().(*net.TCPAddr).Port

	router := chi.NewRouter()
	router.Post("/call-tool", b.handleCallTool)
	b.server = &http.Server{Handler: router}

	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bridge server error", "error", err)
		}
	}()
	return b.port, nil
}

// Stop shuts the bridge down, dropping any in-flight calls.
func (b *Bridge) Stop() {
	if b.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.server.Shutdown(ctx)
}

func (b *Bridge) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBridgeResponse(w, bridgeResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeBridgeResponse(w, bridgeResponse{Error: "server and tool are required"})
		return
	}

	result, err := b.caller.CallTool(r.Context(), mcp.ServerID(req.Server), req.Tool, req.Args)
	if err != nil {
		writeBridgeResponse(w, bridgeResponse{Error: err.Error()})
		return
	}
	text := result.Text()
	if result.IsError {
		writeBridgeResponse(w, bridgeResponse{Error: text})
		return
	}
	writeBridgeResponse(w, bridgeResponse{Result: text})
}

func writeBridgeResponse(w http.ResponseWriter, resp bridgeResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
