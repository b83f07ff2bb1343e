package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/secrets"
	"github.com/parlorhq/parlor/internal/store"
)

const readTimeout = 30 * time.Second

// TurnRunner starts and stops chat turns.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID, userText, model string, codeMode bool) (string, error)
	StopTurn(conversationID string) bool
}

// ModelLister fetches the gateway model catalog and checks connectivity.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
	TestConnection(ctx context.Context, model string) error
}

// MCPManager is the slice of the manager surface the API exposes.
type MCPManager interface {
	Servers() []mcp.ServerState
	StartServer(ctx context.Context, serverID string) error
	StopServer(serverID string) error
	GetLogs(serverID string, max int) ([]string, error)
	ListTools(ctx context.Context, serverID string) ([]mcp.ToolDescriptor, error)
	GetAllTools(ctx context.Context) []mcp.ServerTools
}

// Deps wires the server to the rest of the application.
type Deps struct {
	Store   *store.Store
	Turns   TurnRunner
	Models  ModelLister
	MCP     MCPManager
	Secrets secrets.Store
	Bus     *chat.Bus

	CodeMode      bool
	NodeAvailable bool
	NodeVersion   string
	DefaultModel  string
}

// Server is the local HTTP API the desktop shell talks to. It binds loopback
// only; there is no auth because nothing off the machine can reach it.
type Server struct {
	deps   Deps
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.Default().With("component", "rpc"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/health", s.handleHealth)
	router.Get("/api/v1/ws", s.handleWS)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Patch("/conversations/{id}", s.handleUpdateConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)

		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Post("/conversations/{id}/messages", s.handleSendMessage)
		r.Post("/conversations/{id}/stop", s.handleStopTurn)

		r.Get("/models", s.handleListModels)

		r.Get("/mcp/servers", s.handleListServers)
		r.Post("/mcp/servers/{id}/start", s.handleStartServer)
		r.Post("/mcp/servers/{id}/stop", s.handleStopServer)
		r.Get("/mcp/servers/{id}/logs", s.handleServerLogs)
		r.Get("/mcp/servers/{id}/tools", s.handleServerTools)
		r.Get("/mcp/tools", s.handleAllTools)
		r.Get("/mcp/tools/search", s.handleSearchTools)

		r.Get("/settings/secrets", s.handleListSecrets)
		r.Put("/settings/secrets/{name}", s.handleSetSecret)
		r.Delete("/settings/secrets/{name}", s.handleDeleteSecret)
		r.Post("/settings/test-gateway", s.handleTestGateway)

		r.Get("/codemode", s.handleCodeMode)
	})

	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := s.deps.Store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Title  *string `json:"title"`
		Pinned *bool   `json:"pinned"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Title != nil {
		if err := s.deps.Store.RenameConversation(r.Context(), id, *req.Title); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := s.deps.Store.SetPinned(r.Context(), id, *req.Pinned); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	conv, err := s.deps.Store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Store.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Content  string `json:"content"`
		Model    string `json:"model"`
		CodeMode *bool  `json:"codeMode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	if _, err := s.deps.Store.GetConversation(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	// Code mode is chosen per message; an absent field means the configured
	// default.
	codeMode := s.deps.CodeMode
	if req.CodeMode != nil {
		codeMode = *req.CodeMode
	}
	messageID, err := s.deps.Turns.RunTurn(r.Context(), id, req.Content, req.Model, codeMode)
	if err != nil {
		if errors.Is(err, chat.ErrTurnActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"messageId": messageID})
}

func (s *Server) handleStopTurn(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Turns.StopTurn(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Models.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleCodeMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       s.deps.CodeMode,
		"nodeAvailable": s.deps.NodeAvailable,
		"nodeVersion":   s.deps.NodeVersion,
	})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
