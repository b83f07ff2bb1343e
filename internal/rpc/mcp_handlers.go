package rpc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/mcp"
)

// serverView is the wire form of one server's state.
type serverView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	states := s.deps.MCP.Servers()
	views := make([]serverView, 0, len(states))
	for _, st := range states {
		views = append(views, serverView{
			ID:       st.Config.ID,
			Name:     st.Config.Name,
			Kind:     string(st.Config.Kind),
			Status:   string(st.Status),
			Error:    st.Err,
			Disabled: st.Config.Disabled,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.MCP.StartServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.MCP.StopServer(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := s.deps.MCP.GetLogs(chi.URLParam(r, "id"), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.deps.MCP.ListTools(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "unknown server") {
			status = http.StatusNotFound
		} else if errors.Is(err, mcp.ErrNotConnected) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	if tools == nil {
		tools = []mcp.ToolDescriptor{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleAllTools(w http.ResponseWriter, r *http.Request) {
	catalogs := s.deps.MCP.GetAllTools(r.Context())
	if catalogs == nil {
		catalogs = []mcp.ServerTools{}
	}
	writeJSON(w, http.StatusOK, catalogs)
}

func (s *Server) handleSearchTools(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	detail := r.URL.Query().Get("detail")
	result := chat.SearchTools(s.deps.MCP.GetAllTools(r.Context()), query, detail)
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}
