package rpc

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
)

// wellKnownSecrets always show up in the settings list so the UI can offer
// them even before they are set.
var wellKnownSecrets = []string{"OpenRouter"}

// secretView reports presence only; values never leave the secret store.
type secretView struct {
	Name string `json:"name"`
	Set  bool   `json:"set"`
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names := map[string]bool{}
	for _, name := range wellKnownSecrets {
		names[name] = s.deps.Secrets.Has(name)
	}
	// Bearer secrets referenced by MCP config show up too.
	for _, st := range s.deps.MCP.Servers() {
		if name := st.Config.AuthSecretName; name != "" {
			names[name] = s.deps.Secrets.Has(name)
		}
	}

	views := make([]secretView, 0, len(names))
	for name, set := range names {
		views = append(views, secretView{Name: name, Set: set})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, errors.New("value is required"))
		return
	}
	if err := s.deps.Secrets.Set(name, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Secrets.Delete(chi.URLParam(r, "name")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestGateway runs a one-token completion so the UI can tell the user
// whether the saved API key works before they start a conversation.
func (s *Server) handleTestGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	model := req.Model
	if model == "" {
		model = s.deps.DefaultModel
	}
	if err := s.deps.Models.TestConnection(r.Context(), model); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
