package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/secrets"
	"github.com/parlorhq/parlor/internal/store"
)

type fakeTurns struct {
	ran      []string
	codeMode []bool
	stopped  []string
	err      error
}

func (f *fakeTurns) RunTurn(ctx context.Context, conversationID, userText, model string, codeMode bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ran = append(f.ran, conversationID+":"+userText)
	f.codeMode = append(f.codeMode, codeMode)
	return "msg-1", nil
}

func (f *fakeTurns) StopTurn(conversationID string) bool {
	f.stopped = append(f.stopped, conversationID)
	return true
}

type fakeModels struct {
	err    error
	tested []string
}

func (f *fakeModels) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []llm.ModelInfo{{ID: "a/one", Name: "One"}}, nil
}

func (f *fakeModels) TestConnection(ctx context.Context, model string) error {
	f.tested = append(f.tested, model)
	return f.err
}

type fakeMCP struct {
	states  []mcp.ServerState
	started []string
	stopped []string
}

func (f *fakeMCP) Servers() []mcp.ServerState { return f.states }

func (f *fakeMCP) StartServer(ctx context.Context, serverID string) error {
	f.started = append(f.started, serverID)
	return nil
}

func (f *fakeMCP) StopServer(serverID string) error {
	f.stopped = append(f.stopped, serverID)
	return nil
}

func (f *fakeMCP) GetLogs(serverID string, max int) ([]string, error) {
	return []string{"line one"}, nil
}

func (f *fakeMCP) ListTools(ctx context.Context, serverID string) ([]mcp.ToolDescriptor, error) {
	return []mcp.ToolDescriptor{{Name: "read_file"}}, nil
}

func (f *fakeMCP) GetAllTools(ctx context.Context) []mcp.ServerTools {
	return []mcp.ServerTools{{ServerID: "id1", ServerName: "files", Tools: []mcp.ToolDescriptor{{Name: "read_file"}}}}
}

type testEnv struct {
	server  *httptest.Server
	store   *store.Store
	turns   *fakeTurns
	models  *fakeModels
	mcp     *fakeMCP
	secrets *secrets.FileStore
	bus     *chat.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "rpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sec, err := secrets.OpenFile(filepath.Join(t.TempDir(), "secrets.json"))
	require.NoError(t, err)

	env := &testEnv{
		store:   st,
		turns:   &fakeTurns{},
		models:  &fakeModels{},
		mcp:     &fakeMCP{},
		secrets: sec,
		bus:     chat.NewBus(),
	}
	srv := NewServer(Deps{
		Store:        st,
		Turns:        env.turns,
		Models:       env.models,
		MCP:          env.mcp,
		Secrets:      sec,
		Bus:          env.bus,
		DefaultModel: "a/one",
	})
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/v1/conversations", map[string]string{"title": "test chat"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv store.Conversation
	require.NoError(t, json.Unmarshal(body, &conv))
	assert.Equal(t, "test chat", conv.Title)

	resp, body = env.do(t, "GET", "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []store.Conversation
	require.NoError(t, json.Unmarshal(body, &convs))
	require.Len(t, convs, 1)

	resp, body = env.do(t, "PATCH", "/api/v1/conversations/"+conv.ID,
		map[string]any{"title": "renamed", "pinned": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated store.Conversation
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "renamed", updated.Title)
	assert.True(t, updated.Pinned)

	resp, _ = env.do(t, "DELETE", "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	conv, err := env.store.CreateConversation(context.Background(), "t")
	require.NoError(t, err)

	resp, body := env.do(t, "POST", "/api/v1/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(body), "msg-1")
	require.Len(t, env.turns.ran, 1)
	assert.Equal(t, conv.ID+":hello", env.turns.ran[0])
	assert.False(t, env.turns.codeMode[0], "default is the configured mode")

	// Code mode can be requested per message.
	resp, _ = env.do(t, "POST", "/api/v1/conversations/"+conv.ID+"/messages",
		map[string]any{"content": "run some js", "codeMode": true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, env.turns.codeMode[1])

	// Empty content rejected.
	resp, _ = env.do(t, "POST", "/api/v1/conversations/"+conv.ID+"/messages",
		map[string]string{"content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown conversation.
	resp, _ = env.do(t, "POST", "/api/v1/conversations/nope/messages",
		map[string]string{"content": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Live turn conflict.
	env.turns.err = chat.ErrTurnActive
	resp, _ = env.do(t, "POST", "/api/v1/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, "POST", "/api/v1/conversations/"+conv.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "true")
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "GET", "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "a/one")
}

func TestMCPEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.mcp.states = []mcp.ServerState{{
		Config: mcp.ServerConfig{ID: "id1", Name: "files", Kind: mcp.KindStdio},
		Status: mcp.StatusRunning,
	}}

	resp, body := env.do(t, "GET", "/api/v1/mcp/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"files"`)
	assert.Contains(t, string(body), `"running"`)

	resp, _ = env.do(t, "POST", "/api/v1/mcp/servers/id1/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"id1"}, env.mcp.started)

	resp, _ = env.do(t, "POST", "/api/v1/mcp/servers/id1/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, "GET", "/api/v1/mcp/servers/id1/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "line one")

	resp, body = env.do(t, "GET", "/api/v1/mcp/tools", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "read_file")

	resp, body = env.do(t, "GET", "/api/v1/mcp/tools/search?q=read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "files/read_file")

	resp, body = env.do(t, "GET", "/api/v1/mcp/tools/search?q=zzz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "No tools matched.")
}

func TestSecretsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "GET", "/api/v1/settings/secrets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []secretView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "OpenRouter", views[0].Name)
	assert.False(t, views[0].Set)

	resp, _ = env.do(t, "PUT", "/api/v1/settings/secrets/OpenRouter",
		map[string]string{"value": "sk-test"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, env.secrets.Has("OpenRouter"))

	// The value must never come back through the API.
	_, body = env.do(t, "GET", "/api/v1/settings/secrets", nil)
	assert.NotContains(t, string(body), "sk-test")

	resp, _ = env.do(t, "DELETE", "/api/v1/settings/secrets/OpenRouter", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, env.secrets.Has("OpenRouter"))
}

func TestGatewayTestEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "POST", "/api/v1/settings/test-gateway", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)
	require.Equal(t, []string{"a/one"}, env.models.tested)

	// An explicit model overrides the default.
	resp, _ = env.do(t, "POST", "/api/v1/settings/test-gateway",
		map[string]string{"model": "b/two"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "b/two", env.models.tested[1])

	// A failing gateway reports the error without a 5xx.
	env.models.err = errors.New("401 unauthorized")
	resp, body = env.do(t, "POST", "/api/v1/settings/test-gateway", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":false`)
	assert.Contains(t, string(body), "unauthorized")
}

func TestWebSocketEventPush(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	require.Eventually(t, func() bool {
		env.bus.Publish(chat.Event{Type: chat.EventDelta, ConversationID: "c1", Text: "hi"})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var ev chat.Event
		return conn.ReadJSON(&ev) == nil && ev.Text == "hi"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"status":"ok"}`, strings.TrimSpace(string(body)))
}
