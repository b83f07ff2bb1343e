package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ServerStatus is the lifecycle state of one configured server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusFailed   ServerStatus = "failed"
)

// ServerState is the externally visible snapshot of one server.
type ServerState struct {
	Config ServerConfig
	Status ServerStatus
	Err    string
}

// ServerTools pairs a server with its tool catalog.
type ServerTools struct {
	ServerID   string           `json:"serverId"`
	ServerName string           `json:"serverName"`
	Tools      []ToolDescriptor `json:"tools"`
}

// SecretResolver supplies bearer tokens for http-based servers. Lookups
// happen at connect time so rotated secrets apply on the next start.
type SecretResolver interface {
	Get(name string) (string, error)
}

// connection is the runtime record for one server.
type connection struct {
	client *Client
	ring   *LogRing
	status ServerStatus
	err    string
}

// Manager owns the set of configured MCP servers and their connections. All
// tool traffic from the rest of the application routes through it.
type Manager struct {
	logger  *slog.Logger
	secrets SecretResolver

	mu      sync.Mutex
	configs []ServerConfig
	conns   map[string]*connection
	reload  func() ([]ServerConfig, error)
}

// NewManager builds a manager over the given registry. secrets may be nil
// when no configured server uses bearer auth.
func NewManager(configs []ServerConfig, secrets SecretResolver) *Manager {
	m := &Manager{
		logger:  slog.Default().With("component", "mcp_manager"),
		secrets: secrets,
		configs: configs,
		conns:   make(map[string]*connection),
	}
	for _, cfg := range configs {
		m.conns[cfg.ID] = &connection{ring: NewLogRing(), status: StatusStopped}
	}
	return m
}

// StartAll brings up every enabled autoStart server in the background.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	configs := make([]ServerConfig, len(m.configs))
	copy(configs, m.configs)
	m.mu.Unlock()

	for _, cfg := range configs {
		if cfg.Disabled || !cfg.AutoStart {
			continue
		}
		m.StartServer(ctx, cfg.ID)
	}
}

// StartServer begins connecting the server in the background. Already running
// or starting servers are left alone.
func (m *Manager) StartServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	cfg, ok := m.configFor(serverID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown server %q", serverID)
	}
	conn := m.conns[serverID]
	if conn.status == StatusRunning || conn.status == StatusStarting {
		m.mu.Unlock()
		return nil
	}
	conn.status = StatusStarting
	conn.err = ""
	m.mu.Unlock()

	go m.connect(ctx, cfg, conn)
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig, conn *connection) {
	bearer, err := m.resolveBearer(cfg)
	if err != nil {
		m.fail(cfg, conn, fmt.Errorf("resolve auth secret: %w", err))
		return
	}

	client := NewClient(cfg, NewTransport(cfg, conn.ring, bearer), conn.ring)
	if err := client.Connect(ctx); err != nil {
		m.fail(cfg, conn, err)
		return
	}

	m.mu.Lock()
	conn.client = client
	conn.status = StatusRunning
	m.mu.Unlock()
	m.logger.Info("MCP server running", "server", cfg.Name)
}

func (m *Manager) fail(cfg ServerConfig, conn *connection, err error) {
	m.mu.Lock()
	conn.status = StatusFailed
	conn.err = err.Error()
	m.mu.Unlock()
	conn.ring.Append("connect failed: " + err.Error())
	m.logger.Error("MCP server failed to start", "server", cfg.Name, "error", err)
}

func (m *Manager) resolveBearer(cfg ServerConfig) (string, error) {
	if cfg.AuthKind != AuthBearer {
		return "", nil
	}
	if m.secrets == nil {
		return "", fmt.Errorf("no secret store configured")
	}
	return m.secrets.Get(cfg.AuthSecretName)
}

// StopServer disconnects the server. Stopping a stopped server is a no-op,
// so stop-then-start equals a restart regardless of prior state.
func (m *Manager) StopServer(serverID string) error {
	m.mu.Lock()
	cfg, ok := m.configFor(serverID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown server %q", serverID)
	}
	conn := m.conns[serverID]
	client := conn.client
	conn.client = nil
	conn.status = StatusStopped
	conn.err = ""
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing MCP server", "server", cfg.Name, "error", err)
		}
		conn.ring.Append("stopped")
	}
	return nil
}

// StopAll disconnects every server. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.configs))
	for _, cfg := range m.configs {
		ids = append(ids, cfg.ID)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.StopServer(id)
	}
}

// SetConfigReloader installs a function that re-reads the registry from
// disk. Once set, Servers refreshes the registry on every listing so edits
// to the config file show up without a restart.
func (m *Manager) SetConfigReloader(fn func() ([]ServerConfig, error)) {
	m.mu.Lock()
	m.reload = fn
	m.mu.Unlock()
}

// reconcile replaces the registry with a freshly loaded one. Servers still
// present keep their connection and logs; removed servers are disconnected.
// A reload error keeps the previous registry.
func (m *Manager) reconcile() {
	m.mu.Lock()
	fn := m.reload
	m.mu.Unlock()
	if fn == nil {
		return
	}
	configs, err := fn()
	if err != nil {
		m.logger.Warn("reloading MCP config failed, keeping previous registry", "error", err)
		return
	}

	m.mu.Lock()
	next := make(map[string]*connection, len(configs))
	for _, cfg := range configs {
		if conn, ok := m.conns[cfg.ID]; ok {
			next[cfg.ID] = conn
		} else {
			next[cfg.ID] = &connection{ring: NewLogRing(), status: StatusStopped}
		}
	}
	var closing []*Client
	for id, conn := range m.conns {
		if _, kept := next[id]; !kept && conn.client != nil {
			closing = append(closing, conn.client)
		}
	}
	m.configs = configs
	m.conns = next
	m.mu.Unlock()

	for _, client := range closing {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing removed MCP server", "error", err)
		}
	}
}

// Servers returns the state of every configured server in registry order.
func (m *Manager) Servers() []ServerState {
	m.reconcile()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerState, 0, len(m.configs))
	for _, cfg := range m.configs {
		conn := m.conns[cfg.ID]
		out = append(out, ServerState{Config: cfg, Status: conn.status, Err: conn.err})
	}
	return out
}

// GetStatus reports one server's state.
func (m *Manager) GetStatus(serverID string) (ServerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configFor(serverID)
	if !ok {
		return ServerState{}, fmt.Errorf("unknown server %q", serverID)
	}
	conn := m.conns[serverID]
	return ServerState{Config: cfg, Status: conn.status, Err: conn.err}, nil
}

// GetLogs returns up to max recent log lines for a server, oldest first.
func (m *Manager) GetLogs(serverID string, max int) ([]string, error) {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}
	return conn.ring.Lines(max), nil
}

// clientFor fetches the running client for a server.
func (m *Manager) clientFor(serverID string) (*Client, ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configFor(serverID)
	if !ok {
		return nil, cfg, fmt.Errorf("unknown server %q", serverID)
	}
	conn := m.conns[serverID]
	if conn.status != StatusRunning || conn.client == nil {
		return nil, cfg, fmt.Errorf("server %q: %w", cfg.Name, ErrNotConnected)
	}
	return conn.client, cfg, nil
}

// ListTools fetches the tool catalog of one running server.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]ToolDescriptor, error) {
	client, _, err := m.clientFor(serverID)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx)
}

// CallTool invokes a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (*CallResult, error) {
	client, _, err := m.clientFor(serverID)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, tool, args)
}

// GetAllTools gathers the catalogs of every running server concurrently,
// returning them in registry order. A server whose listing fails is skipped
// with a log entry; the rest of the catalog still comes back.
func (m *Manager) GetAllTools(ctx context.Context) []ServerTools {
	m.mu.Lock()
	type target struct {
		cfg    ServerConfig
		client *Client
	}
	var targets []target
	for _, cfg := range m.configs {
		conn := m.conns[cfg.ID]
		if conn.status == StatusRunning && conn.client != nil {
			targets = append(targets, target{cfg: cfg, client: conn.client})
		}
	}
	m.mu.Unlock()

	results := make([]*ServerTools, len(targets))
	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			tools, err := tg.client.ListTools(ctx)
			if err != nil {
				m.logger.Warn("tool listing failed", "server", tg.cfg.Name, "error", err)
				return
			}
			results[i] = &ServerTools{ServerID: tg.cfg.ID, ServerName: tg.cfg.Name, Tools: tools}
		}(i, tg)
	}
	wg.Wait()

	out := make([]ServerTools, 0, len(targets))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// CallToolByName dispatches a tool call by bare tool name, searching running
// servers in registry order. When two servers expose the same name the first
// wins and the collision is logged.
func (m *Manager) CallToolByName(ctx context.Context, tool string, args map[string]any) (*CallResult, error) {
	catalogs := m.GetAllTools(ctx)

	var ownerID string
	for _, st := range catalogs {
		for _, t := range st.Tools {
			if t.Name != tool {
				continue
			}
			if ownerID == "" {
				ownerID = st.ServerID
			} else {
				m.logger.Warn("tool name collision",
					"tool", tool, "using_server", ownerID, "ignored_server", st.ServerID)
			}
		}
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%q: %w", tool, ErrToolNotFound)
	}
	return m.CallTool(ctx, ownerID, tool, args)
}

// configFor must be called with m.mu held.
func (m *Manager) configFor(serverID string) (ServerConfig, bool) {
	for _, cfg := range m.configs {
		if cfg.ID == serverID {
			return cfg, true
		}
	}
	return ServerConfig{}, false
}
