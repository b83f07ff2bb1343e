package mcp

import (
	"context"
	"errors"
	"testing"
)

// runningManager builds a manager whose servers are already connected to
// scripted fake transports, bypassing real process spawning.
func runningManager(t *testing.T, servers map[string][]ToolDescriptor, order []string) *Manager {
	t.Helper()
	var configs []ServerConfig
	for _, name := range order {
		configs = append(configs, ServerConfig{
			ID: ServerID(name), Name: name, Kind: KindStdio, Command: "fake", AutoStart: true,
		})
	}
	m := NewManager(configs, nil)
	for _, cfg := range configs {
		tools := servers[cfg.Name]
		client := NewClient(cfg, newFakeTransport(okHandler(tools)), m.conns[cfg.ID].ring)
		if err := client.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", cfg.Name, err)
		}
		m.conns[cfg.ID].client = client
		m.conns[cfg.ID].status = StatusRunning
	}
	t.Cleanup(m.StopAll)
	return m
}

func TestManagerGetAllToolsRegistryOrder(t *testing.T) {
	m := runningManager(t, map[string][]ToolDescriptor{
		"alpha": {{Name: "read_file"}},
		"beta":  {{Name: "search"}},
	}, []string{"alpha", "beta"})

	catalogs := m.GetAllTools(context.Background())
	if len(catalogs) != 2 {
		t.Fatalf("got %d catalogs, want 2", len(catalogs))
	}
	if catalogs[0].ServerName != "alpha" || catalogs[1].ServerName != "beta" {
		t.Errorf("order = %s, %s; want alpha, beta", catalogs[0].ServerName, catalogs[1].ServerName)
	}
}

func TestManagerCallToolByNameFirstMatch(t *testing.T) {
	m := runningManager(t, map[string][]ToolDescriptor{
		"alpha": {{Name: "search"}},
		"beta":  {{Name: "search"}},
	}, []string{"alpha", "beta"})

	res, err := m.CallToolByName(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text() != "ok" {
		t.Errorf("result = %q", res.Text())
	}

	_, err = m.CallToolByName(context.Background(), "absent", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	m := runningManager(t, map[string][]ToolDescriptor{"alpha": nil}, []string{"alpha"})
	id := ServerID("alpha")

	if err := m.StopServer(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.StopServer(id); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	state, err := m.GetStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", state.Status)
	}

	_, err = m.ListTools(context.Background(), id)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestManagerServersReloadsConfig(t *testing.T) {
	m := runningManager(t, map[string][]ToolDescriptor{"alpha": {{Name: "read_file"}}}, []string{"alpha"})

	registry := []ServerConfig{
		{ID: ServerID("alpha"), Name: "alpha", Kind: KindStdio, Command: "fake"},
		{ID: ServerID("beta"), Name: "beta", Kind: KindStdio, Command: "fake"},
	}
	var reloadErr error
	m.SetConfigReloader(func() ([]ServerConfig, error) {
		if reloadErr != nil {
			return nil, reloadErr
		}
		out := make([]ServerConfig, len(registry))
		copy(out, registry)
		return out, nil
	})

	states := m.Servers()
	if len(states) != 2 {
		t.Fatalf("got %d servers, want 2", len(states))
	}
	if states[0].Config.Name != "alpha" || states[0].Status != StatusRunning {
		t.Errorf("alpha = %s/%s, want alpha running", states[0].Config.Name, states[0].Status)
	}
	if states[1].Config.Name != "beta" || states[1].Status != StatusStopped {
		t.Errorf("beta = %s/%s, want beta stopped", states[1].Config.Name, states[1].Status)
	}

	reloadErr = errors.New("disk trouble")
	if got := len(m.Servers()); got != 2 {
		t.Errorf("after failed reload got %d servers, want previous 2", got)
	}

	reloadErr = nil
	registry = registry[1:]
	states = m.Servers()
	if len(states) != 1 || states[0].Config.Name != "beta" {
		t.Fatalf("states = %+v, want just beta", states)
	}
	if _, err := m.GetStatus(ServerID("alpha")); err == nil {
		t.Error("removed server should be unknown")
	}
}

func TestManagerUnknownServer(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.StartServer(context.Background(), "nope"); err == nil {
		t.Error("start of unknown server should fail")
	}
	if _, err := m.GetLogs("nope", 10); err == nil {
		t.Error("logs of unknown server should fail")
	}
}
