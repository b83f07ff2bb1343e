package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/sandbox"
	"github.com/parlorhq/parlor/internal/secrets"
	"github.com/parlorhq/parlor/internal/store"
)

// app is the wired application: every command builds one and tears it down.
type app struct {
	cfg      *config.Config
	store    *store.Store
	secrets  *secrets.FileStore
	manager  *mcp.Manager
	gateway  *llm.Gateway
	runner   *sandbox.Runner
	orch     *chat.Orchestrator
	bus      *chat.Bus
	codeMode bool
}

func newApp(model string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(model)

	secretsPath, err := secrets.DefaultPath()
	if err != nil {
		return nil, err
	}
	sec, err := secrets.OpenFile(secretsPath)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.DataDir
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	mcpPath, err := mcp.DefaultConfigPath()
	if err != nil {
		st.Close()
		return nil, err
	}
	servers, skipped, err := mcp.LoadConfig(mcpPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load mcp config: %w", err)
	}
	for _, skipErr := range skipped {
		slog.Warn("skipping invalid MCP server entry", "error", skipErr)
	}
	manager := mcp.NewManager(servers, sec)
	manager.SetConfigReloader(func() ([]mcp.ServerConfig, error) {
		reloaded, skippedNow, err := mcp.LoadConfig(mcpPath)
		if err != nil {
			return nil, err
		}
		for _, skipErr := range skippedNow {
			slog.Warn("skipping invalid MCP server entry", "error", skipErr)
		}
		return reloaded, nil
	})

	gateway := llm.NewGateway(llm.GatewayConfig{
		BaseURL:    cfg.Gateway.BaseURL,
		SecretName: cfg.Gateway.SecretName,
		AppURL:     cfg.Gateway.AppURL,
		AppTitle:   cfg.Gateway.AppTitle,
	}, sec)

	var runner *sandbox.Runner
	codeMode := cfg.CodeMode.Enabled
	if codeMode {
		runner = sandbox.NewRunner(cfg.CodeMode.Node, manager, manager)
		if !runner.Available() {
			slog.Warn("code mode enabled but node not found; falling back to direct tools")
			codeMode = false
			runner = nil
		}
	}

	bus := chat.NewBus()
	var chatRunner chat.CodeRunner
	if runner != nil {
		chatRunner = runner
	}
	orch := chat.NewOrchestrator(gateway, manager, chatRunner, st, bus, chat.Options{
		DefaultModel: cfg.Chat.Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
	})

	return &app{
		cfg:      cfg,
		store:    st,
		secrets:  sec,
		manager:  manager,
		gateway:  gateway,
		runner:   runner,
		orch:     orch,
		bus:      bus,
		codeMode: codeMode,
	}, nil
}

// start brings up the autostart MCP servers.
func (a *app) start(ctx context.Context) {
	a.manager.StartAll(ctx)
}

func (a *app) close() {
	a.manager.StopAll()
	a.store.Close()
}
