package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parlorhq/parlor/internal/rpc"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API server",
	Long: `Starts the MCP servers and serves the local HTTP API the desktop
shell connects to. Turn events stream over /api/v1/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := newApp("")
		if err != nil {
			return err
		}
		defer application.close()
		application.start(ctx)

		addr := serveAddr
		if addr == "" {
			addr = application.cfg.Serve.Addr
		}

		var nodeVersion string
		if application.runner != nil {
			if v, err := application.runner.Version(ctx); err == nil {
				nodeVersion = v
			}
		}

		server := rpc.NewServer(rpc.Deps{
			Store:         application.store,
			Turns:         application.orch,
			Models:        application.gateway,
			MCP:           application.manager,
			Secrets:       application.secrets,
			Bus:           application.bus,
			CodeMode:      application.codeMode,
			NodeAvailable: application.runner != nil,
			NodeVersion:   nodeVersion,
			DefaultModel:  application.cfg.Chat.Model,
		})
		return server.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
