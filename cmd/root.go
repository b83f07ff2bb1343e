package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parlor",
	Short: "Local AI chat backend with MCP tool support",
	Long: `parlor is the backend for a local AI chat client. It talks to an
OpenRouter-compatible gateway for models, connects to MCP servers for tools,
and serves a local API that desktop shells stream conversations from.

Examples:
  parlor serve                     # start the local API server
  parlor chat "what's in /tmp?"    # one-shot chat from the terminal
  parlor mcp list                  # show configured MCP servers
  parlor models                    # list gateway models`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cobra.OnInitialize(setupLogging)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
