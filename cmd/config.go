package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/secrets"
	"github.com/parlorhq/parlor/internal/store"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration and file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		configDir, err := config.GetConfigDir()
		if err != nil {
			return err
		}
		mcpPath, err := mcp.DefaultConfigPath()
		if err != nil {
			return err
		}
		dbPath := cfg.DataDir
		if dbPath == "" {
			dbPath, err = store.DefaultDBPath()
			if err != nil {
				return err
			}
		}
		secretsPath, err := secrets.DefaultPath()
		if err != nil {
			return err
		}

		fmt.Printf("config file:    %s\n", filepath.Join(configDir, "config.yaml"))
		fmt.Printf("mcp servers:    %s\n", mcpPath)
		fmt.Printf("database:       %s\n", dbPath)
		fmt.Printf("secrets:        %s\n", secretsPath)
		fmt.Println()
		fmt.Printf("gateway:        %s\n", cfg.Gateway.BaseURL)
		fmt.Printf("gateway secret: %s\n", cfg.Gateway.SecretName)
		fmt.Printf("default model:  %s\n", cfg.Chat.Model)
		fmt.Printf("code mode:      %v\n", cfg.CodeMode.Enabled)
		fmt.Printf("serve addr:     %s\n", cfg.Serve.Addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
