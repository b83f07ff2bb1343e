package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parlorhq/parlor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := mcp.DefaultConfigPath()
		if err != nil {
			return err
		}
		servers, skipped, err := mcp.LoadConfig(path)
		if err != nil {
			return err
		}
		for _, skipErr := range skipped {
			fmt.Fprintf(os.Stderr, "warning: %v\n", skipErr)
		}
		if len(servers) == 0 {
			fmt.Printf("No MCP servers configured (%s)\n", path)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tTARGET\tAUTOSTART\tID")
		for _, s := range servers {
			target := s.Command
			if s.Kind != mcp.KindStdio {
				target = s.URL
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.Name, s.Kind, target, s.AutoStart && !s.Disabled, s.ID)
		}
		return w.Flush()
	},
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools [server]",
	Short: "Connect to MCP servers and list their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		application, err := newApp("")
		if err != nil {
			return err
		}
		defer application.close()
		application.start(ctx)
		waitSettled(application.manager, 15*time.Second)

		catalogs := application.manager.GetAllTools(ctx)
		for _, server := range catalogs {
			if len(args) > 0 && server.ServerName != args[0] {
				continue
			}
			fmt.Printf("%s (%d tools)\n", server.ServerName, len(server.Tools))
			for _, tool := range server.Tools {
				fmt.Printf("  %-30s %s\n", tool.Name, firstDescriptionLine(tool.Description))
			}
		}
		for _, st := range application.manager.Servers() {
			if st.Status == mcp.StatusFailed {
				fmt.Fprintf(os.Stderr, "%s: failed: %s\n", st.Config.Name, st.Err)
			}
		}
		return nil
	},
}

var mcpCallCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-args]",
	Short: "Call a tool on an MCP server and print the result",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		toolArgs := map[string]any{}
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
				return fmt.Errorf("parse arguments: %w", err)
			}
		}

		application, err := newApp("")
		if err != nil {
			return err
		}
		defer application.close()
		application.start(ctx)
		waitSettled(application.manager, 15*time.Second)

		result, err := application.manager.CallTool(ctx, mcp.ServerID(args[0]), args[1], toolArgs)
		if err != nil {
			return err
		}
		if result.IsError {
			fmt.Fprintf(os.Stderr, "tool error:\n%s\n", result.Text())
			return fmt.Errorf("tool reported an error")
		}
		fmt.Println(result.Text())
		return nil
	},
}

var mcpLogsCmd = &cobra.Command{
	Use:   "logs <server>",
	Short: "Connect to an MCP server and dump its log ring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		application, err := newApp("")
		if err != nil {
			return err
		}
		defer application.close()

		id := mcp.ServerID(args[0])
		if err := application.manager.StartServer(ctx, id); err != nil {
			return err
		}
		waitSettled(application.manager, 15*time.Second)

		lines, err := application.manager.GetLogs(id, 0)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

// waitSettled blocks until no server is still starting or the timeout passes.
// Bring-up is asynchronous; commands that need live connections call this.
func waitSettled(manager *mcp.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if allSettled(manager.Servers()) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func allSettled(states []mcp.ServerState) bool {
	for _, st := range states {
		if st.Status == mcp.StatusStarting {
			return false
		}
	}
	return true
}

func firstDescriptionLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpToolsCmd)
	mcpCmd.AddCommand(mcpCallCmd)
	mcpCmd.AddCommand(mcpLogsCmd)
	rootCmd.AddCommand(mcpCmd)
}
