package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parlorhq/parlor/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored secrets (API keys, bearer tokens)",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret, reading the value from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := secrets.DefaultPath()
		if err != nil {
			return err
		}
		store, err := secrets.OpenFile(path)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Enter value for %q: ", args[0])
		reader := bufio.NewReader(os.Stdin)
		value, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("empty value")
		}
		return store.Set(args[0], value)
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := secrets.DefaultPath()
		if err != nil {
			return err
		}
		store, err := secrets.OpenFile(path)
		if err != nil {
			return err
		}
		return store.Delete(args[0])
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := secrets.DefaultPath()
		if err != nil {
			return err
		}
		store, err := secrets.OpenFile(path)
		if err != nil {
			return err
		}
		names := store.Names()
		if len(names) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretListCmd)
	rootCmd.AddCommand(secretCmd)
}
