package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available from the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		application, err := newApp("")
		if err != nil {
			return err
		}
		defer application.close()

		models, err := application.gateway.ListModels(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONTEXT\tPROMPT $/M\tCOMPLETION $/M")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\n",
				m.ID, m.ContextLength, m.PromptPrice*1e6, m.CompletionPrice*1e6)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
