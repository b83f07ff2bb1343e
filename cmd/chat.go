package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parlorhq/parlor/internal/chat"
)

var chatModel string

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run a one-shot chat turn from the terminal",
	Long: `Sends one message through the full turn pipeline, streaming the
answer to stdout. MCP tools run exactly as they would for the desktop shell.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := newApp(chatModel)
		if err != nil {
			return err
		}
		defer application.close()
		application.start(ctx)

		conv, err := application.store.CreateConversation(ctx, "")
		if err != nil {
			return err
		}

		events, unsubscribe := application.bus.Subscribe()
		defer unsubscribe()

		message := strings.Join(args, " ")
		if _, err := application.orch.RunTurn(ctx, conv.ID, message, "", application.codeMode); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				application.orch.StopTurn(conv.ID)
				fmt.Println()
				return nil
			case ev := <-events:
				switch ev.Type {
				case chat.EventDelta:
					fmt.Print(ev.Text)
				case chat.EventToolCallStart:
					fmt.Fprintf(os.Stderr, "\n[calling %s]\n", ev.ToolName)
				case chat.EventTurnError:
					fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
				case chat.EventTurnDone:
					fmt.Println()
					if ev.Usage != nil && verbose {
						fmt.Fprintf(os.Stderr, "tokens: %d in, %d out", ev.Usage.InputTokens, ev.Usage.OutputTokens)
						if ev.Usage.Cost > 0 {
							fmt.Fprintf(os.Stderr, "  cost: $%.6f", ev.Usage.Cost)
						}
						fmt.Fprintln(os.Stderr)
					}
					return nil
				}
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to use for this turn")
	rootCmd.AddCommand(chatCmd)
}
