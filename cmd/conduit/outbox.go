package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxDiscardCmd)
	rootCmd.AddCommand(outboxCmd)
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage queued messages",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		entries := app.outbox.List()
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, e := range entries {
			conv := e.ConversationID
			if conv == "" {
				conv = "(new conversation)"
			}
			fmt.Printf("%s  %-8s  retries=%d  %s  %q\n",
				e.ID, e.Status, e.RetryCount, conv, truncate(e.Message, 40))
		}
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed message now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		if err := app.outbox.ResetForManualRetry(args[0]); err != nil {
			return err
		}
		ctx, cancel := contextWithSendTimeout(cmd)
		defer cancel()
		return app.reconciler.SendAll(ctx)
	},
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a queued message without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		if err := app.outbox.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s\n", args[0])
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
