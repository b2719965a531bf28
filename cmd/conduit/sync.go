package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

func contextWithSendTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 5*time.Minute)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued messages and refresh the conversation list",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := contextWithSendTimeout(cmd)
		defer cancel()

		if err := app.reconciler.SendAll(ctx); err != nil {
			return err
		}
		if err := app.reconciler.RefreshConversations(ctx); err != nil {
			return err
		}

		remaining := len(app.outbox.List())
		if remaining > 0 {
			fmt.Printf("Sync finished; %d message(s) still queued.\n", remaining)
		} else {
			fmt.Println("Sync finished.")
		}
		return nil
	},
}
