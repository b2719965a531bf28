package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway reachability and local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}

		if _, ok := app.session.CurrentToken(); ok {
			fmt.Println("Session:  signed in")
		} else {
			fmt.Println("Session:  signed out")
		}

		if err := app.client.Health(cmd.Context()); err != nil {
			fmt.Printf("Gateway:  unreachable (%v)\n", err)
		} else {
			fmt.Println("Gateway:  ok")
		}

		fmt.Printf("Cache:    %d conversation(s)\n", len(app.cache.LoadConversations()))
		fmt.Printf("Outbox:   %d queued message(s)\n", len(app.outbox.List()))
		return nil
	},
}
