package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var conversationsRemote bool

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsRemote, "remote", false, "refresh from the gateway before listing")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}

		if conversationsRemote {
			if err := app.reconciler.RefreshConversations(cmd.Context()); err != nil {
				return err
			}
		}

		convos := app.cache.LoadConversations()
		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-30s  %3d msgs  %s\n",
				c.ID, title, c.MessageCount, c.EffectiveTimestamp().Local().Format(time.DateTime))
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation on the gateway and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		if err := app.reconciler.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}
