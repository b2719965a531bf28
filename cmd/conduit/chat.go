package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	conduit "github.com/conduit-chat/conduit-go"
)

var (
	chatConversation string
	chatStream       bool
)

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "conversation id (omit to start a new one)")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "stream the reply token by token")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <text>",
	Short: "Send a message",
	Long:  "Queue a message in the outbox and deliver it. If delivery fails the message stays queued; 'conduit sync' or 'conduit outbox retry' picks it up later.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		if chatStream {
			return runStreamingChat(ctx, app, args[0])
		}

		entry, err := app.outbox.Enqueue(args[0], chatConversation)
		if err != nil {
			return err
		}

		if err := app.reconciler.SendPending(ctx, entry.ConversationID); err != nil {
			if errors.Is(err, conduit.ErrAuthExpired) {
				return err
			}
			fmt.Printf("Message queued (delivery failed: %v). Run 'conduit sync' to retry.\n", err)
			return nil
		}

		printLatestReply(app, entry.ConversationID)
		return nil
	},
}

// runStreamingChat sends outside the outbox: deltas print as they arrive
// and the reply is cached only once the stream completes.
func runStreamingChat(ctx context.Context, app *app, text string) error {
	conversationID := chatConversation
	if conversationID == "" {
		summary, err := app.client.CreateConversation(ctx, "")
		if err != nil {
			return err
		}
		app.cache.UpsertConversations([]conduit.ConversationSummary{*summary})
		conversationID = summary.ID
		fmt.Printf("Conversation %s\n", conversationID)
	}

	reply, err := app.client.ChatStream(ctx, conversationID, text, func(delta string) {
		fmt.Print(delta)
	})
	if err != nil {
		return err
	}
	fmt.Println()

	now := time.Now().UTC()
	app.cache.UpsertMessages(conversationID, []conduit.Message{
		{Role: conduit.RoleUser, Content: text, CreatedAt: now, DeliveryState: conduit.DeliverySent},
		*reply,
	})
	count := len(app.cache.LoadMessages(conversationID))
	app.cache.UpsertConversation(conversationID, conduit.ConversationPatch{
		LastMessage:  &reply.Content,
		UpdatedAt:    &now,
		MessageCount: &count,
	})
	return nil
}

// printLatestReply shows the newest assistant message for the conversation
// the entry ended up in. When the entry started unassigned, the id is on
// whichever conversation the reconciler created; find it via the cache.
func printLatestReply(app *app, conversationID string) {
	if conversationID == "" {
		convos := app.cache.LoadConversations()
		if len(convos) == 0 {
			return
		}
		conversationID = convos[0].ID
		fmt.Printf("Conversation %s\n", conversationID)
	}
	messages := app.cache.LoadMessages(conversationID)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conduit.RoleAssistant {
			fmt.Println(messages[i].Content)
			return
		}
	}
}
