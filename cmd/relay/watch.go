package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	relay "github.com/relay-im/relay-go"
)

var watchConversation string

func init() {
	watchCmd.Flags().StringVarP(&watchConversation, "conversation", "c", "", "conversation id to follow at the fast interval")
	rootCmd.AddCommand(watchCmd)
}

// terminalSink prints notifications and sound cues to stdout. It stands in
// for the toast/audio layer a GUI host would plug in.
type terminalSink struct{}

func (terminalSink) Notify(n relay.Notification) {
	if n.Count == 1 {
		fmt.Printf("  [notify] 1 new message in %s\n", n.ConversationID)
		return
	}
	fmt.Printf("  [notify] %d new messages in %s\n", n.Count, n.ConversationID)
}

func (terminalSink) PlaySound(s relay.SoundEffect) {
	fmt.Printf("  [sound] %s\n", s)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine and print updates",
	Long:  "Start the polling sync engine and print conversation, message, typing,\nand presence updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, session, err := clientFromConfig(cfg)
		if err != nil {
			return err
		}

		engine := relay.NewEngine(client, session, &relay.EngineOptions{Sink: terminalSink{}})

		engine.On(relay.EventConversationsUpdated, func(event string, payload any) {
			convs, ok := payload.([]relay.Conversation)
			if !ok {
				return
			}
			fmt.Printf("conversations: %d\n", len(convs))
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = c.OtherParticipantID
				}
				fmt.Printf("  %s  %s\n", c.ID, title)
			}
		})
		engine.On(relay.EventMessagesUpdated, func(event string, payload any) {
			id, ok := payload.(string)
			if !ok {
				return
			}
			entry, ok := engine.Entry(id)
			if !ok {
				return
			}
			fmt.Printf("messages in %s: %d\n", id, len(entry.Messages))
			for _, m := range entry.Messages {
				marker := " "
				if m.State == relay.MessageStatePending {
					marker = "?"
				}
				fmt.Printf(" %s %s  %s: %s\n", marker, m.CreatedAt, m.SenderID, m.Content)
			}
		})
		engine.On(relay.EventTypingUpdated, func(event string, payload any) {
			users, ok := payload.([]string)
			if !ok || len(users) == 0 {
				return
			}
			fmt.Printf("typing: %v\n", users)
		})
		engine.On(relay.EventPresenceUpdated, func(event string, payload any) {
			state, ok := payload.(relay.PresenceState)
			if !ok {
				return
			}
			fmt.Printf("online: %d users\n", len(state.OnlineUserIDs))
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		if watchConversation != "" {
			engine.SetActiveConversation(watchConversation)
		}

		fmt.Printf("Watching as %s. Ctrl-C to stop.\n", session.UserID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("Stopping...")
		engine.Stop()
		return nil
	},
}
