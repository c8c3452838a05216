package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	relay "github.com/relay-im/relay-go"
)

var (
	sendConversation string
	sendTo           string
)

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "conversation id to send into")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "user id to start (or reuse) a direct conversation with")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message",
	Long:  "Send a message into a conversation.\nExample: relay send -c conv-1a2b3c4d \"hello there\"\nExample: relay send --to bob \"hello there\"",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, session, err := clientFromConfig(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		engine := relay.NewEngine(client, session, nil)

		target := sendConversation
		if target == "" && sendTo != "" {
			data, err := engine.CreateConversation(ctx, &relay.CreateConversationOptions{
				ParticipantIDs: []string{sendTo},
				Type:           relay.ConversationDirect,
			})
			if err != nil {
				return fmt.Errorf("failed to open conversation with %s: %w", sendTo, err)
			}
			target = data.Conversation.ID
		}
		if target == "" {
			return fmt.Errorf("either --conversation or --to is required")
		}

		msg, err := engine.SendMessage(ctx, strings.Join(args, " "), target)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, target)
		return nil
	},
}
