package cli

import (
	"github.com/spf13/cobra"

	"placechat-backend/internal/model"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)

	conversationKeyFlags(messagesCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		if err := s.engine.Reconcile(cmd.Context()); err != nil {
			return err
		}
		return printConversations(cmd.OutOrStdout(), s.engine.Timeline().Conversations())
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show one conversation in chronological order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := conversationKey(cmd)
		if err != nil {
			return err
		}
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		if err := s.engine.Reconcile(cmd.Context()); err != nil {
			return err
		}
		tl := s.engine.Timeline()
		printEntries(cmd.OutOrStdout(), tl.Viewer().UserID, tl.Messages(key))
		return nil
	},
}

func conversationKeyFlags(cmd *cobra.Command) {
	cmd.Flags().String("place", "", "place id")
	cmd.Flags().String("with", "", "counterparty user id (for clients, the place owner)")
	_ = cmd.MarkFlagRequired("place")
	_ = cmd.MarkFlagRequired("with")
}

func conversationKey(cmd *cobra.Command) (model.ConversationKey, error) {
	place, _ := cmd.Flags().GetString("place")
	with, _ := cmd.Flags().GetString("with")
	return model.ConversationKey{PlaceID: place, CounterpartyID: with}, nil
}
