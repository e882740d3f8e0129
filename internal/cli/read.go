package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(readCmd)
	conversationKeyFlags(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Mark a conversation read",
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
		n := len(s.engine.Timeline().UnreadIDs(key))
		if err := s.engine.MarkConversationRead(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "marked %d message(s) read\n", n)
		return nil
	},
}
