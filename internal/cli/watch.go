package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"placechat-backend/internal/client"
	"placechat-backend/internal/model"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the realtime stream until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		stream, err := client.NewStream(s.transport.BaseURL(), s.transport.Token(), s.logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		tl := s.engine.Timeline()
		s.engine.OnEvent(func(ev model.Event) {
			m := ev.Message
			switch ev.Type {
			case model.EventInserted:
				fmt.Fprintf(out, "%s  [%s] %s -> %s: %s\n",
					m.CreatedAt.Local().Format(time.TimeOnly), m.PlaceID, m.SenderID, m.RecipientID, describeBody(m.Body))
			case model.EventUpdated:
				if m.IsRead && m.SenderID == tl.Viewer().UserID {
					fmt.Fprintf(out, "%s  [%s] read by %s\n", time.Now().Format(time.TimeOnly), m.PlaceID, m.RecipientID)
				}
			}
		})

		err = s.engine.Run(ctx, stream)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
