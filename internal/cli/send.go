package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"placechat-backend/internal/client"
	"placechat-backend/internal/model"
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("place", "", "place id")
	sendCmd.Flags().String("to", "", "recipient user id (default: resolved from your role)")
	sendCmd.Flags().String("reply-to", "", "id of the message being answered")
	sendCmd.Flags().String("text", "", "message text")
	sendCmd.Flags().String("file", "", "image or audio file to attach")
	sendCmd.Flags().String("product", "", "product id to share")
	sendCmd.Flags().Bool("text-fallback", false, "send the text alone if the attachment cannot be uploaded")
	_ = sendCmd.MarkFlagRequired("place")
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to a place or, as staff, to a client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := draftFromFlags(cmd)
		if err != nil {
			return err
		}
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		// A reply resolves its recipient from the replied-to message, which
		// must be in the timeline.
		if err := s.engine.Reconcile(ctx); err != nil {
			return err
		}

		h, err := s.engine.Send(ctx, d.PlaceID, d)
		if err != nil {
			return err
		}
		if err := await(ctx, h); err != nil {
			return err
		}
		fallback, _ := cmd.Flags().GetBool("text-fallback")
		if fallback && h.State() == client.Failed && errors.Is(h.Err(), model.ErrUploadFailed) {
			fmt.Fprintln(cmd.ErrOrStderr(), "upload failed, sending text only")
			if err := s.engine.Sends().RetryWithoutAttachment(ctx, h); err != nil {
				return err
			}
			if err := await(ctx, h); err != nil {
				return err
			}
		}
		if h.State() != client.Confirmed {
			return fmt.Errorf("send failed: %w", h.Err())
		}
		m := h.Message()
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", m.ID, m.RecipientID)
		return nil
	},
}

func await(ctx context.Context, h *client.SendHandle) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func draftFromFlags(cmd *cobra.Command) (client.Draft, error) {
	f := cmd.Flags()
	place, _ := f.GetString("place")
	to, _ := f.GetString("to")
	replyTo, _ := f.GetString("reply-to")
	text, _ := f.GetString("text")
	file, _ := f.GetString("file")
	product, _ := f.GetString("product")

	d := client.Draft{PlaceID: place, RecipientID: to, ReplyTo: replyTo, Text: text, ProductID: product}
	if file == "" {
		return d, nil
	}
	if product != "" {
		return d, errors.New("--file and --product are mutually exclusive")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return d, err
	}
	ct := http.DetectContentType(data)
	var kind model.BodyKind
	switch {
	case strings.HasPrefix(ct, "image/"):
		kind = model.BodyImage
	case strings.HasPrefix(ct, "audio/"), ct == "application/ogg":
		kind, ct = model.BodyAudio, strings.Replace(ct, "application/", "audio/", 1)
	default:
		return d, fmt.Errorf("%s: unsupported attachment type %s", file, ct)
	}
	d.Attachment = &client.Attachment{Kind: kind, Data: data, ContentType: ct}
	return d, nil
}
