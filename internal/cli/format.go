package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"placechat-backend/internal/client"
	"placechat-backend/internal/model"
)

func describeBody(b model.MessageBody) string {
	if b == nil {
		return ""
	}
	switch v := b.(type) {
	case model.TextBody:
		return v.Content
	case model.ImageBody:
		return strings.TrimSpace("[image " + v.URL + "] " + v.Content)
	case model.AudioBody:
		return strings.TrimSpace("[audio " + v.URL + "] " + v.Content)
	case model.ProductShareBody:
		return strings.TrimSpace("[product " + v.ProductID + "] " + v.Content)
	}
	return b.Text()
}

func printConversations(w io.Writer, convs []model.Conversation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLACE\tWITH\tUNREAD\tLAST\tMESSAGE")
	for _, c := range convs {
		with := c.CounterpartyID
		if c.CounterpartyProfile != nil && c.CounterpartyProfile.DisplayName != "" {
			with = c.CounterpartyProfile.DisplayName
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			c.PlaceID, with, c.UnreadCount,
			c.LastMessageAt.Local().Format(time.DateTime),
			truncate(describeBody(c.LastMessage.Body), 60))
	}
	return tw.Flush()
}

func printEntries(w io.Writer, viewerID string, entries []client.Entry) {
	for _, e := range entries {
		m := e.Message
		who := m.SenderID
		if who == viewerID {
			who = "me"
		}
		status := ""
		switch {
		case e.Pending():
			status = " (" + e.State.String() + ")"
		case m.SenderID == viewerID && m.IsRead:
			status = " (read)"
		}
		fmt.Fprintf(w, "%s  %-12s %s%s\n", m.CreatedAt.Local().Format(time.DateTime), who, describeBody(m.Body), status)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
