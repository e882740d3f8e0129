// Package conversation turns a flat message log into per-viewer
// conversation summaries. Everything here is pure: the same messages and
// viewer always produce the same output.
package conversation

import (
	"log/slog"
	"sort"

	"placechat-backend/internal/model"
)

// Key maps m onto the viewer's conversation key. ok is false when the message
// is not visible to the viewer or its place roster is unknown.
func Key(m *model.Message, viewer model.Viewer, logger *slog.Logger) (model.ConversationKey, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	roster, ok := viewer.Roster(m.PlaceID)
	if !ok {
		logger.Warn("conversation: no roster for place", "place", m.PlaceID, "message", m.ID)
		return model.ConversationKey{}, false
	}
	key := model.ConversationKey{PlaceID: m.PlaceID}

	if !roster.IsPlaceSide(viewer.UserID) {
		// Employees are transparent to clients.
		if !m.Involves(viewer.UserID) {
			return key, false
		}
		key.CounterpartyID = roster.Place.OwnerUserID
		return key, true
	}

	switch {
	case !roster.AuthoredByPlace(m):
		if m.RecipientID != "" && !roster.IsPlaceSide(m.RecipientID) && m.SenderID != m.RecipientID {
			logger.Warn("conversation: message between two non place-side users",
				"place", m.PlaceID, "message", m.ID, "sender", m.SenderID, "recipient", m.RecipientID)
		}
		key.CounterpartyID = m.SenderID
	case m.RecipientID != "" && !roster.IsPlaceSide(m.RecipientID):
		key.CounterpartyID = m.RecipientID
	default:
		logger.Warn("conversation: message with no client participant",
			"place", m.PlaceID, "message", m.ID, "sender", m.SenderID, "recipient", m.RecipientID)
		key.CounterpartyID = m.RecipientID
		if key.CounterpartyID == "" {
			key.CounterpartyID = m.SenderID
		}
	}
	return key, true
}

// IsUnreadFor reports whether m counts towards the viewer's unread total.
// Place-side viewers only count messages written by the client side.
func IsUnreadFor(m *model.Message, viewer model.Viewer) bool {
	if m.IsRead || m.SenderID == viewer.UserID {
		return false
	}
	roster, ok := viewer.Roster(m.PlaceID)
	if ok && roster.IsPlaceSide(viewer.UserID) && roster.AuthoredByPlace(m) {
		return false
	}
	return true
}

// Derive groups messages by (place, counterparty) and returns conversations
// ordered by most recent activity first.
func Derive(messages []model.Message, viewer model.Viewer, logger *slog.Logger) []model.Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	byKey := make(map[model.ConversationKey]*model.Conversation)
	for i := range messages {
		m := &messages[i]
		key, ok := Key(m, viewer, logger)
		if !ok {
			continue
		}
		c, ok := byKey[key]
		if !ok {
			c = &model.Conversation{ConversationKey: key, LastMessage: *m, LastMessageAt: m.CreatedAt}
			byKey[key] = c
		} else if c.LastMessage.Before(m) {
			c.LastMessage = *m
			c.LastMessageAt = m.CreatedAt
		}
		if IsUnreadFor(m, viewer) {
			c.UnreadCount++
		}
	}

	out := make([]model.Conversation, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].LastMessage.Before(&out[i].LastMessage)
	})
	return out
}

// Messages returns the messages of one conversation in chronological order.
func Messages(messages []model.Message, viewer model.Viewer, key model.ConversationKey, logger *slog.Logger) []model.Message {
	if logger == nil {
		logger = slog.Default()
	}
	var out []model.Message
	for i := range messages {
		m := &messages[i]
		if m.PlaceID != key.PlaceID {
			continue
		}
		if k, ok := Key(m, viewer, logger); ok && k == key {
			out = append(out, *m)
		}
	}
	SortChronological(out)
	return out
}

// SortChronological orders messages by (created_at, id) ascending.
func SortChronological(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
}
