package client

import (
	"context"
	"log/slog"

	"placechat-backend/internal/model"
)

// ReadTracker marks conversations read optimistically. The unread counter
// drops to zero immediately; it is restored only when the store definitively
// rejects the call. A timeout counts as success because markRead is
// idempotent and the next store read settles the count anyway.
type ReadTracker struct {
	store    Store
	timeline *Timeline
	logger   *slog.Logger
}

func NewReadTracker(store Store, timeline *Timeline, logger *slog.Logger) *ReadTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadTracker{store: store, timeline: timeline, logger: logger}
}

// MarkConversationRead marks the messages of key that are unread right now.
// Messages arriving during the round-trip stay unread.
func (r *ReadTracker) MarkConversationRead(ctx context.Context, key model.ConversationKey) error {
	ids := r.timeline.UnreadIDs(key)
	if len(ids) == 0 {
		return nil
	}
	r.timeline.MarkLocallyRead(ids)

	if _, err := r.store.MarkRead(ctx, ids); err != nil {
		if model.IsIndefinite(err) {
			r.logger.Info("client: mark read timed out, keeping local state", "place", key.PlaceID, "count", len(ids))
			return nil
		}
		r.timeline.ClearLocallyRead(ids)
		r.logger.Warn("client: mark read failed, restoring unread count", "place", key.PlaceID, "error", err)
		return err
	}
	return nil
}

// MarkConversationReadAsync is the fire-and-forget form used when a
// conversation is opened.
func (r *ReadTracker) MarkConversationReadAsync(ctx context.Context, key model.ConversationKey) {
	go func() {
		_ = r.MarkConversationRead(ctx, key)
	}()
}
