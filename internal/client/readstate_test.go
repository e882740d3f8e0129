package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placechat-backend/internal/model"
)

var convWithClient = model.ConversationKey{PlaceID: "p", CounterpartyID: "client"}

// newReadFixture gives the owner three unread messages from one client.
func newReadFixture(t *testing.T) (*ReadTracker, *fakeStore, *Timeline) {
	t.Helper()
	store := newFakeStore("owner")
	tl := NewTimeline(model.NewViewer("owner", placeP()), nil)
	var msgs []model.Message
	for _, text := range []string{"one", "two", "three"} {
		msgs = append(msgs, store.seed(model.Message{PlaceID: "p", SenderID: "client", RecipientID: "owner", Body: model.TextBody{Content: text}}))
	}
	tl.Reconcile(msgs)
	require.Equal(t, 3, tl.UnreadCount(convWithClient))
	return NewReadTracker(store, tl, nil), store, tl
}

func TestMarkConversationReadIsOptimistic(t *testing.T) {
	r, store, tl := newReadFixture(t)

	require.NoError(t, r.MarkConversationRead(context.Background(), convWithClient))

	assert.Equal(t, 0, tl.UnreadCount(convWithClient))
	calls := store.markRequests()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 3)

	// Nothing left to mark: no second round-trip.
	require.NoError(t, r.MarkConversationRead(context.Background(), convWithClient))
	assert.Len(t, store.markRequests(), 1)
}

func TestMarkConversationReadRollsBackOnRejection(t *testing.T) {
	r, store, tl := newReadFixture(t)
	store.markErr = model.ErrPermissionDenied

	err := r.MarkConversationRead(context.Background(), convWithClient)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	assert.Equal(t, 3, tl.UnreadCount(convWithClient))
}

func TestMarkConversationReadKeepsStateOnTimeout(t *testing.T) {
	r, store, tl := newReadFixture(t)
	store.markErr = context.DeadlineExceeded

	require.NoError(t, r.MarkConversationRead(context.Background(), convWithClient))
	assert.Equal(t, 0, tl.UnreadCount(convWithClient))
}

func TestMessageArrivingDuringMarkReadStaysUnread(t *testing.T) {
	r, store, tl := newReadFixture(t)
	store.markGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- r.MarkConversationRead(context.Background(), convWithClient) }()
	require.Eventually(t, func() bool { return len(store.markRequests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tl.UnreadCount(convWithClient))

	late := store.seed(model.Message{PlaceID: "p", SenderID: "client", RecipientID: "owner", Body: model.TextBody{Content: "four"}})
	tl.Apply(model.Event{Type: model.EventInserted, Message: late})

	close(store.markGate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mark read did not return")
	}

	assert.Equal(t, 1, tl.UnreadCount(convWithClient))
	assert.Equal(t, []string{late.ID}, tl.UnreadIDs(convWithClient))
}

func TestColleagueMessagesNeverCountAsUnread(t *testing.T) {
	store := newFakeStore("owner")
	tl := NewTimeline(model.NewViewer("owner", placeP()), nil)
	tl.Reconcile([]model.Message{
		store.seed(model.Message{PlaceID: "p", SenderID: "employee", RecipientID: "client", ActingEmployeeID: "emp-1", Body: model.TextBody{Content: "hello"}}),
	})
	r := NewReadTracker(store, tl, nil)

	require.NoError(t, r.MarkConversationRead(context.Background(), convWithClient))
	assert.Empty(t, store.markRequests())
}
