package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placechat-backend/internal/model"
)

func newFixture(userID string, rosters ...model.PlaceRoster) (*Coordinator, *fakeStore, *Timeline, *fakeUploader) {
	store := newFakeStore(userID)
	store.rosters["p"] = placeP()
	store.rosters["q"] = placeQ()
	tl := NewTimeline(model.NewViewer(userID, rosters...), nil)
	up := &fakeUploader{}
	c := NewCoordinator(store, up, tl, nil)
	c.backoff = 0
	return c, store, tl, up
}

func waitDone(t *testing.T, h *SendHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("send %s did not settle, state %s", h.ProvisionalID, h.State())
	}
}

func TestSubmitShowsProvisionalThenConfirms(t *testing.T) {
	c, store, tl, _ := newFixture("client", publicRoster(placeP()))
	store.sendGate = make(chan struct{})

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "is the mug in stock?"})
	require.NoError(t, err)
	assert.True(t, model.IsProvisionalID(h.ProvisionalID))

	key := model.ConversationKey{PlaceID: "p", CounterpartyID: "owner"}
	entries := tl.Messages(key)
	require.Len(t, entries, 1)
	assert.Equal(t, Sending, entries[0].State)
	assert.Equal(t, h.ProvisionalID, entries[0].Message.ID)

	close(store.sendGate)
	waitDone(t, h)

	require.Equal(t, Confirmed, h.State())
	require.NotNil(t, h.Message())
	assert.True(t, model.IsCommittedID(h.Message().ID))

	entries = tl.Messages(key)
	require.Len(t, entries, 1)
	assert.Equal(t, Confirmed, entries[0].State)
	assert.Equal(t, h.Message().ID, entries[0].Message.ID)
	assert.Equal(t, 1, tl.Len())

	stored := store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "owner", stored[0].RecipientID)
	assert.Equal(t, h.ProvisionalID, stored[0].ClientRef)
}

func TestAppendFailureKeepsEntryForRetry(t *testing.T) {
	c, store, tl, _ := newFixture("client", publicRoster(placeP()))
	store.sendErrs = []error{model.ErrStoreUnavailable, model.ErrStoreUnavailable}

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "hello"})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), model.ErrStoreUnavailable)
	assert.Equal(t, 2, store.calls(), "one automatic retry")
	assert.Empty(t, store.stored(), "nothing committed, so no other participant can see it")

	e, ok := tl.Pending(h.ProvisionalID)
	require.True(t, ok)
	assert.Equal(t, Failed, e.State)

	require.NoError(t, c.Retry(context.Background(), h))
	waitDone(t, h)

	assert.Equal(t, Confirmed, h.State())
	stored := store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, h.ProvisionalID, stored[0].ClientRef)
	assert.Equal(t, 1, tl.Len())
	_, ok = tl.Pending(h.ProvisionalID)
	assert.False(t, ok)
}

func TestIndefiniteAppendIsNotDuplicated(t *testing.T) {
	c, store, tl, _ := newFixture("client", publicRoster(placeP()))
	store.commitThenFail = true

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "hello"})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, Confirmed, h.State())
	assert.Equal(t, 2, store.calls())
	assert.Len(t, store.stored(), 1)
	assert.Equal(t, 1, tl.Len())
}

func TestSecondSubmitWhileSendingIsRejected(t *testing.T) {
	c, store, _, _ := newFixture("client", publicRoster(placeP()))
	store.sendGate = make(chan struct{})
	ctx := context.Background()

	h, err := c.Submit(ctx, "composer-p", Draft{PlaceID: "p", Text: "one"})
	require.NoError(t, err)

	_, err = c.Submit(ctx, "composer-p", Draft{PlaceID: "p", Text: "one"})
	assert.ErrorIs(t, err, model.ErrSendInProgress)

	close(store.sendGate)
	waitDone(t, h)

	h2, err := c.Submit(ctx, "composer-p", Draft{PlaceID: "p", Text: "two"})
	require.NoError(t, err)
	waitDone(t, h2)
	assert.Len(t, store.stored(), 2)
}

func TestCancelBeforeAppendRemovesEntry(t *testing.T) {
	c, store, tl, up := newFixture("client", publicRoster(placeP()))
	up.block = true

	h, err := c.Submit(context.Background(), "p", Draft{
		PlaceID:    "p",
		Attachment: &Attachment{Kind: model.BodyImage, Data: []byte("png"), ContentType: "image/png"},
	})
	require.NoError(t, err)
	require.True(t, h.Cancel())
	waitDone(t, h)

	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), model.ErrCancelled)
	assert.Equal(t, 0, tl.Len())
	assert.Equal(t, 0, store.calls())
	assert.ErrorIs(t, c.Retry(context.Background(), h), model.ErrValidation)
}

func TestCancelAfterAppendIsRefused(t *testing.T) {
	c, store, _, _ := newFixture("client", publicRoster(placeP()))
	store.sendGate = make(chan struct{})

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "hello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.calls() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, h.Cancel())
	close(store.sendGate)
	waitDone(t, h)
	assert.Equal(t, Confirmed, h.State())
}

func TestUploadRetriedOnce(t *testing.T) {
	c, store, _, up := newFixture("client", publicRoster(placeP()))
	up.errs = []error{model.ErrUploadFailed}

	h, err := c.Submit(context.Background(), "p", Draft{
		PlaceID:    "p",
		Text:       "photo",
		Attachment: &Attachment{Kind: model.BodyImage, Data: []byte("png"), ContentType: "image/png"},
	})
	require.NoError(t, err)
	waitDone(t, h)

	require.Equal(t, Confirmed, h.State())
	assert.Equal(t, 2, up.count())
	stored := store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, model.ImageBody{URL: "https://cdn.example/image/png", Content: "photo"}, stored[0].Body)
}

func TestUploadRejectedIsNotRetried(t *testing.T) {
	c, store, tl, up := newFixture("client", publicRoster(placeP()))
	up.errs = []error{model.ErrValidation}

	h, err := c.Submit(context.Background(), "p", Draft{
		PlaceID:    "p",
		Attachment: &Attachment{Kind: model.BodyAudio, Data: []byte("ogg"), ContentType: "audio/ogg"},
	})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), model.ErrValidation)
	assert.Equal(t, 1, up.count())
	assert.Equal(t, 0, store.calls())
	assert.Equal(t, 1, tl.Len())
}

func TestRetryWithoutAttachmentSendsTextOnly(t *testing.T) {
	c, store, tl, up := newFixture("client", publicRoster(placeP()))
	up.errs = []error{model.ErrUploadFailed, model.ErrUploadFailed}

	h, err := c.Submit(context.Background(), "p", Draft{
		PlaceID:    "p",
		Text:       "photo",
		Attachment: &Attachment{Kind: model.BodyImage, Data: []byte("png"), ContentType: "image/png"},
	})
	require.NoError(t, err)
	waitDone(t, h)
	require.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), model.ErrUploadFailed)

	require.NoError(t, c.RetryWithoutAttachment(context.Background(), h))
	waitDone(t, h)
	require.Equal(t, Confirmed, h.State())

	assert.Equal(t, 2, up.count(), "no further upload attempt")
	stored := store.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, model.TextBody{Content: "photo"}, stored[0].Body)
	assert.Equal(t, h.ProvisionalID, stored[0].ClientRef)
	assert.Equal(t, 1, tl.Len())

	err = c.RetryWithoutAttachment(context.Background(), h)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRetryWithoutAttachmentNeedsText(t *testing.T) {
	c, store, tl, up := newFixture("client", publicRoster(placeP()))
	up.errs = []error{model.ErrUploadFailed, model.ErrUploadFailed}

	h, err := c.Submit(context.Background(), "p", Draft{
		PlaceID:    "p",
		Attachment: &Attachment{Kind: model.BodyAudio, Data: []byte("ogg"), ContentType: "audio/ogg"},
	})
	require.NoError(t, err)
	waitDone(t, h)

	err = c.RetryWithoutAttachment(context.Background(), h)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, Failed, h.State())
	assert.Equal(t, 0, store.calls())
	e, ok := tl.Pending(h.ProvisionalID)
	require.True(t, ok)
	assert.Equal(t, model.BodyAudio, e.Message.Body.Kind())
}

func TestReplyToUnknownMessageStaysOutOfConversations(t *testing.T) {
	c, store, tl, _ := newFixture("owner", placeP())
	// Known to the store but not yet to this timeline.
	in := store.seed(model.Message{PlaceID: "p", SenderID: "client", RecipientID: "owner", Body: model.TextBody{Content: "hi"}})
	store.sendGate = make(chan struct{})

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", ReplyTo: in.ID, Text: "hello"})
	require.NoError(t, err)
	assert.Empty(t, tl.Conversations())

	close(store.sendGate)
	waitDone(t, h)
	require.Equal(t, Confirmed, h.State())
	convs := tl.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "client", convs[0].CounterpartyID)
}

func TestPlaceSideSendWithoutContextIsAmbiguous(t *testing.T) {
	c, store, _, _ := newFixture("owner", placeP())

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "hello?"})
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, Failed, h.State())
	assert.ErrorIs(t, h.Err(), model.ErrAmbiguousRecipient)
	assert.Equal(t, 0, store.calls())
}

func TestOwnerReplyTargetsClient(t *testing.T) {
	c, store, tl, _ := newFixture("owner", placeP())
	incoming := store.seed(model.Message{PlaceID: "p", SenderID: "client", RecipientID: "owner", Body: model.TextBody{Content: "hi"}})
	tl.Reconcile([]model.Message{incoming})

	h, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", ReplyTo: incoming.ID, Text: "hello!"})
	require.NoError(t, err)
	waitDone(t, h)

	require.Equal(t, Confirmed, h.State())
	assert.Equal(t, "client", h.Message().RecipientID)

	entries := tl.Messages(model.ConversationKey{PlaceID: "p", CounterpartyID: "client"})
	assert.Len(t, entries, 2)
}

func TestSubmitValidatesDraft(t *testing.T) {
	c, _, tl, _ := newFixture("client", publicRoster(placeP()))

	_, err := c.Submit(context.Background(), "p", Draft{PlaceID: "p", Text: "   "})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = c.Submit(context.Background(), "p", Draft{Text: "hi"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = c.Submit(context.Background(), "p", Draft{PlaceID: "p", Attachment: &Attachment{Kind: model.BodyImage}})
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Equal(t, 0, tl.Len())
}
