package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"placechat-backend/internal/model"
	"placechat-backend/internal/permission"
)

type SendState int

const (
	Drafting SendState = iota
	Sending
	Confirmed
	Failed
)

func (s SendState) String() string {
	switch s {
	case Sending:
		return "sending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "drafting"
}

// Store is the remote message store as the client sees it.
type Store interface {
	Send(ctx context.Context, req *model.SendRequest) (*model.Message, error)
	MarkRead(ctx context.Context, ids []string) ([]string, error)
	Query(ctx context.Context, placeID string, after *Cursor, limit int) ([]model.Message, error)
	Roles(ctx context.Context) (model.Viewer, error)
	Roster(ctx context.Context, placeID string) (model.PlaceRoster, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Attachment is a not-yet-uploaded image or audio clip.
type Attachment struct {
	Kind        model.BodyKind
	Data        []byte
	ContentType string
}

// Draft is what the user composed. RecipientID is set when the send comes
// from a selected conversation; ReplyTo when replying inline.
type Draft struct {
	PlaceID     string
	RecipientID string
	ReplyTo     string
	Text        string
	ProductID   string
	Attachment  *Attachment
}

func (d Draft) body(url string) (model.MessageBody, error) {
	switch {
	case d.Attachment != nil:
		switch d.Attachment.Kind {
		case model.BodyImage:
			return model.ImageBody{URL: url, Content: d.Text}, nil
		case model.BodyAudio:
			return model.AudioBody{URL: url, Content: d.Text}, nil
		}
		return nil, fmt.Errorf("%w: attachment kind %q", model.ErrValidation, d.Attachment.Kind)
	case d.ProductID != "":
		return model.ProductShareBody{ProductID: d.ProductID, Content: d.Text}, nil
	}
	return model.TextBody{Content: d.Text}, nil
}

// localRef marks an attachment that exists only on this device.
func localRef(provisionalID string) string { return "local://" + provisionalID }

// SendHandle tracks one outgoing message through Drafting, Sending and
// Confirmed or Failed.
type SendHandle struct {
	ProvisionalID string
	ActionKey     string

	draft Draft

	mu           sync.Mutex
	state        SendState
	err          error
	committed    *model.Message
	uploadedURL  string
	appendIssued bool
	cancel       context.CancelFunc
	done         chan struct{}
	watchers     []func(SendState)
}

func (h *SendHandle) State() SendState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *SendHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Message is the committed record once Confirmed.
func (h *SendHandle) Message() *model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.committed
}

// Done is closed when the current attempt settles.
func (h *SendHandle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// OnState registers fn for every state transition.
func (h *SendHandle) OnState(fn func(SendState)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	h.mu.Unlock()
}

func (h *SendHandle) busy() bool {
	s := h.State()
	return s == Drafting || s == Sending
}

func (h *SendHandle) uploaded() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploadedURL
}

// Cancel abandons the send. It only succeeds before append is issued; after
// that the outcome must be awaited so no store record is orphaned.
func (h *SendHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Sending || h.appendIssued {
		return false
	}
	h.cancel()
	return true
}

func (h *SendHandle) transition(state SendState, err error, committed *model.Message) {
	h.mu.Lock()
	h.state, h.err = state, err
	if committed != nil {
		h.committed = committed
	}
	fns := append([]func(SendState){}, h.watchers...)
	done := h.done
	h.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
	if state == Confirmed || state == Failed {
		close(done)
	}
}

// Coordinator runs optimistic sends: the provisional entry appears at once,
// then is confirmed or marked failed in place.
type Coordinator struct {
	store    Store
	uploader Uploader
	timeline *Timeline
	logger   *slog.Logger
	backoff  time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[string]*SendHandle
}

func NewCoordinator(store Store, uploader Uploader, timeline *Timeline, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		uploader: uploader,
		timeline: timeline,
		logger:   logger,
		backoff:  500 * time.Millisecond,
		timeout:  15 * time.Second,
		inflight: make(map[string]*SendHandle),
	}
}

// Submit starts a send. actionKey identifies the user action (e.g. the
// composer of one conversation); a second submit on the same key while the
// first is Sending fails with ErrSendInProgress.
func (c *Coordinator) Submit(ctx context.Context, actionKey string, d Draft) (*SendHandle, error) {
	if d.PlaceID == "" {
		return nil, fmt.Errorf("%w: place is required", model.ErrValidation)
	}
	if d.Attachment != nil && len(d.Attachment.Data) == 0 {
		return nil, fmt.Errorf("%w: empty attachment", model.ErrValidation)
	}

	url := ""
	if d.Attachment != nil {
		url = "pending"
	}
	body, err := d.body(url)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateBody(body); err != nil {
		return nil, err
	}

	h := &SendHandle{
		ProvisionalID: model.NewProvisionalID(),
		ActionKey:     actionKey,
		draft:         d,
		state:         Drafting,
	}

	c.mu.Lock()
	if prev, ok := c.inflight[actionKey]; ok && prev.busy() {
		c.mu.Unlock()
		return nil, model.ErrSendInProgress
	}
	c.inflight[actionKey] = h
	c.mu.Unlock()

	c.start(ctx, h)
	return h, nil
}

// Retry resends a Failed message under the same provisional id, so a send
// that did reach the store is not duplicated.
func (c *Coordinator) Retry(ctx context.Context, h *SendHandle) error {
	if h.State() != Failed {
		return fmt.Errorf("%w: only failed sends can be retried", model.ErrValidation)
	}
	if errors.Is(h.Err(), model.ErrCancelled) {
		return fmt.Errorf("%w: send was cancelled", model.ErrValidation)
	}
	c.mu.Lock()
	if prev, ok := c.inflight[h.ActionKey]; ok && prev != h && prev.busy() {
		c.mu.Unlock()
		return model.ErrSendInProgress
	}
	c.inflight[h.ActionKey] = h
	c.mu.Unlock()

	c.start(ctx, h)
	return nil
}

// RetryWithoutAttachment resends a message whose attachment could not be
// uploaded as text only. The provisional id is kept, so the entry stays in
// place and the store still deduplicates on it.
func (c *Coordinator) RetryWithoutAttachment(ctx context.Context, h *SendHandle) error {
	if h.State() != Failed {
		return fmt.Errorf("%w: only failed sends can be retried", model.ErrValidation)
	}
	if errors.Is(h.Err(), model.ErrCancelled) {
		return fmt.Errorf("%w: send was cancelled", model.ErrValidation)
	}

	h.mu.Lock()
	d := h.draft
	if d.Attachment == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: send has no attachment", model.ErrValidation)
	}
	if h.uploadedURL != "" {
		// The upload went through; dropping it now would change a message
		// the store may already hold.
		h.mu.Unlock()
		return fmt.Errorf("%w: attachment already uploaded", model.ErrValidation)
	}
	d.Attachment = nil
	body, err := d.body("")
	if err == nil {
		err = model.ValidateBody(body)
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.draft = d
	h.mu.Unlock()

	if e, ok := c.timeline.Pending(h.ProvisionalID); ok {
		e.Message.Body = body
		c.timeline.UpdatePending(e.Message)
	}
	return c.Retry(ctx, h)
}

func (c *Coordinator) start(ctx context.Context, h *SendHandle) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.appendIssued = false
	h.done = make(chan struct{})
	h.mu.Unlock()

	provisional := c.provisional(h)
	if _, existing := c.timeline.Pending(h.ProvisionalID); existing {
		c.timeline.SetPendingState(h.ProvisionalID, Sending, nil)
	} else {
		c.timeline.AddPending(provisional)
	}
	h.transition(Sending, nil, nil)

	go func() {
		defer cancel()
		c.run(runCtx, ctx, h, provisional)
		c.mu.Lock()
		if c.inflight[h.ActionKey] == h {
			delete(c.inflight, h.ActionKey)
		}
		c.mu.Unlock()
	}()
}

// provisional materializes the local message shown while sending.
func (c *Coordinator) provisional(h *SendHandle) model.Message {
	viewer := c.timeline.Viewer()
	url := h.uploaded()
	if url == "" {
		url = localRef(h.ProvisionalID)
	}
	body, _ := h.draft.body(url)
	m := model.Message{
		ID:          h.ProvisionalID,
		ClientRef:   h.ProvisionalID,
		PlaceID:     h.draft.PlaceID,
		SenderID:    viewer.UserID,
		RecipientID: h.draft.RecipientID,
		Body:        body,
		ReplyTo:     h.draft.ReplyTo,
		CreatedAt:   time.Now().UTC(),
	}
	if roster, ok := viewer.Roster(h.draft.PlaceID); ok && m.RecipientID == "" {
		// Best effort so the entry lands in the right conversation at once.
		var reply *model.Message
		if h.draft.ReplyTo != "" {
			reply = c.timeline.Confirmed(h.draft.ReplyTo)
		}
		if r, err := permission.ResolveRecipient(roster, m.SenderID, "", reply); err == nil {
			m.RecipientID = r
		}
	}
	return m
}

// run performs upload, recipient resolution and append. runCtx is cancelled
// by Cancel; the append itself runs on a context detached from it.
func (c *Coordinator) run(runCtx, parent context.Context, h *SendHandle, provisional model.Message) {
	fail := func(err error) {
		c.logger.Warn("client: send failed", "provisional", h.ProvisionalID, "error", err)
		c.timeline.SetPendingState(h.ProvisionalID, Failed, err)
		h.transition(Failed, err, nil)
	}

	if h.draft.Attachment != nil && h.uploaded() == "" {
		url, err := c.upload(runCtx, h.draft.Attachment)
		if err != nil {
			if runCtx.Err() != nil && parent.Err() == nil {
				c.abandon(h)
				return
			}
			fail(err)
			return
		}
		h.mu.Lock()
		h.uploadedURL = url
		h.mu.Unlock()
		body, _ := h.draft.body(url)
		provisional.Body = body
		c.timeline.UpdatePending(provisional)
	}

	recipient, err := c.resolveRecipient(runCtx, h, provisional.SenderID)
	if err != nil {
		if runCtx.Err() != nil && parent.Err() == nil {
			c.abandon(h)
			return
		}
		fail(err)
		return
	}
	if recipient != provisional.RecipientID {
		provisional.RecipientID = recipient
		c.timeline.UpdatePending(provisional)
	}

	h.mu.Lock()
	if runCtx.Err() != nil {
		h.mu.Unlock()
		c.abandon(h)
		return
	}
	h.appendIssued = true
	h.mu.Unlock()

	req := &model.SendRequest{
		ClientRef:   h.ProvisionalID,
		PlaceID:     h.draft.PlaceID,
		RecipientID: recipient,
		ReplyTo:     h.draft.ReplyTo,
		Body:        provisional.Body,
	}
	committed, err := c.appendOnce(context.WithoutCancel(parent), req)
	if err != nil {
		fail(err)
		return
	}
	c.timeline.Confirm(h.ProvisionalID, *committed)
	h.transition(Confirmed, nil, committed)
}

// abandon handles a user cancel before append: the input was withdrawn on
// purpose, so the provisional entry goes away.
func (c *Coordinator) abandon(h *SendHandle) {
	c.timeline.RemovePending(h.ProvisionalID)
	h.transition(Failed, model.ErrCancelled, nil)
}

// resolveRecipient applies the recipient rules locally so an ambiguous send
// fails before anything is written. The server applies them again.
func (c *Coordinator) resolveRecipient(ctx context.Context, h *SendHandle, senderID string) (string, error) {
	if h.draft.RecipientID != "" {
		return h.draft.RecipientID, nil
	}
	roster, ok := c.timeline.Roster(h.draft.PlaceID)
	if !ok {
		var err error
		roster, err = c.store.Roster(ctx, h.draft.PlaceID)
		if err != nil {
			return "", err
		}
		c.timeline.AddRoster(roster)
	}
	var reply *model.Message
	if h.draft.ReplyTo != "" {
		reply = c.timeline.Confirmed(h.draft.ReplyTo)
		if reply == nil {
			// Unknown locally; let the server resolve it from the store.
			return "", nil
		}
	}
	return permission.ResolveRecipient(roster, senderID, "", reply)
}

func (c *Coordinator) upload(ctx context.Context, a *Attachment) (string, error) {
	var url string
	err := c.withRetry(ctx, "upload", func(ctx context.Context) error {
		var err error
		url, err = c.uploader.Upload(ctx, a.Data, a.ContentType)
		return err
	})
	return url, err
}

func (c *Coordinator) appendOnce(ctx context.Context, req *model.SendRequest) (*model.Message, error) {
	var committed *model.Message
	err := c.withRetry(ctx, "append", func(ctx context.Context) error {
		var err error
		committed, err = c.store.Send(ctx, req)
		return err
	})
	return committed, err
}

// withRetry runs fn with a bounded timeout and retries it exactly once, after
// a backoff, on a transient or indefinite failure. Indefinite outcomes are
// safe to retry because sends carry an idempotency key.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !(model.IsRetryable(err) || model.IsIndefinite(err)) || attempt == 2 {
			return err
		}
		c.logger.Info("client: retrying", "op", op, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return err
}
