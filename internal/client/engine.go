package client

import (
	"context"
	"log/slog"
	"sync"

	"placechat-backend/internal/model"
)

const reconcilePageSize = 200

// Engine wires the client pieces together: the timeline is fed by store
// reads and the realtime stream, sends go through the coordinator and
// conversation reads through the read tracker.
type Engine struct {
	store    Store
	timeline *Timeline
	sends    *Coordinator
	reads    *ReadTracker
	logger   *slog.Logger

	reconcileMu sync.Mutex

	obsMu     sync.Mutex
	observers []func(model.Event)
}

func NewEngine(store Store, uploader Uploader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tl := NewTimeline(model.Viewer{}, logger)
	return &Engine{
		store:    store,
		timeline: tl,
		sends:    NewCoordinator(store, uploader, tl, logger),
		reads:    NewReadTracker(store, tl, logger),
		logger:   logger,
	}
}

func (e *Engine) Timeline() *Timeline { return e.timeline }

func (e *Engine) Sends() *Coordinator { return e.sends }

func (e *Engine) Reads() *ReadTracker { return e.reads }

// Send submits a draft; see Coordinator.Submit.
func (e *Engine) Send(ctx context.Context, actionKey string, d Draft) (*SendHandle, error) {
	return e.sends.Submit(ctx, actionKey, d)
}

func (e *Engine) MarkConversationRead(ctx context.Context, key model.ConversationKey) error {
	return e.reads.MarkConversationRead(ctx, key)
}

// Reconcile refreshes the viewer context and merges a full store read: the
// caller's own messages plus every place it acts for. It runs after every
// (re)subscribe because events missed while disconnected are not replayed.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	viewer, err := e.store.Roles(ctx)
	if err != nil {
		return err
	}
	e.applyRoles(ctx, viewer)

	msgs, err := e.readAll(ctx, "")
	if err != nil {
		return err
	}
	for _, placeID := range viewer.PlaceSideOf() {
		placeMsgs, err := e.readAll(ctx, placeID)
		if err != nil {
			return err
		}
		msgs = append(msgs, placeMsgs...)
	}
	e.timeline.Reconcile(msgs)
	e.fetchMissingRosters(ctx)

	e.logger.Info("client: reconciled", "messages", len(msgs), "places", len(viewer.Rosters))
	return nil
}

// readAll pages through one range read until it is exhausted.
func (e *Engine) readAll(ctx context.Context, placeID string) ([]model.Message, error) {
	var (
		out   []model.Message
		after *Cursor
	)
	for {
		page, err := e.store.Query(ctx, placeID, after, reconcilePageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < reconcilePageSize {
			return out, nil
		}
		last := page[len(page)-1]
		after = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func (e *Engine) fetchMissingRosters(ctx context.Context) {
	for _, placeID := range e.timeline.MissingRosters() {
		r, err := e.store.Roster(ctx, placeID)
		if err != nil {
			e.logger.Warn("client: roster fetch failed", "place", placeID, "error", err)
			continue
		}
		e.timeline.AddRoster(r)
	}
}

// applyRoles installs a fresh viewer context. Rosters the new context no
// longer covers are refetched, so a user who lost a role stops seeing the
// place-side view of it.
func (e *Engine) applyRoles(ctx context.Context, viewer model.Viewer) {
	before := e.timeline.Viewer()
	e.timeline.SetViewer(viewer)
	for placeID := range before.Rosters {
		if _, ok := viewer.Rosters[placeID]; ok {
			continue
		}
		r, err := e.store.Roster(ctx, placeID)
		if err != nil {
			e.logger.Warn("client: roster refresh failed", "place", placeID, "error", err)
			continue
		}
		e.timeline.AddRoster(r)
	}
}

// RefreshRoles installs a viewer context pushed over the stream and backfills
// every place the user now acts for but did not before. The stream only
// carries events committed after the role change, so the earlier history of
// those places has to come from the store.
func (e *Engine) RefreshRoles(ctx context.Context, viewer model.Viewer) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	before := e.timeline.Viewer()
	e.applyRoles(ctx, viewer)
	if before.UserID == "" {
		// First context of the session; Reconcile reads everything.
		return nil
	}

	var msgs []model.Message
	var gained []string
	for _, placeID := range viewer.PlaceSideOf() {
		if before.RoleIn(placeID).IsPlaceSide() {
			continue
		}
		placeMsgs, err := e.readAll(ctx, placeID)
		if err != nil {
			return err
		}
		msgs = append(msgs, placeMsgs...)
		gained = append(gained, placeID)
	}
	if len(gained) == 0 {
		return nil
	}
	e.timeline.Reconcile(msgs)
	e.fetchMissingRosters(ctx)
	e.logger.Info("client: backfilled places", "places", gained, "messages", len(msgs))
	return nil
}

// HandleEvent merges one realtime event, fetching the place roster first if
// the message belongs to a place not seen before.
func (e *Engine) HandleEvent(ctx context.Context, ev model.Event) {
	if _, ok := e.timeline.Roster(ev.Message.PlaceID); !ok {
		r, err := e.store.Roster(ctx, ev.Message.PlaceID)
		if err != nil {
			e.logger.Warn("client: roster fetch failed", "place", ev.Message.PlaceID, "error", err)
		} else {
			e.timeline.AddRoster(r)
		}
	}
	e.timeline.Apply(ev)

	e.obsMu.Lock()
	fns := append([]func(model.Event){}, e.observers...)
	e.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// OnEvent registers fn to see every realtime event after it was merged.
func (e *Engine) OnEvent(fn func(model.Event)) {
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// Run subscribes through stream and keeps the timeline current until ctx
// ends.
func (e *Engine) Run(ctx context.Context, stream *Stream) error {
	return stream.Run(ctx, StreamHandlers{
		OnConnect: func(ctx context.Context) {
			if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("client: reconcile failed", "error", err)
			}
		},
		OnEvent: func(ev model.Event) {
			e.HandleEvent(ctx, ev)
		},
		OnRoles: func(v model.Viewer) {
			if err := e.RefreshRoles(ctx, v); err != nil && ctx.Err() == nil {
				e.logger.Error("client: roles refresh failed", "error", err)
			}
		},
	})
}
