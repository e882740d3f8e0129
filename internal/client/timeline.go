// Package client is the client-side half of the messaging engine: a local
// timeline merged from the store and the realtime stream, the optimistic
// send coordinator, and the read-state tracker.
package client

import (
	"log/slog"
	"sort"
	"sync"

	"placechat-backend/internal/conversation"
	"placechat-backend/internal/model"
)

// Entry is one message as rendered locally. Provisional messages stay
// Sending or Failed until the store confirms them.
type Entry struct {
	Message model.Message
	State   SendState
	Err     error
}

// Pending reports whether the entry is still provisional.
func (e Entry) Pending() bool { return e.State != Confirmed }

// Timeline is the local, deduplicated view of every message the viewer can
// see. Confirmed messages are keyed by store id. Provisional ones are keyed
// by their provisional id, which the store echoes back as client_ref.
type Timeline struct {
	logger *slog.Logger

	mu        sync.Mutex
	viewer    model.Viewer
	confirmed map[string]model.Message
	pending   map[string]*Entry
	localRead map[string]bool
	listeners []func()
}

func NewTimeline(viewer model.Viewer, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	if viewer.Rosters == nil {
		viewer.Rosters = make(map[string]model.PlaceRoster)
	}
	return &Timeline{
		logger:    logger,
		viewer:    viewer,
		confirmed: make(map[string]model.Message),
		pending:   make(map[string]*Entry),
		localRead: make(map[string]bool),
	}
}

// OnChange registers fn to run after every mutation, outside the lock.
func (t *Timeline) OnChange(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Timeline) notify() {
	t.mu.Lock()
	fns := append([]func(){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Timeline) Viewer() model.Viewer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyViewer()
}

func (t *Timeline) copyViewer() model.Viewer {
	v := model.Viewer{UserID: t.viewer.UserID, Rosters: make(map[string]model.PlaceRoster, len(t.viewer.Rosters))}
	for id, r := range t.viewer.Rosters {
		v.Rosters[id] = r
	}
	return v
}

// SetViewer replaces the viewer context, keeping rosters of places the new
// context does not cover (places the viewer only writes to as a client).
func (t *Timeline) SetViewer(v model.Viewer) {
	rosters := make(map[string]model.PlaceRoster, len(v.Rosters))
	for id, r := range v.Rosters {
		rosters[id] = r
	}
	t.mu.Lock()
	for id, r := range t.viewer.Rosters {
		if _, ok := rosters[id]; !ok {
			rosters[id] = r
		}
	}
	t.viewer = model.Viewer{UserID: v.UserID, Rosters: rosters}
	t.mu.Unlock()
	t.notify()
}

func (t *Timeline) AddRoster(r model.PlaceRoster) {
	t.mu.Lock()
	t.viewer.Rosters[r.Place.ID] = r
	t.mu.Unlock()
	t.notify()
}

func (t *Timeline) Roster(placeID string) (model.PlaceRoster, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.viewer.Rosters[placeID]
	return r, ok
}

// MissingRosters lists places that have messages but no known roster.
func (t *Timeline) MissingRosters() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range t.confirmed {
		if _, ok := t.viewer.Rosters[m.PlaceID]; !ok && !seen[m.PlaceID] {
			seen[m.PlaceID] = true
			out = append(out, m.PlaceID)
		}
	}
	sort.Strings(out)
	return out
}

// AddPending inserts a provisional message in the Sending state.
func (t *Timeline) AddPending(m model.Message) {
	t.mu.Lock()
	t.pending[m.ID] = &Entry{Message: m, State: Sending}
	t.mu.Unlock()
	t.notify()
}

// SetPendingState moves a provisional entry between Sending and Failed.
func (t *Timeline) SetPendingState(provisionalID string, state SendState, err error) {
	t.mu.Lock()
	e, ok := t.pending[provisionalID]
	if ok {
		e.State, e.Err = state, err
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// UpdatePending replaces the provisional message, e.g. once its attachment
// has a real URL.
func (t *Timeline) UpdatePending(m model.Message) {
	t.mu.Lock()
	e, ok := t.pending[m.ID]
	if ok {
		e.Message = m
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// Pending returns the provisional entry for provisionalID.
func (t *Timeline) Pending(provisionalID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[provisionalID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Confirmed returns the committed message with id, or nil.
func (t *Timeline) Confirmed(id string) *model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.confirmed[id]
	if !ok {
		return nil
	}
	return &m
}

func (t *Timeline) RemovePending(provisionalID string) {
	t.mu.Lock()
	_, ok := t.pending[provisionalID]
	delete(t.pending, provisionalID)
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// Confirm swaps the provisional entry for the committed record in a single
// step, so no reader ever sees both or neither.
func (t *Timeline) Confirm(provisionalID string, committed model.Message) {
	t.mu.Lock()
	delete(t.pending, provisionalID)
	t.upsertLocked(committed)
	t.mu.Unlock()
	t.notify()
}

// Apply merges a realtime event. Events are deduplicated by message id, and
// an echo of our own send also settles its provisional entry.
func (t *Timeline) Apply(ev model.Event) {
	t.mu.Lock()
	t.upsertLocked(ev.Message)
	t.mu.Unlock()
	t.notify()
}

// Reconcile merges a full store read, e.g. after the stream reconnects.
func (t *Timeline) Reconcile(msgs []model.Message) {
	t.mu.Lock()
	for _, m := range msgs {
		t.upsertLocked(m)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Timeline) upsertLocked(m model.Message) {
	if m.ID == "" || !model.IsCommittedID(m.ID) {
		t.logger.Warn("timeline: ignoring message without a committed id", "id", m.ID)
		return
	}
	if prev, ok := t.confirmed[m.ID]; ok && prev.IsRead {
		// is_read only ever flips to true.
		m.IsRead = true
	}
	t.confirmed[m.ID] = m
	if m.ClientRef != "" {
		delete(t.pending, m.ClientRef)
	}
	if m.IsRead {
		delete(t.localRead, m.ID)
	}
}

// MarkLocallyRead overlays is_read on ids until the store confirms it.
func (t *Timeline) MarkLocallyRead(ids []string) {
	t.mu.Lock()
	for _, id := range ids {
		t.localRead[id] = true
	}
	t.mu.Unlock()
	t.notify()
}

// ClearLocallyRead rolls back MarkLocallyRead.
func (t *Timeline) ClearLocallyRead(ids []string) {
	t.mu.Lock()
	for _, id := range ids {
		delete(t.localRead, id)
	}
	t.mu.Unlock()
	t.notify()
}

// snapshotLocked returns every message with the local read overlay applied,
// plus the state of provisional ones. A place-side send whose client is not
// resolved yet belongs to no conversation and is left out until it is.
func (t *Timeline) snapshotLocked() ([]model.Message, map[string]*Entry) {
	msgs := make([]model.Message, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		if t.localRead[m.ID] {
			m.IsRead = true
		}
		msgs = append(msgs, m)
	}
	states := make(map[string]*Entry, len(t.pending))
	for id, e := range t.pending {
		if e.Message.RecipientID == "" && t.placeSideLocked(e.Message.PlaceID) {
			continue
		}
		msgs = append(msgs, e.Message)
		cp := *e
		states[id] = &cp
	}
	return msgs, states
}

func (t *Timeline) placeSideLocked(placeID string) bool {
	r, ok := t.viewer.Rosters[placeID]
	return ok && r.IsPlaceSide(t.viewer.UserID)
}

// Conversations derives the conversation list, provisional messages included.
func (t *Timeline) Conversations() []model.Conversation {
	t.mu.Lock()
	msgs, _ := t.snapshotLocked()
	viewer := t.copyViewer()
	t.mu.Unlock()
	return conversation.Derive(msgs, viewer, t.logger)
}

// Messages returns one conversation in chronological order.
func (t *Timeline) Messages(key model.ConversationKey) []Entry {
	t.mu.Lock()
	msgs, states := t.snapshotLocked()
	viewer := t.copyViewer()
	t.mu.Unlock()

	ordered := conversation.Messages(msgs, viewer, key, t.logger)
	out := make([]Entry, 0, len(ordered))
	for _, m := range ordered {
		if e, ok := states[m.ID]; ok {
			out = append(out, *e)
			continue
		}
		out = append(out, Entry{Message: m, State: Confirmed})
	}
	return out
}

// UnreadIDs lists the confirmed messages of key that count as unread for the
// viewer, ignoring ones already marked locally.
func (t *Timeline) UnreadIDs(key model.ConversationKey) []string {
	t.mu.Lock()
	var msgs []model.Message
	for _, m := range t.confirmed {
		if !t.localRead[m.ID] {
			msgs = append(msgs, m)
		}
	}
	viewer := t.copyViewer()
	t.mu.Unlock()

	var ids []string
	for _, m := range conversation.Messages(msgs, viewer, key, t.logger) {
		m := m
		if conversation.IsUnreadFor(&m, viewer) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// UnreadCount is the unread total of one conversation.
func (t *Timeline) UnreadCount(key model.ConversationKey) int {
	for _, c := range t.Conversations() {
		if c.ConversationKey == key {
			return c.UnreadCount
		}
	}
	return 0
}

// Len is the number of distinct messages held, provisional ones included.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.confirmed) + len(t.pending)
}
