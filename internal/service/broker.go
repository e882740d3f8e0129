package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"placechat-backend/internal/model"
	"placechat-backend/internal/permission"

	"github.com/google/uuid"
)

type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Subscribed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	}
	return "disconnected"
}

// Session is one connected subscriber. Frames queued on Send are written by
// the transport; Send is closed when the broker drops the session.
type Session struct {
	ID     string
	UserID string
	Send   chan []byte

	mu     sync.Mutex
	state  SessionState
	places map[string]struct{}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Places returns the place filter the session currently listens to.
func (s *Session) Places() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.places))
	for id := range s.places {
		out = append(out, id)
	}
	return out
}

// matches applies the interest filters: sender = me, recipient = me, or a
// place I own or work at.
func (s *Session) matches(m *model.Message) bool {
	if m.SenderID == s.UserID || m.RecipientID == s.UserID {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.places[m.PlaceID]
	return ok
}

// setPlaces replaces the place filter and reports whether it changed.
func (s *Session) setPlaces(ids []string) bool {
	places := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		places[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := len(places) != len(s.places)
	for id := range places {
		if _, ok := s.places[id]; !ok {
			changed = true
		}
	}
	s.places = places
	return changed
}

// Memberships lists the places a user acts for.
type Memberships interface {
	PlacesFor(ctx context.Context, userID string) ([]string, error)
}

// RosterSource resolves place rosters (normally the permission.Resolver).
type RosterSource interface {
	Roster(ctx context.Context, placeID string) (model.PlaceRoster, error)
	Invalidate(placeID string)
}

// Broker fans committed message events out to subscribed sessions. Delivery
// is best effort: a session whose buffer is full is dropped and must
// reconcile from the store after reconnecting.
type Broker struct {
	rosters RosterSource
	members Memberships
	buffer  int
	metrics *Metrics

	mu     sync.RWMutex
	byUser map[string]map[*Session]struct{}
}

func NewBroker(rosters RosterSource, members Memberships, buffer int, metrics *Metrics) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		rosters: rosters,
		members: members,
		buffer:  buffer,
		metrics: metrics,
		byUser:  make(map[string]map[*Session]struct{}),
	}
}

// Connect registers a session for userID and computes its filters.
func (b *Broker) Connect(ctx context.Context, userID string) (*Session, error) {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Send:   make(chan []byte, b.buffer),
		state:  Connecting,
	}
	places, err := b.members.PlacesFor(ctx, userID)
	if err != nil {
		s.state = Disconnected
		return nil, err
	}
	s.setPlaces(places)

	b.mu.Lock()
	set, ok := b.byUser[userID]
	if !ok {
		set = make(map[*Session]struct{})
		b.byUser[userID] = set
	}
	set[s] = struct{}{}
	s.mu.Lock()
	s.state = Subscribed
	s.mu.Unlock()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Sessions.Inc()
	}
	slog.Info("broker: session subscribed", "user", userID, "session", s.ID, "places", len(places))
	return s, nil
}

// Disconnect removes the session. Safe to call more than once.
func (b *Broker) Disconnect(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(s)
}

func (b *Broker) dropLocked(s *Session) {
	set, ok := b.byUser[s.UserID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.byUser, s.UserID)
	}
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
	close(s.Send)
	if b.metrics != nil {
		b.metrics.Sessions.Dec()
	}
	slog.Info("broker: session disconnected", "user", s.UserID, "session", s.ID)
}

// FanoutSet is every user entitled to an event about m: sender, recipient,
// the place owner and every active employee.
func FanoutSet(roster model.PlaceRoster, m *model.Message) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(m.SenderID)
	add(m.RecipientID)
	add(roster.Place.OwnerUserID)
	for _, e := range roster.Employees {
		if e.IsActive && permission.CanReadPlaceMessages(roster.RoleOf(e.UserID)) {
			add(e.UserID)
		}
	}
	return out
}

// Publish delivers ev to every subscribed session of the fan-out set. Events
// must be published in commit order; per-session order follows call order.
func (b *Broker) Publish(ctx context.Context, ev model.Event) error {
	roster, err := b.rosters.Roster(ctx, ev.Message.PlaceID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// The place is gone; its participants still hear about the message.
		slog.Warn("broker: place not found, delivering to participants only",
			"place", ev.Message.PlaceID, "message", ev.Message.ID)
		roster = model.PlaceRoster{Place: model.Place{ID: ev.Message.PlaceID}}
	case err != nil:
		return err
	}
	frame, err := json.Marshal(model.WSEvent{Type: string(ev.Type), Message: &ev.Message})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, userID := range FanoutSet(roster, &ev.Message) {
		for s := range b.byUser[userID] {
			if !s.matches(&ev.Message) {
				continue
			}
			select {
			case s.Send <- frame:
				if b.metrics != nil {
					b.metrics.EventsDelivered.Inc()
				}
			default:
				slog.Warn("broker: session buffer full, dropping session", "user", s.UserID, "session", s.ID)
				if b.metrics != nil {
					b.metrics.SessionsEvicted.Inc()
				}
				b.dropLocked(s)
			}
		}
	}
	return nil
}

// PublishBatch implements Publisher for the local instance.
func (b *Broker) PublishBatch(ctx context.Context, events []model.Event) error {
	for _, ev := range events {
		if err := b.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// RefreshPlace drops the cached roster of placeID and recomputes the filters
// of every connected session, so newly added employees start receiving the
// place's events and removed ones stop.
func (b *Broker) RefreshPlace(ctx context.Context, placeID string) {
	b.rosters.Invalidate(placeID)

	b.mu.RLock()
	var sessions []*Session
	for _, set := range b.byUser {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	b.mu.RUnlock()

	notified := 0
	for _, s := range sessions {
		places, err := b.members.PlacesFor(ctx, s.UserID)
		if err != nil {
			slog.Error("broker: refresh filters failed", "user", s.UserID, "place", placeID, "error", err)
			continue
		}
		if s.setPlaces(places) {
			// An empty roles frame tells the client to re-request its viewer
			// context and backfill places it now acts for.
			b.Reply(s, model.WSEvent{Type: "roles"})
			notified++
		}
	}
	slog.Info("broker: filters refreshed", "place", placeID, "sessions", len(sessions), "notified", notified)
}

// Reply queues a control frame to a single session if it is still subscribed.
func (b *Broker) Reply(s *Session, frame model.WSEvent) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s.State() != Subscribed {
		return
	}
	select {
	case s.Send <- data:
	default:
	}
}

func (b *Broker) OnlineCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.byUser {
		n += len(set)
	}
	return n
}

// AnnounceRoles refreshes this instance only. It serves as the RoleNotifier
// when no Redis bridge is configured.
func (b *Broker) AnnounceRoles(ctx context.Context, placeID string) error {
	b.RefreshPlace(ctx, placeID)
	return nil
}
