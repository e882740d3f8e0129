package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"placechat-backend/internal/model"
	"placechat-backend/internal/repository"
)

// memStore is an in-memory MessageStore with the same ordering and
// idempotency rules as the Postgres repository.
type memStore struct {
	mu          sync.Mutex
	msgs        []model.Message
	clock       time.Time
	failAppends int
	appendCalls int
	readCalls   [][]string
}

func newMemStore() *memStore {
	return &memStore{clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *memStore) Append(_ context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.failAppends > 0 {
		s.failAppends--
		return nil, model.ErrStoreUnavailable
	}
	if m.ClientRef != "" {
		for i := range s.msgs {
			if s.msgs[i].SenderID == m.SenderID && s.msgs[i].ClientRef == m.ClientRef {
				out := s.msgs[i]
				return &out, nil
			}
		}
	}
	c := *m
	c.ID = model.NewMessageID()
	s.clock = s.clock.Add(time.Millisecond)
	c.CreatedAt = s.clock
	s.msgs = append(s.msgs, c)
	return &c, nil
}

// seed stores m as is, keeping its id and timestamp.
func (s *memStore) seed(msgs ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msgs...)
}

func (s *memStore) MarkRead(_ context.Context, ids []string, readerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls = append(s.readCalls, ids)
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var updated []string
	for i := range s.msgs {
		m := &s.msgs[i]
		if want[m.ID] && !m.IsRead && m.SenderID != readerID {
			m.IsRead = true
			updated = append(updated, m.ID)
		}
	}
	return updated, nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			out := s.msgs[i]
			return &out, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *memStore) GetMany(_ context.Context, ids []string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Message
	for _, m := range s.msgs {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) QueryByParticipant(_ context.Context, userID string, page repository.Page) ([]model.Message, error) {
	return s.query(page, func(m *model.Message) bool { return m.Involves(userID) }), nil
}

func (s *memStore) QueryByPlace(_ context.Context, placeID string, page repository.Page) ([]model.Message, error) {
	return s.query(page, func(m *model.Message) bool { return m.PlaceID == placeID }), nil
}

func (s *memStore) query(page repository.Page, keep func(*model.Message) bool) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for i := range s.msgs {
		if keep(&s.msgs[i]) {
			out = append(out, s.msgs[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	if page.After != nil {
		cur := &model.Message{ID: page.After.ID, CreatedAt: page.After.CreatedAt}
		n := sort.Search(len(out), func(i int) bool { return cur.Before(&out[i]) })
		out = out[n:]
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out
}

func (s *memStore) byClientRef(ref string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ClientRef == ref {
			out := s.msgs[i]
			return &out
		}
	}
	return nil
}

// fakeDirectory serves places, employees, memberships and profiles.
type fakeDirectory struct {
	mu        sync.Mutex
	places    map[string]model.Place
	employees map[string][]model.Employee
	profiles  map[string]model.Profile
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		places: map[string]model.Place{
			"p": {ID: "p", OwnerUserID: "owner"},
			"q": {ID: "q", OwnerUserID: "owner-q"},
		},
		employees: map[string][]model.Employee{
			"p": {{ID: "emp-1", PlaceID: "p", UserID: "employee", PermissionTier: model.TierBasic, IsActive: true}},
		},
		profiles: map[string]model.Profile{
			"client": {UserID: "client", DisplayName: "Client"},
			"owner":  {UserID: "owner", DisplayName: "Owner"},
		},
	}
}

func (d *fakeDirectory) GetPlace(_ context.Context, id string) (*model.Place, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.places[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (d *fakeDirectory) ListActiveEmployees(_ context.Context, placeID string) ([]model.Employee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Employee(nil), d.employees[placeID]...), nil
}

func (d *fakeDirectory) PlacesFor(_ context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, p := range d.places {
		if p.OwnerUserID == userID {
			out = append(out, id)
			continue
		}
		for _, e := range d.employees[id] {
			if e.IsActive && e.UserID == userID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *fakeDirectory) GetProfiles(_ context.Context, ids []string) (map[string]model.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]model.Profile)
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *fakeDirectory) addEmployee(e model.Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.employees[e.PlaceID] = append(d.employees[e.PlaceID], e)
}

func (d *fakeDirectory) deactivate(placeID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.employees[placeID] {
		if e.UserID == userID {
			d.employees[placeID][i].IsActive = false
		}
	}
}

type fakeCatalog map[string]model.ProductSummary

func (c fakeCatalog) GetProduct(_ context.Context, id string) (*model.ProductSummary, error) {
	p, ok := c[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

type recordingNotifier struct{ places []string }

func (n *recordingNotifier) AnnounceRoles(_ context.Context, placeID string) error {
	n.places = append(n.places, placeID)
	return nil
}
