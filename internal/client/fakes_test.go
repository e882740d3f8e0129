package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"placechat-backend/internal/model"
	"placechat-backend/internal/permission"
)

// fakeStore is an in-memory Store that behaves like the API: sends are
// idempotent on client_ref and range reads are keyset paginated.
type fakeStore struct {
	mu      sync.Mutex
	userID  string
	msgs    []model.Message
	clock   time.Time
	viewer  model.Viewer
	rosters map[string]model.PlaceRoster

	sendErrs       []error
	commitThenFail bool
	sendGate       chan struct{}
	sendCalls      int

	markErr   error
	markGate  chan struct{}
	markCalls [][]string

	queryCalls int
}

func newFakeStore(userID string) *fakeStore {
	return &fakeStore{
		userID:  userID,
		clock:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		rosters: make(map[string]model.PlaceRoster),
	}
}

func placeP() model.PlaceRoster {
	return model.PlaceRoster{
		Place: model.Place{ID: "p", OwnerUserID: "owner"},
		Employees: []model.Employee{
			{ID: "emp-1", PlaceID: "p", UserID: "employee", PermissionTier: model.TierBasic, IsActive: true},
		},
	}
}

func placeQ() model.PlaceRoster {
	return model.PlaceRoster{Place: model.Place{ID: "q", OwnerUserID: "owner-q"}}
}

// publicRoster is what an outsider gets from the roster endpoint.
func publicRoster(r model.PlaceRoster) model.PlaceRoster {
	return model.PlaceRoster{Place: r.Place}
}

func (s *fakeStore) seed(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = model.NewMessageID()
	}
	if m.CreatedAt.IsZero() {
		s.clock = s.clock.Add(time.Second)
		m.CreatedAt = s.clock
	}
	s.msgs = append(s.msgs, m)
	return m
}

func (s *fakeStore) stored() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.msgs...)
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *fakeStore) markRequests() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.markCalls...)
}

func (s *fakeStore) Send(ctx context.Context, req *model.SendRequest) (*model.Message, error) {
	s.mu.Lock()
	s.sendCalls++
	gate := s.sendGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return nil, err
	}
	for i := range s.msgs {
		if s.msgs[i].SenderID == s.userID && s.msgs[i].ClientRef == req.ClientRef {
			out := s.msgs[i]
			return &out, nil
		}
	}

	recipient := req.RecipientID
	if recipient == "" {
		roster, ok := s.rosters[req.PlaceID]
		if !ok {
			return nil, model.ErrNotFound
		}
		var reply *model.Message
		for i := range s.msgs {
			if s.msgs[i].ID == req.ReplyTo {
				reply = &s.msgs[i]
			}
		}
		r, err := permission.ResolveRecipient(roster, s.userID, "", reply)
		if err != nil {
			return nil, err
		}
		recipient = r
	}

	s.clock = s.clock.Add(time.Second)
	m := model.Message{
		ID:          model.NewMessageID(),
		ClientRef:   req.ClientRef,
		PlaceID:     req.PlaceID,
		SenderID:    s.userID,
		RecipientID: recipient,
		Body:        req.Body,
		ReplyTo:     req.ReplyTo,
		CreatedAt:   s.clock,
	}
	s.msgs = append(s.msgs, m)
	if s.commitThenFail {
		s.commitThenFail = false
		return nil, context.DeadlineExceeded
	}
	return &m, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	s.markCalls = append(s.markCalls, ids)
	gate := s.markGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return nil, s.markErr
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var updated []string
	for i := range s.msgs {
		if want[s.msgs[i].ID] && !s.msgs[i].IsRead {
			s.msgs[i].IsRead = true
			updated = append(updated, s.msgs[i].ID)
		}
	}
	return updated, nil
}

func (s *fakeStore) Query(_ context.Context, placeID string, after *Cursor, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls++

	var out []model.Message
	for _, m := range s.msgs {
		if placeID == "" && !m.Involves(s.userID) {
			continue
		}
		if placeID != "" && m.PlaceID != placeID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	if after != nil {
		cur := model.Message{ID: after.ID, CreatedAt: after.CreatedAt}
		i := sort.Search(len(out), func(i int) bool { return cur.Before(&out[i]) })
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Roles(context.Context) (model.Viewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := model.Viewer{UserID: s.viewer.UserID, Rosters: make(map[string]model.PlaceRoster)}
	for id, r := range s.viewer.Rosters {
		v.Rosters[id] = r
	}
	return v, nil
}

func (s *fakeStore) Roster(_ context.Context, placeID string) (model.PlaceRoster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[placeID]
	if !ok {
		return model.PlaceRoster{}, model.ErrNotFound
	}
	if !r.IsPlaceSide(s.userID) {
		return publicRoster(r), nil
	}
	return r, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	errs  []error
	block bool
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	u.mu.Lock()
	u.calls++
	block := u.block
	var err error
	if len(u.errs) > 0 {
		err = u.errs[0]
		u.errs = u.errs[1:]
	}
	u.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "https://cdn.example/" + contentType, nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}
