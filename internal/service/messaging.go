package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"placechat-backend/internal/conversation"
	"placechat-backend/internal/model"
	"placechat-backend/internal/permission"
	"placechat-backend/internal/repository"
)

// MessageStore is the durable message log.
type MessageStore interface {
	Append(ctx context.Context, m *model.Message) (*model.Message, error)
	MarkRead(ctx context.Context, ids []string, readerID string) ([]string, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	GetMany(ctx context.Context, ids []string) ([]model.Message, error)
	QueryByParticipant(ctx context.Context, userID string, page repository.Page) ([]model.Message, error)
	QueryByPlace(ctx context.Context, placeID string, page repository.Page) ([]model.Message, error)
}

// Rosters resolves place rosters and builds viewer contexts.
type Rosters interface {
	Roster(ctx context.Context, placeID string) (model.PlaceRoster, error)
	Viewer(ctx context.Context, userID string, placeIDs []string) (model.Viewer, error)
}

// Directory is the read side of users and memberships.
type Directory interface {
	PlacesFor(ctx context.Context, userID string) ([]string, error)
	GetProfiles(ctx context.Context, userIDs []string) (map[string]model.Profile, error)
}

type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*model.ProductSummary, error)
}

// RoleNotifier propagates role changes to every instance's broker.
type RoleNotifier interface {
	AnnounceRoles(ctx context.Context, placeID string) error
}

type MessageService struct {
	store    MessageStore
	rosters  Rosters
	dir      Directory
	products ProductCatalog
	roles    RoleNotifier
	logger   *slog.Logger
	backoff  time.Duration
}

func NewMessageService(store MessageStore, rosters Rosters, dir Directory, products ProductCatalog, roles RoleNotifier, logger *slog.Logger) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		store:    store,
		rosters:  rosters,
		dir:      dir,
		products: products,
		roles:    roles,
		logger:   logger,
		backoff:  200 * time.Millisecond,
	}
}

// Send validates req, resolves its recipient and commits it.
func (s *MessageService) Send(ctx context.Context, senderID string, req *model.SendRequest) (*model.Message, error) {
	if req.PlaceID == "" || senderID == "" {
		return nil, fmt.Errorf("%w: place_id and sender are required", model.ErrValidation)
	}
	if err := model.ValidateBody(req.Body); err != nil {
		return nil, err
	}
	if req.ClientRef != "" && !model.IsProvisionalID(req.ClientRef) {
		return nil, fmt.Errorf("%w: client_ref must be a provisional id", model.ErrValidation)
	}

	roster, err := s.rosters.Roster(ctx, req.PlaceID)
	if err != nil {
		return nil, err
	}
	role := roster.RoleOf(senderID)

	var replyTo *model.Message
	if req.ReplyTo != "" {
		replyTo, err = s.store.Get(ctx, req.ReplyTo)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: reply_to %s does not exist", model.ErrValidation, req.ReplyTo)
		}
		if err != nil {
			return nil, err
		}
		if replyTo.PlaceID != req.PlaceID {
			return nil, fmt.Errorf("%w: reply_to belongs to another place", model.ErrValidation)
		}
	}

	recipient, err := permission.ResolveRecipient(roster, senderID, req.RecipientID, replyTo)
	if err != nil {
		return nil, err
	}

	acting := ""
	switch {
	case role.Kind == model.RoleEmployee:
		if req.ActingEmployeeID != "" && req.ActingEmployeeID != role.EmployeeID {
			return nil, fmt.Errorf("%w: acting_employee_id does not match the sender", model.ErrPermissionDenied)
		}
		acting = role.EmployeeID
	case req.ActingEmployeeID != "":
		if err := permission.Require(permission.CanSendAsPlace(role), "attribute a message to an employee"); err != nil {
			return nil, err
		}
		if !hasEmployee(roster, req.ActingEmployeeID) {
			return nil, fmt.Errorf("%w: unknown acting employee %s", model.ErrValidation, req.ActingEmployeeID)
		}
		acting = req.ActingEmployeeID
	}

	if share, ok := req.Body.(model.ProductShareBody); ok && s.products != nil {
		product, err := s.products.GetProduct(ctx, share.ProductID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %s does not exist", model.ErrValidation, share.ProductID)
		}
		if err != nil {
			return nil, err
		}
		if product.PlaceID != req.PlaceID {
			return nil, fmt.Errorf("%w: product belongs to another place", model.ErrValidation)
		}
	}

	clientRef := req.ClientRef
	if clientRef == "" {
		// Gives the retry below the same idempotency key the client would.
		clientRef = model.NewProvisionalID()
	}

	m := &model.Message{
		ClientRef:        clientRef,
		PlaceID:          req.PlaceID,
		SenderID:         senderID,
		RecipientID:      recipient,
		ActingEmployeeID: acting,
		Body:             req.Body,
		ReplyTo:          req.ReplyTo,
	}
	committed, err := s.appendWithRetry(ctx, m)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message committed", "id", committed.ID, "place", committed.PlaceID,
		"sender", committed.SenderID, "recipient", committed.RecipientID, "kind", committed.Body.Kind())
	return committed, nil
}

func hasEmployee(roster model.PlaceRoster, employeeID string) bool {
	for _, e := range roster.Employees {
		if e.ID == employeeID && e.IsActive {
			return true
		}
	}
	return false
}

// appendWithRetry retries a transient store failure exactly once.
// client_ref makes the second attempt idempotent.
func (s *MessageService) appendWithRetry(ctx context.Context, m *model.Message) (*model.Message, error) {
	committed, err := s.store.Append(ctx, m)
	if err == nil || !errors.Is(err, model.ErrStoreUnavailable) {
		return committed, err
	}
	s.logger.Warn("append failed, retrying once", "place", m.PlaceID, "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.backoff):
	}
	return s.store.Append(ctx, m)
}

// MarkRead marks ids read on behalf of readerID. Messages with nothing for
// the reader to acknowledge are skipped; messages the reader cannot see are
// rejected.
func (s *MessageService) MarkRead(ctx context.Context, readerID string, ids []string) ([]string, error) {
	msgs, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var allowed []string
	for i := range msgs {
		m := &msgs[i]
		if m.IsRead || m.SenderID == readerID {
			continue
		}
		roster, err := s.rosters.Roster(ctx, m.PlaceID)
		if err != nil {
			return nil, err
		}
		switch {
		case m.RecipientID == readerID:
		case roster.IsPlaceSide(readerID):
			if roster.AuthoredByPlace(m) {
				// A colleague's outgoing message; the client reads it, not us.
				continue
			}
		default:
			return nil, fmt.Errorf("%w: cannot mark message %s read", model.ErrPermissionDenied, m.ID)
		}
		allowed = append(allowed, m.ID)
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	return s.store.MarkRead(ctx, allowed, readerID)
}

// MarkConversationRead marks every unread incoming message of one
// conversation read. Calling it again is a no-op.
func (s *MessageService) MarkConversationRead(ctx context.Context, viewerID, placeID, counterpartyID string) ([]string, error) {
	msgs, _, err := s.conversationMessages(ctx, viewerID, placeID, counterpartyID)
	if err != nil {
		return nil, err
	}
	roster, err := s.rosters.Roster(ctx, placeID)
	if err != nil {
		return nil, err
	}
	viewer := model.NewViewer(viewerID, roster)
	var ids []string
	for i := range msgs {
		if conversation.IsUnreadFor(&msgs[i], viewer) {
			ids = append(ids, msgs[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.store.MarkRead(ctx, ids, viewerID)
}

// ListConversations derives the viewer's conversations across every place
// they participate in or act for.
func (s *MessageService) ListConversations(ctx context.Context, viewerID string) ([]model.Conversation, error) {
	places, err := s.dir.PlacesFor(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	msgs, err := collect(func(p repository.Page) ([]model.Message, error) {
		return s.store.QueryByParticipant(ctx, viewerID, p)
	})
	if err != nil {
		return nil, err
	}
	for _, placeID := range places {
		placeMsgs, err := collect(func(p repository.Page) ([]model.Message, error) {
			return s.store.QueryByPlace(ctx, placeID, p)
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, placeMsgs...)
	}
	msgs = dedupe(msgs)

	placeIDs := append([]string(nil), places...)
	for i := range msgs {
		placeIDs = append(placeIDs, msgs[i].PlaceID)
	}
	viewer, err := s.rosters.Viewer(ctx, viewerID, placeIDs)
	if err != nil {
		return nil, err
	}

	convs := conversation.Derive(msgs, viewer, s.logger)
	s.attachProfiles(ctx, convs)
	return convs, nil
}

func (s *MessageService) attachProfiles(ctx context.Context, convs []model.Conversation) {
	if len(convs) == 0 {
		return
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.CounterpartyID)
	}
	profiles, err := s.dir.GetProfiles(ctx, ids)
	if err != nil {
		// Profiles are decoration; the list is still correct without them.
		s.logger.Warn("profile hydration failed", "error", err)
		return
	}
	for i := range convs {
		if p, ok := profiles[convs[i].CounterpartyID]; ok {
			p := p
			convs[i].CounterpartyProfile = &p
		}
	}
}

// GetConversationMessages returns one conversation in chronological order
// together with the products it references.
func (s *MessageService) GetConversationMessages(ctx context.Context, viewerID, placeID, counterpartyID string) (*model.ConversationMessagesResponse, error) {
	msgs, _, err := s.conversationMessages(ctx, viewerID, placeID, counterpartyID)
	if err != nil {
		return nil, err
	}
	resp := &model.ConversationMessagesResponse{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	resp.Products = s.hydrateProducts(ctx, msgs)
	return resp, nil
}

func (s *MessageService) conversationMessages(ctx context.Context, viewerID, placeID, counterpartyID string) ([]model.Message, model.Role, error) {
	roster, err := s.rosters.Roster(ctx, placeID)
	if err != nil {
		return nil, model.Role{}, err
	}
	role := roster.RoleOf(viewerID)

	var msgs []model.Message
	if permission.CanReadPlaceMessages(role) {
		msgs, err = collect(func(p repository.Page) ([]model.Message, error) {
			return s.store.QueryByPlace(ctx, placeID, p)
		})
	} else {
		msgs, err = collect(func(p repository.Page) ([]model.Message, error) {
			return s.store.QueryByParticipant(ctx, viewerID, p)
		})
	}
	if err != nil {
		return nil, role, err
	}
	key := model.ConversationKey{PlaceID: placeID, CounterpartyID: counterpartyID}
	return conversation.Messages(msgs, model.NewViewer(viewerID, roster), key, s.logger), role, nil
}

func (s *MessageService) hydrateProducts(ctx context.Context, msgs []model.Message) map[string]model.ProductSummary {
	if s.products == nil {
		return nil
	}
	out := make(map[string]model.ProductSummary)
	for i := range msgs {
		share, ok := msgs[i].Body.(model.ProductShareBody)
		if !ok {
			continue
		}
		if _, done := out[share.ProductID]; done {
			continue
		}
		p, err := s.products.GetProduct(ctx, share.ProductID)
		if err != nil {
			s.logger.Warn("product hydration failed", "product", share.ProductID, "error", err)
			continue
		}
		out[share.ProductID] = *p
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// QueryMessages is the raw, restartable range read. With a place it needs
// place-side access; without one it returns the viewer's own messages.
func (s *MessageService) QueryMessages(ctx context.Context, viewerID, placeID string, page repository.Page) ([]model.Message, error) {
	if placeID == "" {
		return s.store.QueryByParticipant(ctx, viewerID, page)
	}
	roster, err := s.rosters.Roster(ctx, placeID)
	if err != nil {
		return nil, err
	}
	if err := permission.Require(permission.CanReadPlaceMessages(roster.RoleOf(viewerID)), "read place messages"); err != nil {
		return nil, err
	}
	return s.store.QueryByPlace(ctx, placeID, page)
}

// ViewerContext returns the rosters of every place the user acts for.
func (s *MessageService) ViewerContext(ctx context.Context, userID string) (model.Viewer, error) {
	places, err := s.dir.PlacesFor(ctx, userID)
	if err != nil {
		return model.Viewer{}, err
	}
	return s.rosters.Viewer(ctx, userID, places)
}

// PlaceRoster returns the roster as visible to viewerID: clients only learn
// who the owner is.
func (s *MessageService) PlaceRoster(ctx context.Context, viewerID, placeID string) (model.PlaceRoster, error) {
	roster, err := s.rosters.Roster(ctx, placeID)
	if err != nil {
		return model.PlaceRoster{}, err
	}
	if !roster.IsPlaceSide(viewerID) {
		roster.Employees = nil
	}
	return roster, nil
}

// InvalidateRoles is called when a place's owner or employees changed.
func (s *MessageService) InvalidateRoles(ctx context.Context, placeID string) error {
	if s.roles == nil {
		return nil
	}
	return s.roles.AnnounceRoles(ctx, placeID)
}

// collect reads every page of a restartable range query.
func collect(fetch func(repository.Page) ([]model.Message, error)) ([]model.Message, error) {
	var out []model.Message
	page := repository.Page{Limit: 500}
	for {
		batch, err := fetch(page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page.Limit {
			return out, nil
		}
		last := batch[len(batch)-1]
		page.After = &repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

func dedupe(msgs []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
