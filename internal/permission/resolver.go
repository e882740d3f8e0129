package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"placechat-backend/internal/model"
)

// Directory is the external place/employee collaborator.
type Directory interface {
	GetPlace(ctx context.Context, placeID string) (*model.Place, error)
	ListActiveEmployees(ctx context.Context, placeID string) ([]model.Employee, error)
}

type cachedRoster struct {
	roster   model.PlaceRoster
	loadedAt time.Time
}

// Resolver answers "what is this user to this place". Rosters are cached for
// ttl; Invalidate must be called when ownership or employment changes.
type Resolver struct {
	dir Directory
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedRoster
}

func NewResolver(dir Directory, ttl time.Duration) *Resolver {
	return &Resolver{
		dir:   dir,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedRoster),
	}
}

// Roster returns the place and its active employees.
func (r *Resolver) Roster(ctx context.Context, placeID string) (model.PlaceRoster, error) {
	r.mu.RLock()
	c, ok := r.cache[placeID]
	r.mu.RUnlock()
	if ok && (r.ttl <= 0 || r.now().Sub(c.loadedAt) < r.ttl) {
		return c.roster, nil
	}

	place, err := r.dir.GetPlace(ctx, placeID)
	if err != nil {
		return model.PlaceRoster{}, fmt.Errorf("get place %s: %w", placeID, err)
	}
	employees, err := r.dir.ListActiveEmployees(ctx, placeID)
	if err != nil {
		return model.PlaceRoster{}, fmt.Errorf("list employees of %s: %w", placeID, err)
	}
	active := employees[:0:0]
	for _, e := range employees {
		if e.IsActive {
			active = append(active, e)
		}
	}
	roster := model.PlaceRoster{Place: *place, Employees: active}

	r.mu.Lock()
	r.cache[placeID] = cachedRoster{roster: roster, loadedAt: r.now()}
	r.mu.Unlock()
	return roster, nil
}

// Resolve returns the role of userID in placeID.
func (r *Resolver) Resolve(ctx context.Context, userID, placeID string) (model.Role, error) {
	roster, err := r.Roster(ctx, placeID)
	if err != nil {
		return model.Role{}, err
	}
	return roster.RoleOf(userID), nil
}

// Viewer builds the explicit identity context for userID over placeIDs.
func (r *Resolver) Viewer(ctx context.Context, userID string, placeIDs []string) (model.Viewer, error) {
	v := model.NewViewer(userID)
	for _, id := range placeIDs {
		if _, ok := v.Rosters[id]; ok {
			continue
		}
		roster, err := r.Roster(ctx, id)
		if err != nil {
			return model.Viewer{}, err
		}
		v.Rosters[id] = roster
	}
	return v, nil
}

// Invalidate drops the cached roster of placeID.
func (r *Resolver) Invalidate(placeID string) {
	r.mu.Lock()
	delete(r.cache, placeID)
	r.mu.Unlock()
	slog.Debug("permission: roster invalidated", "place", placeID)
}

func CanReadPlaceMessages(role model.Role) bool {
	return role.IsPlaceSide()
}

func CanSendAsPlace(role model.Role) bool {
	return role.IsPlaceSide()
}

func CanManageProducts(role model.Role) bool {
	return role.Kind == model.RoleOwner || (role.Kind == model.RoleEmployee && role.Tier == model.TierFull)
}

// Require turns a failed capability check into ErrPermissionDenied.
func Require(ok bool, action string) error {
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPermissionDenied, action)
	}
	return nil
}
