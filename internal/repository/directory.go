package repository

import (
	"context"

	"placechat-backend/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DirectoryRepository reads places, employees and profiles. Those tables are
// owned by other services; nothing here writes to them.
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) GetPlace(ctx context.Context, placeID string) (*model.Place, error) {
	p := &model.Place{}
	err := r.pool.QueryRow(ctx, `SELECT id, owner_user_id FROM places WHERE id = $1`, placeID).
		Scan(&p.ID, &p.OwnerUserID)
	if err != nil {
		return nil, classify("get place", err)
	}
	return p, nil
}

func (r *DirectoryRepository) ListActiveEmployees(ctx context.Context, placeID string) ([]model.Employee, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, place_id, user_id, permission_tier, is_active
		FROM employees
		WHERE place_id = $1 AND is_active
		ORDER BY id
	`, placeID)
	if err != nil {
		return nil, classify("list employees", err)
	}
	employees, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Employee, error) {
		var e model.Employee
		err := row.Scan(&e.ID, &e.PlaceID, &e.UserID, &e.PermissionTier, &e.IsActive)
		return e, err
	})
	if err != nil {
		return nil, classify("list employees", err)
	}
	return employees, nil
}

// PlacesFor lists the places userID owns or is actively employed at.
func (r *DirectoryRepository) PlacesFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM places WHERE owner_user_id = $1
		UNION
		SELECT place_id FROM employees WHERE user_id = $1 AND is_active
	`, userID)
	if err != nil {
		return nil, classify("places for user", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("places for user", err)
	}
	return ids, nil
}

func (r *DirectoryRepository) GetProfiles(ctx context.Context, userIDs []string) (map[string]model.Profile, error) {
	out := make(map[string]model.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ANY($1::uuid[])
	`, userIDs)
	if err != nil {
		return nil, classify("get profiles", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, classify("get profiles", err)
		}
		out[p.UserID] = p
	}
	return out, classify("get profiles", rows.Err())
}
