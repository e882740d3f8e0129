package repository

import (
	"context"

	"placechat-backend/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Drain hands up to limit pending events, in seq order, to publish and
// deletes them once publish returns nil. A failed publish leaves the entries
// in place for the next drain. Only one drainer runs at a time across all
// instances (transaction-scoped advisory lock), so seq order is preserved.
func (r *OutboxRepository) Drain(ctx context.Context, limit int, publish func([]model.Event) error) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, classify("begin drain", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext('message_outbox'))`).Scan(&locked); err != nil {
		return 0, classify("outbox lock", err)
	}
	if !locked {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT o.seq, o.event_type, `+prefixedColumns("m")+`
		FROM message_outbox o
		JOIN messages m ON m.id = o.message_id
		ORDER BY o.seq
		LIMIT $1
	`, limit)
	if err != nil {
		return 0, classify("read outbox", err)
	}
	var (
		seqs   []int64
		events []model.Event
	)
	for rows.Next() {
		var seq int64
		var eventType string
		m, err := scanMessage(rows, &seq, &eventType)
		if err != nil {
			rows.Close()
			return 0, classify("scan outbox", err)
		}
		seqs = append(seqs, seq)
		events = append(events, model.Event{Type: model.EventType(eventType), Message: *m})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classify("read outbox", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := publish(events); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM message_outbox WHERE seq = ANY($1)`, seqs); err != nil {
		return 0, classify("delete outbox", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("commit drain", err)
	}
	return len(events), nil
}

// Backlog is the number of undelivered outbox entries.
func (r *OutboxRepository) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM message_outbox`).Scan(&n)
	return n, classify("outbox backlog", err)
}
