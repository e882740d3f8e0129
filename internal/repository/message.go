package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"placechat-backend/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = "id, client_ref, place_id, sender_id, recipient_id, acting_employee_id, body_kind, content, url, product_id, reply_to, is_read, created_at"

func prefixedColumns(alias string) string {
	cols := strings.Split(messageColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, extra ...any) (*model.Message, error) {
	var m model.Message
	var clientRef, acting, productID, replyTo *string
	var kind, content, url string
	dest := append(extra, &m.ID, &clientRef, &m.PlaceID, &m.SenderID, &m.RecipientID, &acting,
		&kind, &content, &url, &productID, &replyTo, &m.IsRead, &m.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	body, err := model.NewBody(model.BodyKind(kind), content, url, deref(productID))
	if err != nil {
		return nil, err
	}
	m.Body = body
	m.ClientRef = deref(clientRef)
	m.ActingEmployeeID = deref(acting)
	m.ReplyTo = deref(replyTo)
	return &m, nil
}

// Cursor resumes a range read after the last (created_at, id) returned.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Page bounds a range read. A zero Limit uses the default page size; larger
// limits are capped at maxPageSize.
type Page struct {
	After *Cursor
	Limit int
}

const (
	defaultPageSize = 200
	maxPageSize     = 1000
)

func (p Page) args() (any, any, int) {
	limit := p.Limit
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	if p.After == nil {
		return nil, nil, limit
	}
	return p.After.CreatedAt, p.After.ID, limit
}

// MessageRepository is the durable, append-only message log. Every mutation
// writes its outbox entry in the same transaction.
type MessageRepository struct {
	pool     *pgxpool.Pool
	onCommit func()
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// OnCommit registers a hook run after every committed mutation that wrote an
// outbox entry. Used to wake the outbox relay.
func (r *MessageRepository) OnCommit(fn func()) {
	r.onCommit = fn
}

func (r *MessageRepository) committed() {
	if r.onCommit != nil {
		r.onCommit()
	}
}

// Append commits m. A repeated (sender_id, client_ref) returns the record
// committed the first time and does not notify again.
func (r *MessageRepository) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	if m.PlaceID == "" || m.SenderID == "" {
		return nil, fmt.Errorf("%w: place_id and sender_id are required", model.ErrValidation)
	}
	if m.RecipientID == "" {
		return nil, fmt.Errorf("%w: recipient must be resolved before commit", model.ErrValidation)
	}
	if err := model.ValidateBody(m.Body); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin append", err)
	}
	defer tx.Rollback(ctx)

	if m.ReplyTo != "" {
		var replyPlace string
		err := tx.QueryRow(ctx, `SELECT place_id FROM messages WHERE id = $1`, m.ReplyTo).Scan(&replyPlace)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: reply_to %s does not exist", model.ErrValidation, m.ReplyTo)
		}
		if err != nil {
			return nil, classify("load reply_to", err)
		}
		if replyPlace != m.PlaceID {
			return nil, fmt.Errorf("%w: reply_to %s belongs to another place", model.ErrValidation, m.ReplyTo)
		}
	}

	kind, content, url, productID := model.BodyColumns(m.Body)
	out, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (id, client_ref, place_id, sender_id, recipient_id, acting_employee_id,
		                      body_kind, content, url, product_id, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sender_id, client_ref) WHERE client_ref IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		model.NewMessageID(), nullable(m.ClientRef), m.PlaceID, m.SenderID, m.RecipientID, nullable(m.ActingEmployeeID),
		string(kind), content, url, nullable(productID), nullable(m.ReplyTo),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_ref = $2`,
			m.SenderID, m.ClientRef))
		if err != nil {
			return nil, classify("load existing client_ref", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, classify("commit append", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, classify("insert message", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO message_outbox (event_type, message_id) VALUES ('inserted', $1)
	`, out.ID); err != nil {
		return nil, classify("insert outbox", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit append", err)
	}
	r.committed()
	return out, nil
}

// MarkRead flips is_read on the given messages. Already-read messages and
// messages sent by readerID are left alone. Returns the ids that changed.
func (r *MessageRepository) MarkRead(ctx context.Context, ids []string, readerID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin mark read", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE id = ANY($1::uuid[]) AND is_read = FALSE AND sender_id <> $2
		RETURNING id
	`, ids, readerID)
	if err != nil {
		return nil, classify("mark read", err)
	}
	updated, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("mark read", err)
	}
	if len(updated) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO message_outbox (event_type, message_id)
		SELECT 'updated', unnest($1::uuid[])
	`, updated); err != nil {
		return nil, classify("insert outbox", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit mark read", err)
	}
	r.committed()
	return updated, nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get message", err)
	}
	return m, nil
}

func (r *MessageRepository) GetMany(ctx context.Context, ids []string) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "get messages", `
		SELECT `+messageColumns+` FROM messages
		WHERE id = ANY($1::uuid[])
		ORDER BY created_at, id
	`, ids)
}

// QueryByParticipant returns messages sent or received by userID, ordered by
// (created_at, id).
func (r *MessageRepository) QueryByParticipant(ctx context.Context, userID string, page Page) ([]model.Message, error) {
	afterAt, afterID, limit := page.args()
	return r.query(ctx, "query by participant", `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = $1 OR recipient_id = $1)
		  AND ($2::timestamptz IS NULL OR (created_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY created_at, id
		LIMIT $4
	`, userID, afterAt, afterID, limit)
}

// QueryByPlace returns every message of placeID, ordered by (created_at, id).
func (r *MessageRepository) QueryByPlace(ctx context.Context, placeID string, page Page) ([]model.Message, error) {
	afterAt, afterID, limit := page.args()
	return r.query(ctx, "query by place", `
		SELECT `+messageColumns+` FROM messages
		WHERE place_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY created_at, id
		LIMIT $4
	`, placeID, afterAt, afterID, limit)
}

func (r *MessageRepository) query(ctx context.Context, op, sql string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return msgs, nil
}
