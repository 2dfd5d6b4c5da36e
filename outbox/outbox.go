package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a transactional outbox entry awaiting delivery to the
// fire-and-forget collaborators.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Enqueue appends a message inside the caller's transaction so delivery
// intent commits atomically with the state change it describes. The event
// id is generated here and stamped into the payload, so collaborators see
// the same id the dispatcher tracks.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	id := uuid.NewString()
	payload["event_id"] = id
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`, id, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// NextPending claims up to limit pending messages, oldest first. Rows are
// locked with SKIP LOCKED so concurrent dispatchers never double-deliver.
func NextPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, status, attempts, created_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return out, nil
}

// MarkProcessed finalises a delivered message.
func MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter, moving the message to dead once
// maxAttempts is reached.
func MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	if _, err := tx.Exec(ctx, `
        UPDATE outbox
        SET attempts = attempts + 1,
            status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
        WHERE id = $1
    `, id, maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// PendingCount reports undelivered messages for the health endpoint.
func PendingCount(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return n, nil
}
