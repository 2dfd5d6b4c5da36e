package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrForbidden signals the actor may not act on this dispute.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrOpenExists signals the order already has an open dispute.
	ErrOpenExists = errors.New("dispute: open dispute already exists for order")
	// ErrAlreadyResolved signals the dispute left the open state.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrAlreadyAssigned signals a second assignment attempt while the
	// current assignee still holds the moderator role.
	ErrAlreadyAssigned = errors.New("dispute: moderator already assigned")
)

// Repository provides pgx-backed access to disputes. Mutations take the
// caller's transaction so they commit together with the order transition.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `id, order_id, initiator_id, reason, status::text, moderator_id,
        resolution_notes, created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.InitiatorID, &rec.Reason, &rec.Status,
		&rec.ModeratorID, &rec.ResolutionNotes, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// CreateTx inserts an open dispute. The partial unique index on open
// disputes makes a duplicate raise ErrOpenExists.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, orderID, initiatorID, reason string) (Record, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO disputes (order_id, initiator_id, reason, status)
        VALUES ($1, $2, $3, 'open')
        RETURNING `+disputeColumns, orderID, initiatorID, reason)
	rec, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrOpenExists
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// GetForUpdateTx locks the dispute row.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// Get reads a dispute without locking.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// AssignTx writes the moderator assignment.
func (r *Repository) AssignTx(ctx context.Context, tx pgx.Tx, id, moderatorID string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE disputes
        SET moderator_id = $2, updated_at = get_tx_timestamp()
        WHERE id = $1
    `, id, moderatorID); err != nil {
		return fmt.Errorf("dispute: assign: %w", err)
	}
	return nil
}

// ResolveTx stamps the resolution in place.
func (r *Repository) ResolveTx(ctx context.Context, tx pgx.Tx, id string, status Status, notes string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = $2,
            resolution_notes = $3,
            resolved_at = get_tx_timestamp(),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status = 'open'
    `, id, status, notes)
	if err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrAlreadyResolved
	}
	return nil
}

// ListOpen returns open disputes for the moderator queue, oldest first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+disputeColumns+`
        FROM disputes
        WHERE status = 'open'
        ORDER BY created_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
