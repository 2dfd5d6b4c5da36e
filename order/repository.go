package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides order row access. Mutating methods take the caller's
// pgx.Tx so every transition validates and writes inside one transactional
// boundary; reads go through the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `id, buyer_id, seller_id, listing_id, quantity, unit_price::text, price::text,
        escrow_amount::text, status::text, credential_blob, buyer_deadline, seller_deadline,
        completed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                        Order
		unitPrice, price, escrow string
	)
	if err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ListingID, &o.Quantity,
		&unitPrice, &price, &escrow, &o.Status, &o.CredentialBlob,
		&o.BuyerDeadline, &o.SellerDeadline, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	var err error
	if o.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return Order{}, fmt.Errorf("parse unit price %q: %w", unitPrice, err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return Order{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	if o.EscrowAmount, err = decimal.NewFromString(escrow); err != nil {
		return Order{}, fmt.Errorf("parse escrow %q: %w", escrow, err)
	}
	return o, nil
}

// InsertTx creates the order row in pending status with escrow equal to
// price.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO orders (buyer_id, seller_id, listing_id, quantity, unit_price, price, escrow_amount, status, seller_deadline)
        VALUES ($1, $2, $3, $4, $5, $6, $6, 'pending', $7)
        RETURNING `+orderColumns, o.BuyerID, o.SellerID, o.ListingID, o.Quantity,
		o.UnitPrice.StringFixed(2), o.Price.StringFixed(2), o.SellerDeadline)
	created, err := scanOrder(row)
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return created, nil
}

// GetForUpdateTx locks the order row. Two operations targeting the same
// order serialize here; operations on different orders run in parallel.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: get for update: %w", err)
	}
	return o, nil
}

// Get reads an order without locking.
func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}

// SetStatusTx writes a plain status change.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	if _, err := tx.Exec(ctx, `
        UPDATE orders SET status = $2, updated_at = get_tx_timestamp() WHERE id = $1
    `, id, status); err != nil {
		return fmt.Errorf("order: set status: %w", err)
	}
	return nil
}

// StoreCredentialsTx records the sealed blob, advances the order to
// waiting_for_buyer, and arms the buyer deadline.
func (r *Repository) StoreCredentialsTx(ctx context.Context, tx pgx.Tx, id string, blob []byte, deadline time.Time) error {
	if _, err := tx.Exec(ctx, `
        UPDATE orders
        SET credential_blob = $2,
            status = 'waiting_for_buyer',
            buyer_deadline = $3,
            updated_at = get_tx_timestamp()
        WHERE id = $1
    `, id, blob, deadline); err != nil {
		return fmt.Errorf("order: store credentials: %w", err)
	}
	return nil
}

// CloseEscrowTx zeroes the escrow exactly once while moving the order to a
// terminal status. The escrow_amount > 0 predicate makes a second close a
// detectable no-op.
func (r *Repository) CloseEscrowTx(ctx context.Context, tx pgx.Tx, id string, status Status, stampCompletion bool) error {
	completion := "NULL"
	if stampCompletion {
		completion = "get_tx_timestamp()"
	}
	tag, err := tx.Exec(ctx, `
        UPDATE orders
        SET escrow_amount = 0,
            status = $2,
            completed_at = `+completion+`,
            buyer_deadline = NULL,
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND escrow_amount > 0
    `, id, status)
	if err != nil {
		return fmt.Errorf("order: close escrow: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("order: escrow for %s already closed", id)
	}
	return nil
}

// MarkDisputedTx freezes the order and cancels the running deadline.
func (r *Repository) MarkDisputedTx(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE orders
        SET status = 'disputed',
            buyer_deadline = NULL,
            updated_at = get_tx_timestamp()
        WHERE id = $1
    `, id); err != nil {
		return fmt.Errorf("order: mark disputed: %w", err)
	}
	return nil
}

// SweepDue lists order ids past a deadline, for the background sweeper.
// Both deadline families are returned; ExpireIfOverdue re-validates each
// one under the row lock.
func (r *Repository) SweepDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT id FROM orders
        WHERE (status = 'waiting_for_buyer' AND buyer_deadline < $1)
           OR (status IN ('pending', 'waiting_for_seller') AND seller_deadline < $1)
        ORDER BY updated_at
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("order: sweep due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("order: scan sweep id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate sweep ids: %w", err)
	}
	return ids, nil
}
