package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound signals the listing does not exist.
	ErrNotFound = errors.New("listing: not found")
	// ErrNotAvailable signals the listing cannot be purchased in its
	// current status.
	ErrNotAvailable = errors.New("listing: not available")
)

// Repository provides pgx-backed access to listings.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const listingColumns = `id, seller_id, platform, title, price::text, status::text, product, created_at, updated_at`

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l       Listing
		raw     string
		product []byte
	)
	if err := row.Scan(&l.ID, &l.SellerID, &l.Platform, &l.Title, &raw, &l.Status, &product, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return Listing{}, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return Listing{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	l.Price = price
	if err := json.Unmarshal(product, &l.Product); err != nil {
		return Listing{}, fmt.Errorf("decode product: %w", err)
	}
	return l, nil
}

// Create inserts a listing in available status.
func (r *Repository) Create(ctx context.Context, l Listing) (Listing, error) {
	product, err := json.Marshal(l.Product)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: encode product: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
        INSERT INTO listings (seller_id, platform, title, price, status, product)
        VALUES ($1, $2, $3, $4, 'available', $5)
        RETURNING `+listingColumns+`
    `, l.SellerID, l.Platform, l.Title, l.Price.StringFixed(2), product)

	created, err := scanListing(row)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: create: %w", err)
	}
	return created, nil
}

// Get fetches a listing by id.
func (r *Repository) Get(ctx context.Context, id string) (Listing, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

// GetForUpdateTx locks the listing row inside the caller's transaction so a
// purchase can reserve it against concurrent buyers.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	row := tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get for update: %w", err)
	}
	return l, nil
}

// SetStatusTx moves the listing to the given status inside the caller's
// transaction.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `
        UPDATE listings
        SET status = $2, updated_at = get_tx_timestamp()
        WHERE id = $1
    `, id, status)
	if err != nil {
		return fmt.Errorf("listing: set status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// CountActiveBySeller counts listings holding plan capacity.
func (r *Repository) CountActiveBySeller(ctx context.Context, sellerID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM listings
        WHERE seller_id = $1 AND status IN ('available', 'pending')
    `, sellerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("listing: count active: %w", err)
	}
	return count, nil
}
