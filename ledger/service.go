package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Service wraps each ledger primitive in its own transaction for callers
// that are not already inside one.
type Service struct {
	pool *pgxpool.Pool
	repo *Repository
}

func NewService(pool *pgxpool.Pool, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// Repo exposes the in-transaction primitives for services composing ledger
// writes into their own transactional boundary.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Credit adds funds to a sub-account as a standalone atomic unit.
func (s *Service) Credit(ctx context.Context, params EntryParams) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CreditTx(ctx, tx, params)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit credit: %w", err)
	}
	return rec, nil
}

// Debit removes funds from a sub-account as a standalone atomic unit.
func (s *Service) Debit(ctx context.Context, params EntryParams) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.DebitTx(ctx, tx, params)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit debit: %w", err)
	}
	return rec, nil
}

// Transfer moves funds between sub-accounts as a standalone atomic unit.
func (s *Service) Transfer(ctx context.Context, params TransferParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.TransferTx(ctx, tx, params); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit transfer: %w", err)
	}
	return nil
}

// ListBalance returns both spendable sub-balances with recent activity.
func (s *Service) ListBalance(ctx context.Context, userID string, recentLimit int) (BalanceStatement, error) {
	if userID == "" {
		return BalanceStatement{}, fmt.Errorf("ledger: missing user id")
	}
	balance, err := s.repo.BalanceOf(ctx, s.pool, userID)
	if err != nil {
		return BalanceStatement{}, err
	}
	recent, err := s.repo.RecentTransactions(ctx, s.pool, userID, recentLimit)
	if err != nil {
		return BalanceStatement{}, err
	}
	return BalanceStatement{Balance: balance, RecentTransactions: recent}, nil
}

// Reconcile verifies that the transaction log sums to the stored balance
// for one sub-account. A mismatch is an InvariantError.
func (s *Service) Reconcile(ctx context.Context, userID string, sub SubAccount) error {
	var stored, summed string
	err := s.pool.QueryRow(ctx, `
        SELECT b.amount::text,
               COALESCE((SELECT SUM(t.amount) FROM transactions t
                         WHERE t.user_id = b.user_id AND t.sub_account = b.sub_account
                           AND t.status = 'completed'), 0)::text
        FROM balances b
        WHERE b.user_id = $1 AND b.sub_account = $2
    `, userID, sub).Scan(&stored, &summed)
	if err != nil {
		return fmt.Errorf("ledger: reconcile query: %w", err)
	}

	storedD, err := decimal.NewFromString(stored)
	if err != nil {
		return fmt.Errorf("ledger: parse stored balance %q: %w", stored, err)
	}
	summedD, err := decimal.NewFromString(summed)
	if err != nil {
		return fmt.Errorf("ledger: parse summed balance %q: %w", summed, err)
	}

	if !storedD.Equal(summedD) {
		return &InvariantError{Detail: fmt.Sprintf(
			"balance %s/%s is %s but transactions sum to %s",
			userID, sub, storedD.StringFixed(2), summedD.StringFixed(2))}
	}
	return nil
}
