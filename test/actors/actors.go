// Package actors contains the concurrent workloads for the stress harness.
// Each actor drives the real services; errors from expected contention
// (terminal-state races, insufficient funds, duplicate disputes) are
// swallowed, everything else is retried on the next iteration.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/order"
)

// Funder tops up buyer balances so purchases keep flowing.
func Funder(ctx context.Context, led *ledger.Service, buyerIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		buyer := buyerIDs[rand.Intn(len(buyerIDs))]
		amount := decimal.NewFromInt(int64(50 + rand.Intn(200)))
		_, _ = led.Credit(ctx, ledger.EntryParams{
			UserID:      buyer,
			SubAccount:  ledger.SubAccountBuying,
			Amount:      amount,
			Type:        ledger.TxTypePurchase,
			Description: "stress deposit",
		})
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Shopper buys random available listings. Most orders get a payment
// confirmation; a few are cancelled or abandoned for the sweeper.
func Shopper(ctx context.Context, orders *order.Service, pool *pgxpool.Pool, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var listingID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM listings WHERE status = 'available' ORDER BY random() LIMIT 1`).Scan(&listingID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		o, err := orders.Create(ctx, buyerID, listingID, 1)
		if err != nil {
			time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
			continue
		}
		switch r := rand.Intn(100); {
		case r < 85:
			_, _ = orders.ConfirmPayment(ctx, o.ID)
		case r < 95:
			_, _ = orders.Cancel(ctx, o.ID, buyerID)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Seller releases credentials for orders waiting on it, skipping some so
// seller-timeout refunds get exercised.
func Seller(ctx context.Context, orders *order.Service, pool *pgxpool.Pool, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM orders WHERE seller_id = $1 AND status = 'waiting_for_seller' LIMIT 1`,
			sellerID).Scan(&orderID)
		if err == nil && rand.Intn(100) < 80 {
			payload := fmt.Sprintf("login-%d:pass-%d", rand.Int63(), rand.Int63())
			_, _ = orders.ReleaseCredentials(ctx, orderID, sellerID, payload)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Confirmer drives the buyer's side of hand-off: most deliveries are
// confirmed, some disputed, the rest abandoned for the deadline sweep.
func Confirmer(ctx context.Context, orders *order.Service, disputes *dispute.Service, pool *pgxpool.Pool, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM orders WHERE buyer_id = $1 AND status = 'waiting_for_buyer' LIMIT 1`,
			buyerID).Scan(&orderID)
		if err == nil {
			switch r := rand.Intn(100); {
			case r < 70:
				_, _ = orders.ConfirmReceipt(ctx, orderID, buyerID)
			case r < 85:
				_, _ = disputes.Raise(ctx, orderID, buyerID, "credentials rejected by platform")
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Moderator works the open-dispute queue and resolves claims with random
// outcomes. Split ratios stay strictly inside (0,1).
func Moderator(ctx context.Context, disputes *dispute.Service, moderatorID string, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.OutcomeBuyer, dispute.OutcomeSeller, dispute.OutcomeSplit}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		open, err := disputes.ListOpen(ctx, 10)
		if err == nil && len(open) > 0 {
			rec := open[rand.Intn(len(open))]
			_, _ = disputes.Assign(ctx, rec.ID, moderatorID)
			_, _ = disputes.Resolve(ctx, dispute.ResolveParams{
				DisputeID:       rec.ID,
				ModeratorID:     moderatorID,
				Outcome:         outcomes[rand.Intn(len(outcomes))],
				Notes:           "stress resolution",
				SplitBuyerRatio: decimal.NewFromFloat(0.1 + 0.8*rand.Float64()),
			})
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Reconciler cross-checks stored balances against their transaction history
// while the other actors are mutating them. A mismatch is fatal to the run.
func Reconciler(ctx context.Context, led *ledger.Service, userIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		user := userIDs[rand.Intn(len(userIDs))]
		for _, sub := range []ledger.SubAccount{ledger.SubAccountBuying, ledger.SubAccountSelling} {
			if err := led.Reconcile(ctx, user, sub); err != nil {
				var inv *ledger.InvariantError
				if errors.As(err, &inv) {
					return fmt.Errorf("actors: reconcile %s/%s: %w", user, sub, err)
				}
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Sweeper races user actions by escalating overdue orders continuously.
func Sweeper(ctx context.Context, orders *order.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ids, err := orders.ListOverdue(ctx, 20)
		if err == nil {
			for _, id := range ids {
				_, _ = orders.ExpireIfOverdue(ctx, id)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, randomly
// failing deliveries to exercise the attempts counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
