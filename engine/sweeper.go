package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/order"
)

// OverdueOrders is the slice of the order service the sweeper drives.
type OverdueOrders interface {
	ListOverdue(ctx context.Context, limit int) ([]string, error)
	ExpireIfOverdue(ctx context.Context, orderID string) (order.Order, error)
}

// Sweeper periodically escalates orders whose deadline has passed. Any tick
// frequency is safe: each candidate is re-checked under its row lock, and an
// order another path already finished comes back as a no-op.
type Sweeper struct {
	orders   OverdueOrders
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweeper(orders OverdueOrders, interval time.Duration, batch int, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{orders: orders, interval: interval, batch: batch, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce processes one batch of overdue orders. A failure on one order
// does not stop the rest of the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ids, err := s.orders.ListOverdue(ctx, s.batch)
	if err != nil {
		s.log.Warn("sweep: list overdue", zap.Error(err))
		return
	}
	escalated := 0
	for _, id := range ids {
		o, err := s.orders.ExpireIfOverdue(ctx, id)
		if err != nil {
			// Terminal-state races are expected when a user action beat
			// the sweep to the row lock.
			var stateErr *order.InvalidStateError
			if errors.As(err, &stateErr) || errors.Is(err, order.ErrNotFound) {
				continue
			}
			s.log.Warn("sweep: escalate order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if o.Status.Terminal() {
			escalated++
		}
	}
	if escalated > 0 {
		s.log.Info("sweep escalated overdue orders", zap.Int("count", escalated))
	}
}
