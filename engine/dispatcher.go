package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/dispute"
	"escrowflow/order"
	"escrowflow/outbox"
)

// Queue hands pending outbox messages to a delivery function and records
// the per-message outcome.
type Queue interface {
	Drain(ctx context.Context, limit int, deliver func(ctx context.Context, msg outbox.Message) error) (int, error)
}

// PGQueue drains the Postgres outbox. Claimed rows stay locked for the
// duration of delivery so concurrent dispatchers never double-send.
type PGQueue struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewPGQueue(pool *pgxpool.Pool, maxAttempts int) *PGQueue {
	return &PGQueue{pool: pool, maxAttempts: maxAttempts}
}

func (q *PGQueue) Drain(ctx context.Context, limit int, deliver func(ctx context.Context, msg outbox.Message) error) (int, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := outbox.NextPending(ctx, tx, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := deliver(ctx, msg); err != nil {
			if markErr := outbox.MarkFailed(ctx, tx, msg.ID, q.maxAttempts); markErr != nil {
				return delivered, markErr
			}
			continue
		}
		if err := outbox.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("engine: commit outbox tx: %w", err)
	}
	return delivered, nil
}

// Backlog reports undelivered outbox messages, surfaced on the health
// endpoint so a stuck dispatcher is visible from outside.
func (q *PGQueue) Backlog(ctx context.Context) (int, error) {
	return outbox.PendingCount(ctx, q.pool)
}

// Dispatcher routes committed outbox events to the collaborators. All
// collaborator calls are fire-and-forget from the domain's perspective: a
// failure here only bumps the message's attempt counter.
type Dispatcher struct {
	queue    Queue
	notifier Notifier
	chats    ChatProvisioner
	docs     DocumentResolver
	interval time.Duration
	batch    int
	log      *zap.Logger
}

// DispatcherDeps bundles the dispatcher's constructor arguments. Any
// collaborator may be nil; events it would receive are still marked
// processed.
type DispatcherDeps struct {
	Queue    Queue
	Notifier Notifier
	Chats    ChatProvisioner
	Docs     DocumentResolver
	Interval time.Duration
	Batch    int
	Log      *zap.Logger
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	batch := deps.Batch
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		queue:    deps.Queue,
		notifier: deps.Notifier,
		chats:    deps.Chats,
		docs:     deps.Docs,
		interval: deps.Interval,
		batch:    batch,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, polling the outbox once per interval.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.PollOnce(ctx)
		}
	}
}

// PollOnce drains one batch of pending messages.
func (d *Dispatcher) PollOnce(ctx context.Context) {
	if _, err := d.queue.Drain(ctx, d.batch, d.deliver); err != nil {
		d.log.Warn("outbox: drain", zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg outbox.Message) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("engine: decode outbox payload: %w", err)
	}

	switch msg.Topic {
	case order.TopicOrderDisputed:
		if d.chats != nil {
			orderID, _ := payload["order_id"].(string)
			disputeID, _ := payload["dispute_id"].(string)
			if err := d.chats.OpenDisputeChannel(ctx, orderID, disputeID); err != nil {
				d.log.Warn("collaborator: open dispute channel", zap.String("order_id", orderID), zap.Error(err))
				return err
			}
		}
	case dispute.TopicDisputeResolved:
		if d.chats != nil {
			orderID, _ := payload["order_id"].(string)
			disputeID, _ := payload["dispute_id"].(string)
			if err := d.chats.CloseDisputeChannel(ctx, orderID, disputeID); err != nil {
				d.log.Warn("collaborator: close dispute channel", zap.String("order_id", orderID), zap.Error(err))
				return err
			}
		}
	case order.TopicOrderCompleted:
		if d.docs != nil {
			orderID, _ := payload["order_id"].(string)
			if err := d.docs.IssueReceipt(ctx, orderID); err != nil {
				d.log.Warn("collaborator: issue receipt", zap.String("order_id", orderID), zap.Error(err))
				return err
			}
		}
	}

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, msg.Topic, payload); err != nil {
			d.log.Warn("collaborator: notify", zap.String("topic", msg.Topic), zap.Error(err))
			return err
		}
	}
	return nil
}
