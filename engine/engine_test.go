package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"escrowflow/dispute"
	"escrowflow/order"
	"escrowflow/outbox"
)

func TestSweeper_EscalatesEachOverdueOrder(t *testing.T) {
	orders := &fakeOverdue{due: []string{"o1", "o2", "o3"}}
	s := NewSweeper(orders, time.Minute, 10, nil)

	s.SweepOnce(context.Background())

	if len(orders.escalated) != 3 {
		t.Fatalf("expected 3 escalations, got %v", orders.escalated)
	}
}

func TestSweeper_LostRaceIsQuiet(t *testing.T) {
	orders := &fakeOverdue{
		due: []string{"o1", "o2"},
		errs: map[string]error{
			"o1": &order.InvalidStateError{OrderID: "o1", Current: order.StatusCompleted, Attempted: "expire"},
		},
	}
	s := NewSweeper(orders, time.Minute, 10, nil)

	s.SweepOnce(context.Background())

	if len(orders.attempted) != 2 {
		t.Fatalf("a lost race must not stop the batch, attempted %v", orders.attempted)
	}
	if len(orders.escalated) != 1 || orders.escalated[0] != "o2" {
		t.Fatalf("expected only o2 to escalate, got %v", orders.escalated)
	}
}

func TestDispatcher_RoutesDisputeLifecycle(t *testing.T) {
	queue := &fakeQueue{msgs: []outbox.Message{
		msg("m1", order.TopicOrderDisputed, map[string]any{"order_id": "o1", "dispute_id": "d1"}),
		msg("m2", dispute.TopicDisputeResolved, map[string]any{"order_id": "o1", "dispute_id": "d1", "outcome": "BUYER"}),
		msg("m3", order.TopicOrderCompleted, map[string]any{"order_id": "o2"}),
	}}
	notifier := &fakeNotifier{}
	chats := &fakeChats{}
	docs := &fakeDocs{}
	d := NewDispatcher(DispatcherDeps{
		Queue:    queue,
		Notifier: notifier,
		Chats:    chats,
		Docs:     docs,
		Interval: time.Second,
	})

	d.PollOnce(context.Background())

	if chats.opened != 1 || chats.closed != 1 {
		t.Fatalf("expected chat open+close, got open=%d close=%d", chats.opened, chats.closed)
	}
	if docs.receipts != 1 {
		t.Fatalf("expected one receipt, got %d", docs.receipts)
	}
	if len(notifier.topics) != 3 {
		t.Fatalf("every event notifies, got %v", notifier.topics)
	}
	if queue.failed != 0 {
		t.Fatalf("expected no failures, got %d", queue.failed)
	}
}

func TestDispatcher_CollaboratorFailureMarksMessageFailed(t *testing.T) {
	queue := &fakeQueue{msgs: []outbox.Message{
		msg("m1", order.TopicOrderCreated, map[string]any{"order_id": "o1"}),
	}}
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	d := NewDispatcher(DispatcherDeps{Queue: queue, Notifier: notifier, Interval: time.Second})

	d.PollOnce(context.Background())

	if queue.failed != 1 || queue.processed != 0 {
		t.Fatalf("expected 1 failed 0 processed, got failed=%d processed=%d", queue.failed, queue.processed)
	}
}

func TestDispatcher_NilCollaboratorsStillProcess(t *testing.T) {
	queue := &fakeQueue{msgs: []outbox.Message{
		msg("m1", order.TopicOrderDisputed, map[string]any{"order_id": "o1", "dispute_id": "d1"}),
	}}
	d := NewDispatcher(DispatcherDeps{Queue: queue, Interval: time.Second})

	d.PollOnce(context.Background())

	if queue.processed != 1 {
		t.Fatalf("expected message processed without collaborators, got %d", queue.processed)
	}
}

func msg(id, topic string, payload map[string]any) outbox.Message {
	body, _ := json.Marshal(payload)
	return outbox.Message{ID: id, Topic: topic, Payload: body, Status: outbox.StatusPending}
}

type fakeOverdue struct {
	due       []string
	errs      map[string]error
	attempted []string
	escalated []string
}

func (f *fakeOverdue) ListOverdue(ctx context.Context, limit int) ([]string, error) {
	return f.due, nil
}

func (f *fakeOverdue) ExpireIfOverdue(ctx context.Context, orderID string) (order.Order, error) {
	f.attempted = append(f.attempted, orderID)
	if err, ok := f.errs[orderID]; ok {
		return order.Order{}, err
	}
	f.escalated = append(f.escalated, orderID)
	return order.Order{ID: orderID}, nil
}

type fakeQueue struct {
	msgs      []outbox.Message
	processed int
	failed    int
}

func (f *fakeQueue) Drain(ctx context.Context, limit int, deliver func(ctx context.Context, msg outbox.Message) error) (int, error) {
	for _, m := range f.msgs {
		if err := deliver(ctx, m); err != nil {
			f.failed++
			continue
		}
		f.processed++
	}
	return f.processed, nil
}

type fakeNotifier struct {
	topics []string
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, topic string, payload map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	return nil
}

type fakeChats struct {
	opened int
	closed int
}

func (f *fakeChats) OpenDisputeChannel(ctx context.Context, orderID, disputeID string) error {
	f.opened++
	return nil
}

func (f *fakeChats) CloseDisputeChannel(ctx context.Context, orderID, disputeID string) error {
	f.closed++
	return nil
}

type fakeDocs struct {
	receipts int
}

func (f *fakeDocs) IssueReceipt(ctx context.Context, orderID string) error {
	f.receipts++
	return nil
}
