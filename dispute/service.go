package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the dispute row access the coordinator needs.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, orderID, initiatorID, reason string) (Record, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	AssignTx(ctx context.Context, tx pgx.Tx, id, moderatorID string) error
	ResolveTx(ctx context.Context, tx pgx.Tx, id string, status Status, notes string) error
	ListOpen(ctx context.Context, limit int) ([]Record, error)
}

// OrderStore locks and freezes the disputed order.
type OrderStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (order.Order, error)
	MarkDisputedTx(ctx context.Context, tx pgx.Tx, id string) error
}

// Settlement is the monetary side of a resolution. The coordinator never
// mutates balances directly; escrow movement stays with the order service
// and the ledger underneath it.
type Settlement interface {
	SettleTx(ctx context.Context, tx pgx.Tx, o order.Order, terminal order.Status) error
	RefundTx(ctx context.Context, tx pgx.Tx, o order.Order, terminal order.Status, txType ledger.TxType, desc string) error
	SplitTx(ctx context.Context, tx pgx.Tx, o order.Order, buyerShare decimal.Decimal, terminal order.Status) error
}

// ModeratorDirectory answers whether a user currently holds the moderator
// role.
type ModeratorDirectory interface {
	IsModerator(ctx context.Context, userID string) (bool, error)
}

// Service coordinates dispute escalation and resolution.
type Service struct {
	pool       TxBeginner
	repo       Store
	orders     OrderStore
	settlement Settlement
	moderators ModeratorDirectory
	log        *zap.Logger
}

func NewService(pool TxBeginner, repo Store, orders OrderStore, settlement Settlement, moderators ModeratorDirectory, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		orders:     orders,
		settlement: settlement,
		moderators: moderators,
		log:        log,
	}
}

// Raise escalates an order either party contests. The dispute row and the
// order freeze commit together; the running buyer deadline is cancelled so
// the sweep cannot settle a contested order.
func (s *Service) Raise(ctx context.Context, orderID, initiatorID, reason string) (Record, error) {
	if strings.TrimSpace(reason) == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.orders.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if initiatorID != o.BuyerID && initiatorID != o.SellerID {
		return Record{}, ErrForbidden
	}
	if o.Status != order.StatusWaitingForSeller && o.Status != order.StatusWaitingForBuyer {
		return Record{}, &order.InvalidStateError{OrderID: orderID, Current: o.Status, Attempted: "dispute"}
	}

	rec, err := s.repo.CreateTx(ctx, tx, orderID, initiatorID, reason)
	if err != nil {
		return Record{}, err
	}
	if err := s.orders.MarkDisputedTx(ctx, tx, orderID); err != nil {
		return Record{}, err
	}
	if err := outbox.Enqueue(ctx, tx, order.TopicOrderDisputed, map[string]any{
		"order_id":     orderID,
		"dispute_id":   rec.ID,
		"initiator_id": initiatorID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit raise: %w", err)
	}

	s.log.Info("dispute raised",
		zap.String("dispute_id", rec.ID),
		zap.String("order_id", orderID),
		zap.String("initiator_id", initiatorID))
	return rec, nil
}

// Assign hands the dispute to a moderator. Reassignment is rejected while
// the current assignee still holds the moderator role.
func (s *Service) Assign(ctx context.Context, disputeID, moderatorID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrAlreadyResolved
	}

	ok, err := s.moderators.IsModerator(ctx, moderatorID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: moderator lookup: %w", err)
	}
	if !ok {
		return Record{}, ErrForbidden
	}

	if rec.ModeratorID != nil && *rec.ModeratorID != moderatorID {
		stillModerator, err := s.moderators.IsModerator(ctx, *rec.ModeratorID)
		if err != nil {
			return Record{}, fmt.Errorf("dispute: assignee lookup: %w", err)
		}
		if stillModerator {
			return Record{}, ErrAlreadyAssigned
		}
	}

	if err := s.repo.AssignTx(ctx, tx, disputeID, moderatorID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit assign: %w", err)
	}

	rec.ModeratorID = &moderatorID
	return rec, nil
}

// ListOpen returns the moderator queue, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.ListOpen(ctx, limit)
}

// ResolveParams carries a moderator's decision. SplitBuyerRatio is the
// buyer's fraction of the escrow, only read for SPLIT outcomes.
type ResolveParams struct {
	DisputeID       string
	ModeratorID     string
	Outcome         Outcome
	Notes           string
	SplitBuyerRatio decimal.Decimal
}

// Resolve applies the outcome: dispute stamp, order terminal state, and
// escrow movement commit as one transaction.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdateTx(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrAlreadyResolved
	}
	if rec.ModeratorID == nil || *rec.ModeratorID != params.ModeratorID {
		return Record{}, ErrForbidden
	}

	o, err := s.orders.GetForUpdateTx(ctx, tx, rec.OrderID)
	if err != nil {
		return Record{}, err
	}
	if o.Status != order.StatusDisputed {
		return Record{}, &order.InvalidStateError{OrderID: o.ID, Current: o.Status, Attempted: "resolve dispute for"}
	}

	var status Status
	switch params.Outcome {
	case OutcomeBuyer:
		status = StatusResolvedBuyer
		err = s.settlement.RefundTx(ctx, tx, o, order.StatusResolvedBuyer, ledger.TxTypeDisputeAdjustment, "dispute refund to buyer")
	case OutcomeSeller:
		status = StatusResolvedSeller
		err = s.settlement.SettleTx(ctx, tx, o, order.StatusResolvedSeller)
	case OutcomeSplit:
		status = StatusResolvedSplit
		// A ratio of 0 or 1 is a full refund or full settlement; those must
		// come in as BUYER or SELLER so the recorded outcome stays truthful.
		if !params.SplitBuyerRatio.IsPositive() || params.SplitBuyerRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return Record{}, fmt.Errorf("dispute: split ratio %s outside (0,1)", params.SplitBuyerRatio)
		}
		buyerShare := o.EscrowAmount.Mul(params.SplitBuyerRatio)
		err = s.settlement.SplitTx(ctx, tx, o, buyerShare, order.StatusResolvedSplit)
	default:
		return Record{}, fmt.Errorf("dispute: unknown outcome %q", params.Outcome)
	}
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.ResolveTx(ctx, tx, params.DisputeID, status, params.Notes); err != nil {
		return Record{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicDisputeResolved, map[string]any{
		"dispute_id": rec.ID,
		"order_id":   rec.OrderID,
		"outcome":    string(params.Outcome),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	s.log.Info("dispute resolved",
		zap.String("dispute_id", rec.ID),
		zap.String("order_id", rec.OrderID),
		zap.String("outcome", string(params.Outcome)),
		zap.String("moderator_id", params.ModeratorID))

	rec.Status = status
	rec.ResolutionNotes = &params.Notes
	return rec, nil
}
