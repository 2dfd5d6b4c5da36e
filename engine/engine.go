// Package engine composes the domain services behind a single façade and
// runs the background machinery: the deadline sweeper and the outbox
// dispatcher that delivers committed events to external collaborators.
package engine

import (
	"context"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/order"
)

// Notifier delivers user-facing notifications. Failures are logged and
// retried by the dispatcher, never surfaced to the operation that raised
// the event.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload map[string]any) error
}

// ChatProvisioner manages the three-way conversation channel opened when an
// order is disputed.
type ChatProvisioner interface {
	OpenDisputeChannel(ctx context.Context, orderID, disputeID string) error
	CloseDisputeChannel(ctx context.Context, orderID, disputeID string) error
}

// DocumentResolver issues settlement receipts for completed orders.
type DocumentResolver interface {
	IssueReceipt(ctx context.Context, orderID string) error
}

// Engine is the orchestration façade over the domain services.
type Engine struct {
	Auth     *auth.Service
	Ledger   *ledger.Service
	Listings *listing.Service
	Orders   *order.Service
	Disputes *dispute.Service
}

// Deps bundles the engine's constructor arguments.
type Deps struct {
	Auth     *auth.Service
	Ledger   *ledger.Service
	Listings *listing.Service
	Orders   *order.Service
	Disputes *dispute.Service
}

func New(deps Deps) *Engine {
	return &Engine{
		Auth:     deps.Auth,
		Ledger:   deps.Ledger,
		Listings: deps.Listings,
		Orders:   deps.Orders,
		Disputes: deps.Disputes,
	}
}

// CreateOrder places an order and funds its escrow.
func (e *Engine) CreateOrder(ctx context.Context, buyerID, listingID string, quantity int) (order.Order, error) {
	return e.Orders.Create(ctx, buyerID, listingID, quantity)
}

// ConfirmPayment is the payment gateway callback hook.
func (e *Engine) ConfirmPayment(ctx context.Context, orderID string) (order.Order, error) {
	return e.Orders.ConfirmPayment(ctx, orderID)
}

// ReleaseCredentials records the seller's encrypted hand-off.
func (e *Engine) ReleaseCredentials(ctx context.Context, orderID, sellerID, payload string) (order.Order, error) {
	return e.Orders.ReleaseCredentials(ctx, orderID, sellerID, payload)
}

// ConfirmReceipt settles the order in the seller's favour.
func (e *Engine) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (order.Order, error) {
	return e.Orders.ConfirmReceipt(ctx, orderID, buyerID)
}

// CancelOrder refunds an order that never reached hand-off.
func (e *Engine) CancelOrder(ctx context.Context, orderID, buyerID string) (order.Order, error) {
	return e.Orders.Cancel(ctx, orderID, buyerID)
}

// GetOrder returns the requester's view of an order, credentials included
// only when the requester is the buyer and hand-off has happened.
func (e *Engine) GetOrder(ctx context.Context, orderID, requesterID string, role auth.Role) (order.View, error) {
	return e.Orders.Get(ctx, orderID, requesterID, string(role))
}

// RaiseDispute freezes a contested order.
func (e *Engine) RaiseDispute(ctx context.Context, orderID, initiatorID, reason string) (dispute.Record, error) {
	return e.Disputes.Raise(ctx, orderID, initiatorID, reason)
}

// AssignDispute hands an open dispute to a moderator.
func (e *Engine) AssignDispute(ctx context.Context, disputeID, moderatorID string) (dispute.Record, error) {
	return e.Disputes.Assign(ctx, disputeID, moderatorID)
}

// ListOpenDisputes feeds the moderator queue, oldest first.
func (e *Engine) ListOpenDisputes(ctx context.Context, limit int) ([]dispute.Record, error) {
	return e.Disputes.ListOpen(ctx, limit)
}

// ResolveDispute applies a moderator's verdict.
func (e *Engine) ResolveDispute(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error) {
	return e.Disputes.Resolve(ctx, params)
}

// ListBalance returns both sub-account balances and recent ledger activity.
func (e *Engine) ListBalance(ctx context.Context, userID string, recentLimit int) (ledger.BalanceStatement, error) {
	return e.Ledger.ListBalance(ctx, userID, recentLimit)
}

// CreateListing publishes a seller's asset, subject to the plan gate.
func (e *Engine) CreateListing(ctx context.Context, params listing.CreateParams) (listing.Listing, error) {
	return e.Listings.Create(ctx, params)
}
