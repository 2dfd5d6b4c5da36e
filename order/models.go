package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusWaitingForSeller Status = "waiting_for_seller"
	StatusWaitingForBuyer  Status = "waiting_for_buyer"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
	StatusDisputed         Status = "disputed"
	StatusResolvedBuyer    Status = "resolved_buyer"
	StatusResolvedSeller   Status = "resolved_seller"
	StatusResolvedSplit    Status = "resolved_split"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired,
		StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit:
		return true
	}
	return false
}

// Order mirrors the orders table. Terminal orders are retained for audit
// and never deleted.
type Order struct {
	ID             string
	BuyerID        string
	SellerID       string
	ListingID      string
	Quantity       int
	UnitPrice      decimal.Decimal
	Price          decimal.Decimal
	EscrowAmount   decimal.Decimal
	Status         Status
	CredentialBlob []byte
	BuyerDeadline  *time.Time
	SellerDeadline *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// View is the caller-facing projection of an order. Credentials appear
// decrypted only for the buyer once the order reaches waiting_for_buyer;
// the raw blob is never exposed.
type View struct {
	Order
	Credentials *string
}

// Outbox topics emitted on committed transitions.
const (
	TopicOrderCreated             = "order.created"
	TopicOrderAwaitingSeller      = "order.awaiting_seller"
	TopicOrderCredentialsReleased = "order.credentials_released"
	TopicOrderCompleted           = "order.completed"
	TopicOrderCancelled           = "order.cancelled"
	TopicOrderExpired             = "order.expired"
	TopicOrderDisputed            = "order.disputed"
)
