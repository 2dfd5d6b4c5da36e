package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen           Status = "open"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedSeller Status = "resolved_seller"
	StatusResolvedSplit  Status = "resolved_split"
	StatusClosed         Status = "closed"
)

// Outcome is a moderator's resolution decision.
type Outcome string

const (
	OutcomeBuyer  Outcome = "BUYER"
	OutcomeSeller Outcome = "SELLER"
	OutcomeSplit  Outcome = "SPLIT"
)

// Record mirrors the disputes table. At most one open dispute exists per
// order; resolved disputes are kept in place, never deleted.
type Record struct {
	ID              string
	OrderID         string
	InitiatorID     string
	Reason          string
	Status          Status
	ModeratorID     *string
	ResolutionNotes *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// TopicDisputeResolved is emitted on the outbox after a resolution commits.
const TopicDisputeResolved = "dispute.resolved"
