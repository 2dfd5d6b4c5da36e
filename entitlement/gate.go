package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNoSubscription is returned by PlanLookup implementations when the user
// has no active subscription. The gate maps it to the free tier.
var ErrNoSubscription = errors.New("entitlement: no active subscription")

// Plan is the read-only subscription snapshot the gate consumes.
type Plan struct {
	Tier           string
	MaxListings    int
	CommissionRate decimal.Decimal
}

// PlanLookup resolves the active plan for a user.
type PlanLookup interface {
	PlanFor(ctx context.Context, userID string) (Plan, error)
}

// ListingCounter reports how many of a seller's listings currently hold
// plan capacity.
type ListingCounter interface {
	CountActiveBySeller(ctx context.Context, sellerID string) (int, error)
}

// CapacityError reports a seller at their plan's listing cap.
type CapacityError struct {
	UserID  string
	Tier    string
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("entitlement: %s at listing cap for tier %s (%d of %d)",
		e.UserID, e.Tier, e.Current, e.Max)
}

// Gate performs subscription-tier admission checks. It never mutates the
// plan snapshot.
type Gate struct {
	plans    PlanLookup
	listings ListingCounter
	freeTier Plan
}

// DefaultFreeTier is used when a user carries no active subscription.
var DefaultFreeTier = Plan{
	Tier:           "free",
	MaxListings:    3,
	CommissionRate: decimal.NewFromFloat(0.10),
}

func NewGate(plans PlanLookup, listings ListingCounter) *Gate {
	return &Gate{plans: plans, listings: listings, freeTier: DefaultFreeTier}
}

func (g *Gate) planFor(ctx context.Context, userID string) (Plan, error) {
	plan, err := g.plans.PlanFor(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return g.freeTier, nil
		}
		return Plan{}, fmt.Errorf("entitlement: plan lookup: %w", err)
	}
	return plan, nil
}

// CanCreateListing compares the seller's active listings against the plan
// max. A nil error with false means the caller should surface CheckListing's
// CapacityError instead; use CheckListing when the error detail matters.
func (g *Gate) CanCreateListing(ctx context.Context, userID string) (bool, error) {
	err := g.CheckListing(ctx, userID)
	if err != nil {
		var capErr *CapacityError
		if errors.As(err, &capErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckListing returns a CapacityError carrying the current count and cap
// when the seller is at their limit.
func (g *Gate) CheckListing(ctx context.Context, userID string) error {
	plan, err := g.planFor(ctx, userID)
	if err != nil {
		return err
	}
	count, err := g.listings.CountActiveBySeller(ctx, userID)
	if err != nil {
		return fmt.Errorf("entitlement: count listings: %w", err)
	}
	if count >= plan.MaxListings {
		return &CapacityError{UserID: userID, Tier: plan.Tier, Current: count, Max: plan.MaxListings}
	}
	return nil
}

// CommissionRate returns the fraction of a settlement kept by the platform
// for the seller's plan.
func (g *Gate) CommissionRate(ctx context.Context, userID string) (decimal.Decimal, error) {
	plan, err := g.planFor(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return plan.CommissionRate, nil
}
