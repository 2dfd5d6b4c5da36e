package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/ledger"
)

// Subscription is an active paid plan.
type Subscription struct {
	UserID         string
	Tier           string
	MaxListings    int
	CommissionRate decimal.Decimal
	ExpiresAt      time.Time
}

// PlanStore resolves active plans from the subscriptions table.
type PlanStore struct {
	pool *pgxpool.Pool
}

func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

// PlanFor returns the user's active plan, or ErrNoSubscription when no
// unexpired row exists.
func (s *PlanStore) PlanFor(ctx context.Context, userID string) (Plan, error) {
	const selectSQL = `
		SELECT tier, max_listings, commission_rate::text
		FROM subscriptions
		WHERE user_id = $1 AND expires_at > now()
	`

	var (
		plan    Plan
		rateStr string
	)
	err := s.pool.QueryRow(ctx, selectSQL, userID).Scan(&plan.Tier, &plan.MaxListings, &rateStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plan{}, ErrNoSubscription
		}
		return Plan{}, fmt.Errorf("entitlement: plan lookup: %w", err)
	}
	plan.CommissionRate, err = decimal.NewFromString(rateStr)
	if err != nil {
		return Plan{}, fmt.Errorf("entitlement: parse commission rate: %w", err)
	}
	return plan, nil
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SubscriptionLedger is the slice of the ledger an activation needs.
type SubscriptionLedger interface {
	TransferTx(ctx context.Context, tx pgx.Tx, params ledger.TransferParams) error
}

// ErrInvalidActivation marks a callback payload the billing collaborator
// should never have sent.
var ErrInvalidActivation = errors.New("entitlement: invalid activation")

// ActivateParams carries the plan terms decided by the external billing
// collaborator. Pricing and the tier catalog live there; this service only
// records the charge and the resulting capacity.
type ActivateParams struct {
	UserID         string
	Tier           string
	MaxListings    int
	CommissionRate decimal.Decimal
	Fee            decimal.Decimal
	Duration       time.Duration
}

func (p ActivateParams) validate() error {
	if p.UserID == "" || p.Tier == "" {
		return fmt.Errorf("%w: user id and tier required", ErrInvalidActivation)
	}
	if p.MaxListings <= 0 {
		return fmt.Errorf("%w: max listings must be positive", ErrInvalidActivation)
	}
	if p.CommissionRate.IsNegative() || p.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission rate %s outside [0,1]", ErrInvalidActivation, p.CommissionRate)
	}
	if p.Fee.IsNegative() {
		return fmt.Errorf("%w: negative fee", ErrInvalidActivation)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidActivation)
	}
	return nil
}

// SubscriptionService activates plan capacity. The fee moves from the
// seller's earnings to platform revenue in the same transaction that
// activates the plan, so a seller is never charged without capacity or
// granted capacity without charge.
type SubscriptionService struct {
	pool       TxBeginner
	ledger     SubscriptionLedger
	platformID string
	log        *zap.Logger
}

func NewSubscriptionService(pool TxBeginner, ledger SubscriptionLedger, platformID string, log *zap.Logger) *SubscriptionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionService{pool: pool, ledger: ledger, platformID: platformID, log: log}
}

// Activate charges the seller and activates or renews the plan.
func (s *SubscriptionService) Activate(ctx context.Context, params ActivateParams) (Subscription, error) {
	if err := params.validate(); err != nil {
		return Subscription{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Subscription{}, fmt.Errorf("entitlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.Fee.IsPositive() {
		err = s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromUserID:     params.UserID,
			FromSubAccount: ledger.SubAccountSelling,
			ToUserID:       s.platformID,
			ToSubAccount:   ledger.SubAccountSelling,
			Amount:         params.Fee,
			Type:           ledger.TxTypeSubscription,
			Description:    fmt.Sprintf("subscription fee, tier %s", params.Tier),
		})
		if err != nil {
			return Subscription{}, err
		}
	}

	const upsertSQL = `
		INSERT INTO subscriptions (user_id, tier, max_listings, commission_rate, expires_at)
		VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			max_listings = EXCLUDED.max_listings,
			commission_rate = EXCLUDED.commission_rate,
			expires_at = GREATEST(subscriptions.expires_at, now()) + make_interval(secs => $5),
			updated_at = get_tx_timestamp()
		RETURNING expires_at
	`

	var sub Subscription
	if err := tx.QueryRow(ctx, upsertSQL,
		params.UserID, params.Tier, params.MaxListings,
		params.CommissionRate.StringFixed(4), params.Duration.Seconds()).Scan(&sub.ExpiresAt); err != nil {
		return Subscription{}, fmt.Errorf("entitlement: activate subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Subscription{}, fmt.Errorf("entitlement: commit activation: %w", err)
	}

	sub.UserID = params.UserID
	sub.Tier = params.Tier
	sub.MaxListings = params.MaxListings
	sub.CommissionRate = params.CommissionRate

	s.log.Info("subscription activated",
		zap.String("user_id", params.UserID),
		zap.String("tier", params.Tier),
		zap.Time("expires_at", sub.ExpiresAt))
	return sub, nil
}
