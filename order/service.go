package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the order row access the service needs.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, o Order) (Order, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error
	StoreCredentialsTx(ctx context.Context, tx pgx.Tx, id string, blob []byte, deadline time.Time) error
	CloseEscrowTx(ctx context.Context, tx pgx.Tx, id string, status Status, stampCompletion bool) error
	SweepDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// EscrowLedger is the slice of the ledger the state machine drives. All
// calls run inside the order's transaction.
type EscrowLedger interface {
	LockBalancesTx(ctx context.Context, tx pgx.Tx, refs ...ledger.BalanceRef) error
	TransferTx(ctx context.Context, tx pgx.Tx, params ledger.TransferParams) error
}

// ListingStore reserves and releases the listing backing an order.
type ListingStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (listing.Listing, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status listing.Status) error
}

// CredentialCipher seals seller secrets for the hand-off and opens them for
// the buyer.
type CredentialCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(blob []byte) ([]byte, error)
}

// CommissionSource yields the seller's plan commission rate at settlement.
type CommissionSource interface {
	CommissionRate(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Service is the order state machine. Every transition locks the order row,
// validates its guard, and writes the new state plus any ledger movement as
// one atomic unit. Collaborator side effects ride the outbox and happen
// after commit.
type Service struct {
	pool        TxBeginner
	repo        Store
	ledger      EscrowLedger
	listings    ListingStore
	cipher      CredentialCipher
	commissions CommissionSource

	platformID   string
	buyerWindow  time.Duration
	sellerWindow time.Duration
	now          func() time.Time
	log          *zap.Logger
}

// Deps bundles the collaborators wired at startup.
type Deps struct {
	Repo        Store
	Ledger      EscrowLedger
	Listings    ListingStore
	Cipher      CredentialCipher
	Commissions CommissionSource

	PlatformAccountID string
	BuyerWindow       time.Duration
	SellerWindow      time.Duration
	Logger            *zap.Logger
}

func NewService(pool TxBeginner, deps Deps) *Service {
	if deps.BuyerWindow <= 0 {
		deps.BuyerWindow = 20 * time.Minute
	}
	if deps.SellerWindow <= 0 {
		deps.SellerWindow = 24 * time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		pool:         pool,
		repo:         deps.Repo,
		ledger:       deps.Ledger,
		listings:     deps.Listings,
		cipher:       deps.Cipher,
		commissions:  deps.Commissions,
		platformID:   deps.PlatformAccountID,
		buyerWindow:  deps.BuyerWindow,
		sellerWindow: deps.SellerWindow,
		now:          time.Now,
		log:          deps.Logger,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create purchases a listing: the order row and its escrow funding commit
// together, so a failed debit fails the whole creation.
func (s *Service) Create(ctx context.Context, buyerID, listingID string, quantity int) (Order, error) {
	if buyerID == "" {
		return Order{}, fmt.Errorf("order: missing buyer id")
	}
	if listingID == "" {
		return Order{}, fmt.Errorf("order: missing listing id")
	}
	if quantity <= 0 {
		return Order{}, fmt.Errorf("order: quantity must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lst, err := s.listings.GetForUpdateTx(ctx, tx, listingID)
	if err != nil {
		return Order{}, err
	}
	if lst.Status != listing.StatusAvailable {
		return Order{}, listing.ErrNotAvailable
	}
	if lst.SellerID == buyerID {
		return Order{}, fmt.Errorf("order: buyer cannot purchase own listing")
	}

	price := lst.Price.Mul(decimal.NewFromInt(int64(quantity)))
	sellerDeadline := s.now().Add(s.sellerWindow)

	created, err := s.repo.InsertTx(ctx, tx, Order{
		BuyerID:        buyerID,
		SellerID:       lst.SellerID,
		ListingID:      listingID,
		Quantity:       quantity,
		UnitPrice:      lst.Price,
		Price:          price,
		SellerDeadline: &sellerDeadline,
	})
	if err != nil {
		return Order{}, err
	}

	if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
		FromUserID:     buyerID,
		FromSubAccount: ledger.SubAccountBuying,
		ToUserID:       s.platformID,
		ToSubAccount:   ledger.SubAccountEscrow,
		Amount:         price,
		Type:           ledger.TxTypePurchase,
		OrderID:        &created.ID,
		Description:    "escrow funding for listing " + listingID,
	}); err != nil {
		return Order{}, err
	}

	if err := s.listings.SetStatusTx(ctx, tx, listingID, listing.StatusPending); err != nil {
		return Order{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicOrderCreated, map[string]any{
		"order_id":   created.ID,
		"buyer_id":   buyerID,
		"seller_id":  created.SellerID,
		"listing_id": listingID,
		"price":      price.StringFixed(2),
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit create: %w", err)
	}

	s.log.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("buyer_id", buyerID),
		zap.String("listing_id", listingID),
		zap.String("price", price.StringFixed(2)))
	return created, nil
}

// ConfirmPayment is the payment gateway callback: it advances a funded
// order to waiting_for_seller. Replays after the transition are no-ops.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}

	switch o.Status {
	case StatusPending:
		// fall through to the transition
	case StatusWaitingForSeller, StatusWaitingForBuyer, StatusCompleted, StatusDisputed,
		StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit:
		return o, nil
	default:
		return Order{}, &InvalidStateError{OrderID: orderID, Current: o.Status, Attempted: "confirm payment for"}
	}

	if err := s.repo.SetStatusTx(ctx, tx, orderID, StatusWaitingForSeller); err != nil {
		return Order{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicOrderAwaitingSeller, map[string]any{
		"order_id":  o.ID,
		"seller_id": o.SellerID,
	}); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit payment confirmation: %w", err)
	}

	o.Status = StatusWaitingForSeller
	return o, nil
}

// ReleaseCredentials seals the seller's payload and hands the order to the
// buyer with a fresh confirmation deadline.
func (s *Service) ReleaseCredentials(ctx context.Context, orderID, sellerID, payload string) (Order, error) {
	if strings.TrimSpace(payload) == "" {
		return Order{}, fmt.Errorf("order: empty credential payload")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.SellerID != sellerID {
		return Order{}, ErrForbidden
	}
	if o.Status != StatusPending && o.Status != StatusWaitingForSeller {
		return Order{}, &InvalidStateError{OrderID: orderID, Current: o.Status, Attempted: "release credentials for"}
	}

	blob, err := s.cipher.Seal([]byte(payload))
	if err != nil {
		return Order{}, fmt.Errorf("order: seal credentials: %w", err)
	}

	deadline := s.now().Add(s.buyerWindow)
	if err := s.repo.StoreCredentialsTx(ctx, tx, orderID, blob, deadline); err != nil {
		return Order{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicOrderCredentialsReleased, map[string]any{
		"order_id":       o.ID,
		"buyer_id":       o.BuyerID,
		"buyer_deadline": deadline.UTC(),
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit credential release: %w", err)
	}

	s.log.Info("credentials released",
		zap.String("order_id", o.ID),
		zap.Time("buyer_deadline", deadline))

	o.Status = StatusWaitingForBuyer
	o.CredentialBlob = blob
	o.BuyerDeadline = &deadline
	return o, nil
}

// ConfirmReceipt settles the order on explicit buyer confirmation. A
// confirm racing an expiry sweep loses the row lock and observes the order
// already completed; that replay is success.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.BuyerID != buyerID {
		return Order{}, ErrForbidden
	}
	if o.Status == StatusCompleted {
		return o, nil
	}
	if o.Status != StatusWaitingForBuyer {
		return Order{}, &InvalidStateError{OrderID: orderID, Current: o.Status, Attempted: "confirm receipt for"}
	}

	if err := s.settleTx(ctx, tx, o, StatusCompleted); err != nil {
		return Order{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicOrderCompleted, map[string]any{
		"order_id":  o.ID,
		"seller_id": o.SellerID,
		"automatic": false,
	}); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit settlement: %w", err)
	}

	s.log.Info("order settled on buyer confirmation", zap.String("order_id", o.ID))

	o.Status = StatusCompleted
	o.EscrowAmount = decimal.Zero
	return o, nil
}

// ExpireIfOverdue is the sweep entry point. Past the buyer deadline it
// settles on the buyer's behalf (deemed acceptance); past the seller
// deadline it refunds the buyer and expires the order. Orders in any other
// state are left untouched, so the sweep is safe at any frequency.
func (s *Service) ExpireIfOverdue(ctx context.Context, orderID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	now := s.now()

	switch {
	case o.Status == StatusWaitingForBuyer && o.BuyerDeadline != nil && now.After(*o.BuyerDeadline):
		if err := s.settleTx(ctx, tx, o, StatusCompleted); err != nil {
			return Order{}, err
		}
		if err := outbox.Enqueue(ctx, tx, TopicOrderCompleted, map[string]any{
			"order_id":  o.ID,
			"seller_id": o.SellerID,
			"automatic": true,
		}); err != nil {
			return Order{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Order{}, fmt.Errorf("order: commit auto settlement: %w", err)
		}
		// Deliberately distinct from explicit confirmation in the logs.
		s.log.Info("order auto-settled after buyer deadline",
			zap.String("order_id", o.ID),
			zap.Timep("buyer_deadline", o.BuyerDeadline))
		o.Status = StatusCompleted
		o.EscrowAmount = decimal.Zero
		return o, nil

	case (o.Status == StatusPending || o.Status == StatusWaitingForSeller) &&
		o.SellerDeadline != nil && now.After(*o.SellerDeadline):
		if err := s.refundTx(ctx, tx, o, StatusExpired, ledger.TxTypeRefund, "escrow refund on seller timeout"); err != nil {
			return Order{}, err
		}
		if err := outbox.Enqueue(ctx, tx, TopicOrderExpired, map[string]any{
			"order_id": o.ID,
			"buyer_id": o.BuyerID,
		}); err != nil {
			return Order{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Order{}, fmt.Errorf("order: commit expiry: %w", err)
		}
		s.log.Info("order expired after seller timeout", zap.String("order_id", o.ID))
		o.Status = StatusExpired
		o.EscrowAmount = decimal.Zero
		return o, nil
	}

	// Not overdue, already advanced, or terminal: revisit next sweep.
	return o, nil
}

// Cancel refunds and closes an order the seller has not yet acted on.
func (s *Service) Cancel(ctx context.Context, orderID, buyerID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdateTx(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.BuyerID != buyerID {
		return Order{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Order{}, &InvalidStateError{OrderID: orderID, Current: o.Status, Attempted: "cancel"}
	}

	if err := s.refundTx(ctx, tx, o, StatusCancelled, ledger.TxTypeRefund, "escrow refund on cancellation"); err != nil {
		return Order{}, err
	}
	if err := outbox.Enqueue(ctx, tx, TopicOrderCancelled, map[string]any{
		"order_id": o.ID,
		"buyer_id": o.BuyerID,
	}); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit cancellation: %w", err)
	}

	s.log.Info("order cancelled", zap.String("order_id", o.ID))
	o.Status = StatusCancelled
	o.EscrowAmount = decimal.Zero
	return o, nil
}

// Get returns the order for its buyer, seller, or a moderator. Credentials
// are decrypted only for the buyer once released; the sealed blob itself is
// never exposed to anyone.
func (s *Service) Get(ctx context.Context, orderID, requesterID, requesterRole string) (View, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return View{}, err
	}

	isBuyer := o.BuyerID == requesterID
	isSeller := o.SellerID == requesterID
	isModerator := requesterRole == "moderator"
	if !isBuyer && !isSeller && !isModerator {
		return View{}, ErrForbidden
	}

	view := View{Order: o}
	released := o.CredentialBlob != nil && o.Status != StatusPending && o.Status != StatusWaitingForSeller
	if isBuyer && released {
		plaintext, err := s.cipher.Open(o.CredentialBlob)
		if err != nil {
			return View{}, err
		}
		creds := string(plaintext)
		view.Credentials = &creds
	}
	view.Order.CredentialBlob = nil
	return view, nil
}

// ListOverdue feeds the background sweeper.
func (s *Service) ListOverdue(ctx context.Context, limit int) ([]string, error) {
	return s.repo.SweepDue(ctx, s.now(), limit)
}

// SettleTx runs the settlement path inside an existing transaction holding
// the order lock. The dispute coordinator reuses it for seller outcomes.
func (s *Service) SettleTx(ctx context.Context, tx pgx.Tx, o Order, terminal Status) error {
	return s.settleTx(ctx, tx, o, terminal)
}

// RefundTx runs the refund path inside an existing transaction holding the
// order lock. The dispute coordinator reuses it for buyer outcomes.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, o Order, terminal Status, txType ledger.TxType, desc string) error {
	return s.refundTx(ctx, tx, o, terminal, txType, desc)
}

// SplitTx divides the escrow between buyer and seller inside an existing
// transaction holding the order lock. buyerShare is floored to cents;
// remainder cents go to the seller so the two transfers sum exactly to the
// escrow amount.
func (s *Service) SplitTx(ctx context.Context, tx pgx.Tx, o Order, buyerShare decimal.Decimal, terminal Status) error {
	if buyerShare.IsNegative() || buyerShare.GreaterThan(o.EscrowAmount) {
		return &ledger.InvariantError{Detail: fmt.Sprintf(
			"split share %s outside escrow %s for order %s", buyerShare, o.EscrowAmount, o.ID)}
	}
	buyerShare = buyerShare.RoundDown(2)
	sellerShare := o.EscrowAmount.Sub(buyerShare)
	if !buyerShare.Add(sellerShare).Equal(o.EscrowAmount) {
		return &ledger.InvariantError{Detail: fmt.Sprintf(
			"split %s + %s != escrow %s for order %s", buyerShare, sellerShare, o.EscrowAmount, o.ID)}
	}

	// Both transfers' rows are locked up front in one sorted pass so a
	// concurrent transaction on the same balances cannot form a lock cycle.
	if err := s.ledger.LockBalancesTx(ctx, tx,
		ledger.BalanceRef{UserID: s.platformID, SubAccount: ledger.SubAccountEscrow},
		ledger.BalanceRef{UserID: o.BuyerID, SubAccount: ledger.SubAccountBuying},
		ledger.BalanceRef{UserID: o.SellerID, SubAccount: ledger.SubAccountSelling},
	); err != nil {
		return err
	}

	if buyerShare.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromUserID:     s.platformID,
			FromSubAccount: ledger.SubAccountEscrow,
			ToUserID:       o.BuyerID,
			ToSubAccount:   ledger.SubAccountBuying,
			Amount:         buyerShare,
			Type:           ledger.TxTypeDisputeAdjustment,
			OrderID:        &o.ID,
			Description:    "dispute split refund",
		}); err != nil {
			return err
		}
	}
	if sellerShare.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromUserID:     s.platformID,
			FromSubAccount: ledger.SubAccountEscrow,
			ToUserID:       o.SellerID,
			ToSubAccount:   ledger.SubAccountSelling,
			Amount:         sellerShare,
			Type:           ledger.TxTypeDisputeAdjustment,
			OrderID:        &o.ID,
			Description:    "dispute split payout",
		}); err != nil {
			return err
		}
	}

	if err := s.repo.CloseEscrowTx(ctx, tx, o.ID, terminal, false); err != nil {
		return err
	}
	return s.listings.SetStatusTx(ctx, tx, o.ListingID, listing.StatusSold)
}

func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, o Order, terminal Status) error {
	rate, err := s.commissions.CommissionRate(ctx, o.SellerID)
	if err != nil {
		return err
	}

	commission, payout, err := SplitCommission(o.EscrowAmount, rate)
	if err != nil {
		return err
	}

	// Payout and commission are two transfers in one transaction; locking
	// their rows incrementally can deadlock against a subscription charge
	// holding platform/selling while waiting on seller/selling. One sorted
	// pass up front keeps the lock order stable across flows.
	if err := s.ledger.LockBalancesTx(ctx, tx,
		ledger.BalanceRef{UserID: s.platformID, SubAccount: ledger.SubAccountEscrow},
		ledger.BalanceRef{UserID: o.SellerID, SubAccount: ledger.SubAccountSelling},
		ledger.BalanceRef{UserID: s.platformID, SubAccount: ledger.SubAccountSelling},
	); err != nil {
		return err
	}

	if payout.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromUserID:     s.platformID,
			FromSubAccount: ledger.SubAccountEscrow,
			ToUserID:       o.SellerID,
			ToSubAccount:   ledger.SubAccountSelling,
			Amount:         payout,
			Type:           ledger.TxTypePayout,
			OrderID:        &o.ID,
			Description:    "escrow settlement",
		}); err != nil {
			return err
		}
	}

	if commission.IsPositive() {
		if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
			FromUserID:     s.platformID,
			FromSubAccount: ledger.SubAccountEscrow,
			ToUserID:       s.platformID,
			ToSubAccount:   ledger.SubAccountSelling,
			Amount:         commission,
			Type:           ledger.TxTypePayout,
			OrderID:        &o.ID,
			Description:    "platform commission",
		}); err != nil {
			return err
		}
	}

	if err := s.repo.CloseEscrowTx(ctx, tx, o.ID, terminal, true); err != nil {
		return err
	}
	return s.listings.SetStatusTx(ctx, tx, o.ListingID, listing.StatusSold)
}

func (s *Service) refundTx(ctx context.Context, tx pgx.Tx, o Order, terminal Status, txType ledger.TxType, desc string) error {
	if err := s.ledger.TransferTx(ctx, tx, ledger.TransferParams{
		FromUserID:     s.platformID,
		FromSubAccount: ledger.SubAccountEscrow,
		ToUserID:       o.BuyerID,
		ToSubAccount:   ledger.SubAccountBuying,
		Amount:         o.EscrowAmount,
		Type:           txType,
		OrderID:        &o.ID,
		Description:    desc,
	}); err != nil {
		return err
	}
	if err := s.repo.CloseEscrowTx(ctx, tx, o.ID, terminal, false); err != nil {
		return err
	}
	return s.listings.SetStatusTx(ctx, tx, o.ListingID, listing.StatusAvailable)
}

// SplitCommission divides an escrow amount into the platform commission and
// the seller payout. The two always sum exactly to the input; rounding
// remainders stay with the seller.
func SplitCommission(escrow, rate decimal.Decimal) (commission, payout decimal.Decimal, err error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, &ledger.InvariantError{
			Detail: fmt.Sprintf("commission rate %s outside [0,1]", rate)}
	}
	commission = escrow.Mul(rate).RoundDown(2)
	payout = escrow.Sub(commission)
	if payout.IsNegative() || !commission.Add(payout).Equal(escrow) {
		return decimal.Zero, decimal.Zero, &ledger.InvariantError{
			Detail: fmt.Sprintf("commission split %s + %s != %s", commission, payout, escrow)}
	}
	return commission, payout, nil
}
