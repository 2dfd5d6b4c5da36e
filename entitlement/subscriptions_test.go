package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/ledger"
)

func proParams() ActivateParams {
	return ActivateParams{
		UserID:         "seller-1",
		Tier:           "pro",
		MaxListings:    25,
		CommissionRate: decimal.NewFromFloat(0.07),
		Fee:            decimal.NewFromInt(30),
		Duration:       30 * 24 * time.Hour,
	}
}

func TestActivate_ChargesSellerAndActivates(t *testing.T) {
	pool := &subFakePool{}
	led := &subFakeLedger{}
	svc := NewSubscriptionService(pool, led, "platform", nil)

	sub, err := svc.Activate(context.Background(), proParams())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	if sub.Tier != "pro" || sub.MaxListings != 25 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if len(led.transfers) != 1 {
		t.Fatalf("expected one fee transfer, got %d", len(led.transfers))
	}
	fee := led.transfers[0]
	if fee.FromUserID != "seller-1" || fee.ToUserID != "platform" {
		t.Fatalf("fee must flow seller to platform, got %+v", fee)
	}
	if fee.Type != ledger.TxTypeSubscription {
		t.Fatalf("expected SUBSCRIPTION type, got %s", fee.Type)
	}
	if !fee.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected fee 30, got %s", fee.Amount)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestActivate_ZeroFeeSkipsLedger(t *testing.T) {
	pool := &subFakePool{}
	led := &subFakeLedger{}
	svc := NewSubscriptionService(pool, led, "platform", nil)

	params := proParams()
	params.Fee = decimal.Zero

	if _, err := svc.Activate(context.Background(), params); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(led.transfers) != 0 {
		t.Fatalf("zero fee must not touch the ledger, got %d transfers", len(led.transfers))
	}
}

func TestActivate_Validation(t *testing.T) {
	svc := NewSubscriptionService(&subFakePool{}, &subFakeLedger{}, "platform", nil)

	cases := []struct {
		name   string
		mutate func(*ActivateParams)
	}{
		{"missing tier", func(p *ActivateParams) { p.Tier = "" }},
		{"zero listings", func(p *ActivateParams) { p.MaxListings = 0 }},
		{"rate above one", func(p *ActivateParams) { p.CommissionRate = decimal.NewFromInt(2) }},
		{"negative fee", func(p *ActivateParams) { p.Fee = decimal.NewFromInt(-1) }},
		{"zero duration", func(p *ActivateParams) { p.Duration = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := proParams()
			tc.mutate(&params)
			if _, err := svc.Activate(context.Background(), params); !errors.Is(err, ErrInvalidActivation) {
				t.Fatalf("expected ErrInvalidActivation, got %v", err)
			}
		})
	}
}

func TestActivate_ChargeFailureAborts(t *testing.T) {
	pool := &subFakePool{}
	led := &subFakeLedger{err: &ledger.InsufficientFundsError{UserID: "seller-1", SubAccount: ledger.SubAccountSelling}}
	svc := NewSubscriptionService(pool, led, "platform", nil)

	var insufficient *ledger.InsufficientFundsError
	if _, err := svc.Activate(context.Background(), proParams()); !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("failed charge must not activate the plan")
	}
}

type subFakeLedger struct {
	transfers []ledger.TransferParams
	err       error
}

func (f *subFakeLedger) TransferTx(ctx context.Context, tx pgx.Tx, params ledger.TransferParams) error {
	if f.err != nil {
		return f.err
	}
	f.transfers = append(f.transfers, params)
	return nil
}

type subFakePool struct {
	tx *subFakeTx
}

func (f *subFakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &subFakeTx{}
	return f.tx, nil
}

type subFakeTx struct {
	committed bool
	rolled    bool
}

func (f *subFakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions unsupported")
}

func (f *subFakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *subFakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *subFakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *subFakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *subFakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *subFakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *subFakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *subFakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *subFakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return expiryRow{at: time.Now().Add(30 * 24 * time.Hour)}
}

func (f *subFakeTx) Conn() *pgx.Conn {
	return nil
}

type expiryRow struct {
	at time.Time
}

func (r expiryRow) Scan(dest ...any) error {
	if len(dest) == 1 {
		if p, ok := dest[0].(*time.Time); ok {
			*p = r.at
			return nil
		}
	}
	return errors.New("unexpected scan target")
}
