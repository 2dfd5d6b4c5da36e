package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubAccount names one of a user's balances. The escrow sub-account is only
// ever held by the platform account; buyers and sellers never carry one.
type SubAccount string

const (
	SubAccountBuying  SubAccount = "buying"
	SubAccountSelling SubAccount = "selling"
	SubAccountEscrow  SubAccount = "escrow"
)

// TxType classifies a ledger entry.
type TxType string

const (
	TxTypePurchase          TxType = "PURCHASE"
	TxTypePayout            TxType = "PAYOUT"
	TxTypeSubscription      TxType = "SUBSCRIPTION"
	TxTypeRefund            TxType = "REFUND"
	TxTypeDisputeAdjustment TxType = "DISPUTE_ADJUSTMENT"
)

// TxStatus tracks settlement of a ledger entry. Entries are immutable apart
// from moving pending to completed or failed.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusCompleted TxStatus = "completed"
	TxStatusFailed    TxStatus = "failed"
)

// Transaction is an immutable ledger entry. Negative amounts are debits.
type Transaction struct {
	ID          string
	UserID      string
	SubAccount  SubAccount
	Amount      decimal.Decimal
	Type        TxType
	Status      TxStatus
	OrderID     *string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Balance is a snapshot of one user's two spendable sub-accounts.
type Balance struct {
	UserID         string
	BuyingBalance  decimal.Decimal
	SellingBalance decimal.Decimal
}

// BalanceStatement is the caller-facing view of a balance with its most
// recent ledger activity.
type BalanceStatement struct {
	Balance
	RecentTransactions []Transaction
}
