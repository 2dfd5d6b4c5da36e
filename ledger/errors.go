package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InsufficientFundsError reports a debit that would drive a balance
// negative. Callers surface the shortfall to the user.
type InsufficientFundsError struct {
	UserID     string
	SubAccount SubAccount
	Available  decimal.Decimal
	Required   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds on %s/%s: have %s, need %s",
		e.UserID, e.SubAccount, e.Available.StringFixed(2), e.Required.StringFixed(2))
}

// Shortfall is the amount missing to cover the debit.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// InvariantError signals an internal consistency violation. The enclosing
// transaction must abort; nothing may be partially applied.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "ledger: invariant violation: " + e.Detail
}
