package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repository holds the in-transaction ledger primitives. Every method takes
// the caller's pgx.Tx so order and dispute flows can fold balance mutations
// into their own transactional boundary.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// EntryParams describes one balance mutation. Amount is always positive;
// the direction comes from the primitive invoked.
type EntryParams struct {
	UserID      string
	SubAccount  SubAccount
	Amount      decimal.Decimal
	Type        TxType
	OrderID     *string
	Description string
}

func (p EntryParams) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("ledger: missing user id")
	}
	switch p.SubAccount {
	case SubAccountBuying, SubAccountSelling, SubAccountEscrow:
	default:
		return fmt.Errorf("ledger: invalid sub-account %q", p.SubAccount)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("ledger: amount must be positive, got %s", p.Amount)
	}
	return nil
}

// lockBalance materialises the balances row if absent, then locks it and
// returns the current amount. Serializes concurrent mutations per
// (user, sub-account).
func (r *Repository) lockBalance(ctx context.Context, tx pgx.Tx, userID string, sub SubAccount) (decimal.Decimal, error) {
	if _, err := tx.Exec(ctx, `
        INSERT INTO balances (user_id, sub_account, amount)
        VALUES ($1, $2, 0)
        ON CONFLICT (user_id, sub_account) DO NOTHING
    `, userID, sub); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: ensure balance row: %w", err)
	}

	var raw string
	if err := tx.QueryRow(ctx, `
        SELECT amount::text FROM balances
        WHERE user_id = $1 AND sub_account = $2
        FOR UPDATE
    `, userID, sub).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: lock balance: %w", err)
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance %q: %w", raw, err)
	}
	return amount, nil
}

func (r *Repository) writeBalance(ctx context.Context, tx pgx.Tx, userID string, sub SubAccount, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &InvariantError{Detail: fmt.Sprintf("negative balance write %s for %s/%s", amount, userID, sub)}
	}
	tag, err := tx.Exec(ctx, `
        UPDATE balances
        SET amount = $3, updated_at = get_tx_timestamp()
        WHERE user_id = $1 AND sub_account = $2
    `, userID, sub, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("ledger: write balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &InvariantError{Detail: fmt.Sprintf("balance row vanished for %s/%s", userID, sub)}
	}
	return nil
}

func (r *Repository) insertTransaction(ctx context.Context, tx pgx.Tx, params EntryParams, signed decimal.Decimal) (Transaction, error) {
	row := tx.QueryRow(ctx, `
        INSERT INTO transactions (user_id, sub_account, amount, type, status, order_id, description)
        VALUES ($1, $2, $3, $4, 'completed', $5, $6)
        RETURNING id, user_id, sub_account::text, amount::text, type::text, status::text, order_id, description, created_at, updated_at
    `, params.UserID, params.SubAccount, signed.StringFixed(2), params.Type, params.OrderID, params.Description)
	rec, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return rec, nil
}

// CreditTx adds funds to a sub-account inside the caller's transaction.
func (r *Repository) CreditTx(ctx context.Context, tx pgx.Tx, params EntryParams) (Transaction, error) {
	if err := params.validate(); err != nil {
		return Transaction{}, err
	}
	current, err := r.lockBalance(ctx, tx, params.UserID, params.SubAccount)
	if err != nil {
		return Transaction{}, err
	}
	if err := r.writeBalance(ctx, tx, params.UserID, params.SubAccount, current.Add(params.Amount)); err != nil {
		return Transaction{}, err
	}
	return r.insertTransaction(ctx, tx, params, params.Amount)
}

// DebitTx removes funds from a sub-account inside the caller's transaction.
// Returns InsufficientFundsError when the balance cannot cover the amount.
func (r *Repository) DebitTx(ctx context.Context, tx pgx.Tx, params EntryParams) (Transaction, error) {
	if err := params.validate(); err != nil {
		return Transaction{}, err
	}
	current, err := r.lockBalance(ctx, tx, params.UserID, params.SubAccount)
	if err != nil {
		return Transaction{}, err
	}
	if current.LessThan(params.Amount) {
		return Transaction{}, &InsufficientFundsError{
			UserID:     params.UserID,
			SubAccount: params.SubAccount,
			Available:  current,
			Required:   params.Amount,
		}
	}
	if err := r.writeBalance(ctx, tx, params.UserID, params.SubAccount, current.Sub(params.Amount)); err != nil {
		return Transaction{}, err
	}
	return r.insertTransaction(ctx, tx, params, params.Amount.Neg())
}

// BalanceRef names one balances row.
type BalanceRef struct {
	UserID     string
	SubAccount SubAccount
}

func (b BalanceRef) key() string {
	return b.UserID + "/" + string(b.SubAccount)
}

// LockBalancesTx locks every named balances row in one sorted pass. A flow
// that issues more than one transfer inside a single transaction must take
// all its row locks here first; acquiring them transfer by transfer can
// form a lock cycle with a concurrent transaction locking the same rows.
func (r *Repository) LockBalancesTx(ctx context.Context, tx pgx.Tx, refs ...BalanceRef) error {
	seen := make(map[string]BalanceRef, len(refs))
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.key()]; ok {
			continue
		}
		seen[ref.key()] = ref
		keys = append(keys, ref.key())
	}
	sort.Strings(keys)
	for _, key := range keys {
		ref := seen[key]
		if _, err := r.lockBalance(ctx, tx, ref.UserID, ref.SubAccount); err != nil {
			return err
		}
	}
	return nil
}

// TransferParams moves funds between two sub-accounts as one debit plus one
// credit with matching type and order reference.
type TransferParams struct {
	FromUserID     string
	FromSubAccount SubAccount
	ToUserID       string
	ToSubAccount   SubAccount
	Amount         decimal.Decimal
	Type           TxType
	OrderID        *string
	Description    string
}

// TransferTx debits the source and credits the destination inside the
// caller's transaction. Balance rows are locked in a stable order so
// concurrent transfers cannot deadlock.
func (r *Repository) TransferTx(ctx context.Context, tx pgx.Tx, params TransferParams) error {
	debit := EntryParams{
		UserID:      params.FromUserID,
		SubAccount:  params.FromSubAccount,
		Amount:      params.Amount,
		Type:        params.Type,
		OrderID:     params.OrderID,
		Description: params.Description,
	}
	credit := EntryParams{
		UserID:      params.ToUserID,
		SubAccount:  params.ToSubAccount,
		Amount:      params.Amount,
		Type:        params.Type,
		OrderID:     params.OrderID,
		Description: params.Description,
	}
	if err := debit.validate(); err != nil {
		return err
	}
	if err := credit.validate(); err != nil {
		return err
	}
	if debit.UserID == credit.UserID && debit.SubAccount == credit.SubAccount {
		return fmt.Errorf("ledger: transfer source and destination are identical")
	}

	keys := []string{
		debit.UserID + "/" + string(debit.SubAccount),
		credit.UserID + "/" + string(credit.SubAccount),
	}
	sort.Strings(keys)
	for _, key := range keys {
		side := debit
		if key == credit.UserID+"/"+string(credit.SubAccount) {
			side = credit
		}
		if _, err := r.lockBalance(ctx, tx, side.UserID, side.SubAccount); err != nil {
			return err
		}
	}

	if _, err := r.DebitTx(ctx, tx, debit); err != nil {
		return err
	}
	if _, err := r.CreditTx(ctx, tx, credit); err != nil {
		return err
	}
	return nil
}

// BalanceOf reads both spendable sub-account amounts without locking.
func (r *Repository) BalanceOf(ctx context.Context, q querier, userID string) (Balance, error) {
	rows, err := q.Query(ctx, `
        SELECT sub_account::text, amount::text
        FROM balances
        WHERE user_id = $1 AND sub_account IN ('buying', 'selling')
    `, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: balance of: %w", err)
	}
	defer rows.Close()

	out := Balance{UserID: userID, BuyingBalance: decimal.Zero, SellingBalance: decimal.Zero}
	for rows.Next() {
		var sub, raw string
		if err := rows.Scan(&sub, &raw); err != nil {
			return Balance{}, fmt.Errorf("ledger: scan balance: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Balance{}, fmt.Errorf("ledger: parse balance %q: %w", raw, err)
		}
		switch SubAccount(sub) {
		case SubAccountBuying:
			out.BuyingBalance = amount
		case SubAccountSelling:
			out.SellingBalance = amount
		}
	}
	if err := rows.Err(); err != nil {
		return Balance{}, fmt.Errorf("ledger: iterate balances: %w", err)
	}
	return out, nil
}

// RecentTransactions lists the latest entries across both spendable
// sub-accounts, newest first.
func (r *Repository) RecentTransactions(ctx context.Context, q querier, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := q.Query(ctx, `
        SELECT id, user_id, sub_account::text, amount::text, type::text, status::text, order_id, description, created_at, updated_at
        FROM transactions
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transactions: %w", err)
	}
	return out, nil
}

// querier is satisfied by *pgxpool.Pool, pgx.Tx, and *pgx.Conn.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		rec     Transaction
		raw     string
		orderID *string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.SubAccount, &raw, &rec.Type, &rec.Status, &orderID, &rec.Description, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	rec.Amount = amount
	rec.OrderID = orderID
	return rec, nil
}
