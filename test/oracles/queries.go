// Package oracles holds the SQL consistency checks run against the live
// database while the actors hammer it. Every query returns rows only when
// an invariant is broken.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_all_or_zero",
			SQL: `SELECT id, status, escrow_amount, price FROM orders
                  WHERE escrow_amount <> 0 AND escrow_amount <> price`,
		},
		{
			Name: "O2_terminal_escrow_zero",
			SQL: `SELECT id, status, escrow_amount FROM orders
                  WHERE status IN ('completed','cancelled','expired',
                                   'resolved_buyer','resolved_seller','resolved_split')
                    AND escrow_amount <> 0`,
		},
		{
			Name: "O3_balance_reconciliation",
			SQL: `SELECT b.user_id, b.sub_account, b.amount, COALESCE(t.total, 0) AS ledger_total
                  FROM balances b
                  LEFT JOIN (
                      SELECT user_id, sub_account, SUM(amount) AS total
                      FROM transactions
                      WHERE status = 'completed'
                      GROUP BY user_id, sub_account
                  ) t ON t.user_id = b.user_id AND t.sub_account = b.sub_account
                  WHERE b.amount <> COALESCE(t.total, 0)`,
		},
		{
			Name: "O4_no_negative_balance",
			SQL:  `SELECT user_id, sub_account, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O5_one_open_dispute_per_order",
			SQL: `SELECT order_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_settlement_pays_full_price",
			SQL: `SELECT o.id, o.price, paid.total FROM orders o
                  JOIN (
                      SELECT order_id, SUM(amount) AS total
                      FROM transactions
                      WHERE type = 'PAYOUT' AND amount > 0
                      GROUP BY order_id
                  ) paid ON paid.order_id = o.id
                  WHERE o.status IN ('completed','resolved_seller')
                    AND paid.total <> o.price`,
		},
		{
			Name: "O7_refund_returns_full_price",
			SQL: `SELECT o.id, o.price, COALESCE(refunded.total, 0) FROM orders o
                  LEFT JOIN (
                      SELECT order_id, SUM(amount) AS total
                      FROM transactions
                      WHERE type = 'REFUND' AND amount > 0
                      GROUP BY order_id
                  ) refunded ON refunded.order_id = o.id
                  WHERE o.status IN ('cancelled','expired')
                    AND COALESCE(refunded.total, 0) <> o.price`,
		},
		{
			Name: "O8_split_conserves_escrow",
			SQL: `SELECT o.id, o.price, adj.credits FROM orders o
                  JOIN (
                      SELECT order_id, SUM(amount) AS credits
                      FROM transactions
                      WHERE type = 'DISPUTE_ADJUSTMENT' AND amount > 0
                      GROUP BY order_id
                  ) adj ON adj.order_id = o.id
                  WHERE o.status IN ('resolved_buyer','resolved_split')
                    AND adj.credits <> o.price`,
		},
		{
			Name: "O9_disputed_order_has_open_dispute",
			SQL: `SELECT o.id FROM orders o
                  WHERE o.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.order_id = o.id AND d.status = 'open')`,
		},
		{
			Name: "O10_order_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_orders')`,
		},
		{
			Name: "O11_outbox_not_stale",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
