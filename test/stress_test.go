package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/entitlement"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/order"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/vault"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of buyer/seller actor pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool, *flConcurrency)
	services := buildServices(t, pool, seedData.platformID)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Funder(ctx2, services.ledger, seedData.buyers, stop) })
	for _, buyerID := range seedData.buyers {
		buyerID := buyerID
		g.Go(func() error { return actors.Shopper(ctx2, services.orders, pool, buyerID, stop) })
		g.Go(func() error { return actors.Confirmer(ctx2, services.orders, services.disputes, pool, buyerID, stop) })
	}
	for _, sellerID := range seedData.sellers {
		sellerID := sellerID
		g.Go(func() error { return actors.Seller(ctx2, services.orders, pool, sellerID, stop) })
	}
	g.Go(func() error { return actors.Moderator(ctx2, services.disputes, seedData.moderatorID, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, services.orders, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	g.Go(func() error {
		all := append(append([]string{}, seedData.buyers...), seedData.sellers...)
		return actors.Reconciler(ctx2, services.ledger, all, stop)
	})
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type stressServices struct {
	ledger   *ledger.Service
	orders   *order.Service
	disputes *dispute.Service
}

func buildServices(t *testing.T, pool *pgxpool.Pool, platformID string) stressServices {
	t.Helper()

	key := make([]byte, 32)
	rand.Read(key)
	cipher, err := vault.New(key)
	if err != nil {
		t.Fatalf("build vault: %v", err)
	}

	log := zap.NewNop()
	ledgerRepo := ledger.NewRepository()
	listingRepo := listing.NewRepository(pool)
	gate := entitlement.NewGate(entitlement.NewPlanStore(pool), listingRepo)
	orderRepo := order.NewRepository(pool)

	// Short windows so the sweeper actually races user actions in a run.
	orderSvc := order.NewService(pool, order.Deps{
		Repo:              orderRepo,
		Ledger:            ledgerRepo,
		Listings:          listingRepo,
		Cipher:            cipher,
		Commissions:       gate,
		PlatformAccountID: platformID,
		BuyerWindow:       2 * time.Second,
		SellerWindow:      3 * time.Second,
		Logger:            log,
	})
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), orderRepo, orderSvc, auth.NewRepository(pool), log)

	return stressServices{
		ledger:   ledger.NewService(pool, ledgerRepo),
		orders:   orderSvc,
		disputes: disputeSvc,
	}
}

type seedIDs struct {
	platformID  string
	moderatorID string
	buyers      []string
	sellers     []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, pairs int) seedIDs {
	t.Helper()
	var s seedIDs

	newUser := func(role, label string) string {
		var id string
		email := fmt.Sprintf("%s%d@example.com", label, rand.Int63())
		if err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3) RETURNING id`,
			email, "Stress "+label, role).Scan(&id); err != nil {
			t.Fatalf("seed %s: %v", label, err)
		}
		return id
	}

	s.platformID = newUser("moderator", "platform")
	s.moderatorID = newUser("moderator", "moderator")
	for i := 0; i < pairs; i++ {
		s.buyers = append(s.buyers, newUser("buyer", "buyer"))
		sellerID := newUser("seller", "seller")
		s.sellers = append(s.sellers, sellerID)

		// plenty of stock so shoppers rarely starve
		if _, err := pool.Exec(ctx, `
			INSERT INTO listings (seller_id, platform, title, price, status, product)
			SELECT $1, 'telegram', 'stress listing ' || n, (5 + (n % 40))::numeric, 'available',
			       jsonb_build_object('type', 'account', 'username', 'acct' || n, 'followers', n * 10)
			FROM generate_series(1, 150) AS n`, sellerID); err != nil {
			t.Fatalf("seed listings: %v", err)
		}

		// some sellers carry a paid tier so commission rates vary
		if i%2 == 0 {
			if _, err := pool.Exec(ctx, `
				INSERT INTO subscriptions (user_id, tier, max_listings, commission_rate, expires_at)
				VALUES ($1, 'pro', 200, 0.07, now() + interval '1 day')`, sellerID); err != nil {
				t.Fatalf("seed subscription: %v", err)
			}
		}
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"orders", `SELECT id, status, price, escrow_amount, buyer_deadline, seller_deadline FROM orders ORDER BY updated_at DESC LIMIT 50`},
		{"transactions", `SELECT id, user_id, sub_account, amount, type, order_id FROM transactions ORDER BY created_at DESC LIMIT 50`},
		{"disputes", `SELECT id, order_id, status, moderator_id FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
