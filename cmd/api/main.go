package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/engine"
	"escrowflow/entitlement"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/order"
	"escrowflow/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	cipher, err := vault.New(cfg.VaultKey)
	if err != nil {
		logger.Fatal("bootstrap credential vault", zap.Error(err))
	}

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)

	ledgerRepo := ledger.NewRepository()
	ledgerSvc := ledger.NewService(pool, ledgerRepo)

	listingRepo := listing.NewRepository(pool)
	planStore := entitlement.NewPlanStore(pool)
	gate := entitlement.NewGate(planStore, listingRepo)
	listingSvc := listing.NewService(listingRepo, gate)
	subscriptions := entitlement.NewSubscriptionService(pool, ledgerRepo, cfg.PlatformAccountID, logger)

	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, order.Deps{
		Repo:              orderRepo,
		Ledger:            ledgerRepo,
		Listings:          listingRepo,
		Cipher:            cipher,
		Commissions:       gate,
		PlatformAccountID: cfg.PlatformAccountID,
		BuyerWindow:       cfg.BuyerConfirmWindow,
		SellerWindow:      cfg.SellerReleaseWindow,
		Logger:            logger,
	})

	disputeRepo := dispute.NewRepository(pool)
	disputeSvc := dispute.NewService(pool, disputeRepo, orderRepo, orderSvc, authRepo, logger)

	eng := engine.New(engine.Deps{
		Auth:     authSvc,
		Ledger:   ledgerSvc,
		Listings: listingSvc,
		Orders:   orderSvc,
		Disputes: disputeSvc,
	})

	sweeper := engine.NewSweeper(orderSvc, cfg.SweepInterval, 100, logger)
	go sweeper.Run(ctx)

	queue := engine.NewPGQueue(pool, cfg.OutboxMaxAttempts)
	dispatcher := engine.NewDispatcher(engine.DispatcherDeps{
		Queue:    queue,
		Interval: cfg.OutboxPollInterval,
		Log:      logger,
	})
	go dispatcher.Run(ctx)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           newServer(eng, subscriptions, authSvc, queue, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("serve", zap.Error(err))
	}
}

func listenAddr() string {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
