package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the engine needs at startup. All values come
// from the environment; a .env file is honoured in development.
type Config struct {
	DatabaseURL string
	JWTSecret   string
	// VaultKey is the process-wide credential encryption key, 32 bytes.
	VaultKey []byte
	// PlatformAccountID is the user id owning the escrow pool and
	// commission revenue sub-accounts.
	PlatformAccountID string

	BuyerConfirmWindow   time.Duration
	SellerReleaseWindow  time.Duration
	SweepInterval        time.Duration
	OutboxPollInterval   time.Duration
	OutboxMaxAttempts    int
	RecentTransactionCap int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	buyerWindow, err := getEnvDuration("BUYER_CONFIRM_WINDOW", 20*time.Minute)
	if err != nil {
		return nil, err
	}
	sellerWindow, err := getEnvDuration("SELLER_RELEASE_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getEnvDuration("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	outboxInterval, err := getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	keyHex := os.Getenv("VAULT_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("config: VAULT_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("config: VAULT_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: VAULT_KEY must decode to 32 bytes, got %d", len(key))
	}

	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		VaultKey:             key,
		PlatformAccountID:    os.Getenv("PLATFORM_ACCOUNT_ID"),
		BuyerConfirmWindow:   buyerWindow,
		SellerReleaseWindow:  sellerWindow,
		SweepInterval:        sweepInterval,
		OutboxPollInterval:   outboxInterval,
		OutboxMaxAttempts:    getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
		RecentTransactionCap: getEnvInt("RECENT_TRANSACTION_CAP", 20),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.PlatformAccountID == "" {
		return nil, fmt.Errorf("config: PLATFORM_ACCOUNT_ID is required")
	}

	return cfg, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s: %q: %w", key, value, err)
	}
	return d, nil
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
