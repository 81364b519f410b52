package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/solforge/solforge-gateway/internal/config"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/ledger/postgres"
	"github.com/solforge/solforge-gateway/internal/ledger/sqlite"
	"github.com/solforge/solforge-gateway/internal/pricing"
)

// OpenLedger opens the configured store and prices it with the built-in
// table merged with cfg.PricingFile.
func OpenLedger(ctx context.Context, cfg config.GatewayConfig, logger zerolog.Logger) (*ledger.Ledger, error) {
	prices, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		return nil, err
	}
	var store ledger.Store
	switch cfg.LedgerDriver {
	case "postgres":
		store, err = postgres.New(ctx, postgres.Config{DSN: cfg.LedgerDSN})
	default:
		store, err = sqlite.New(cfg.LedgerPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.LedgerDriver, err)
	}
	logger.Info().
		Str("driver", cfg.LedgerDriver).
		Int("priced_models", len(prices.Models())).
		Msg("ledger.opened")
	return ledger.New(store, prices, ledger.WithLogger(logger)), nil
}

// OpenRedis connects to cfg.RedisAddr. It returns nil when Redis is not
// configured.
func OpenRedis(ctx context.Context, cfg config.GatewayConfig) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}
