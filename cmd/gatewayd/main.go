package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/solforge/solforge-gateway/internal/adapter"
	adapteranthropic "github.com/solforge/solforge-gateway/internal/adapter/anthropic"
	adaptergemini "github.com/solforge/solforge-gateway/internal/adapter/gemini"
	"github.com/solforge/solforge-gateway/internal/adapter/loopback"
	adapteropenai "github.com/solforge/solforge-gateway/internal/adapter/openai"
	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/bootstrap"
	"github.com/solforge/solforge-gateway/internal/config"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/health"
	"github.com/solforge/solforge-gateway/internal/httpserver"
	"github.com/solforge/solforge-gateway/internal/logging"
	"github.com/solforge/solforge-gateway/internal/metrics"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/ratelimit"
	"github.com/solforge/solforge-gateway/internal/version"
)

// upstreamRetryDelay separates attempts at a transient upstream failure.
const upstreamRetryDelay = 500 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		File:     cfg.LogFile,
		MaxBytes: cfg.LogMaxBytes,
		Service:  "gatewayd",
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info().Str("build", version.FullInfo()).Str("env", cfg.Environment).Msg("gatewayd starting")

	if !cfg.PaymentsEnabled() {
		return errors.New("payment_pay_to and facilitator_url are required: callers could never top up")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg, err := bootstrap.OpenLedger(ctx, cfg, logger.With().Str("component", "ledger").Logger())
	if err != nil {
		return err
	}
	defer lg.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	collector := metrics.NewCollector()

	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	registry, err := adapter.NewRegistry(providers...)
	if err != nil {
		return err
	}
	logger.Info().Interface("providers", registry.IDs()).Msg("providers registered")

	facilitator, err := payment.NewFacilitatorClient(cfg.FacilitatorURL, cfg.FacilitatorTimeout, nil)
	if err != nil {
		return err
	}
	payments, err := payment.NewAdapter(payment.Config{
		Network:        cfg.PaymentNetwork,
		Asset:          cfg.PaymentAsset,
		Decimals:       cfg.PaymentAssetDecimals,
		PayTo:          cfg.PaymentPayTo,
		FeePayer:       cfg.PaymentFeePayer,
		ResourceURL:    cfg.ResourceURL,
		Amounts:        cfg.TopUpAmountsUSD,
		TimeoutSeconds: int(cfg.PaymentTimeout / time.Second),
	}, payment.Metered(facilitator, collector), lg, logger.With().Str("component", "payment").Logger())
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Markup:          cfg.Markup,
		MinBalance:      cfg.MinBalanceUSD,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, registry, lg, payments,
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()),
		gateway.WithMetrics(collector))
	if err != nil {
		return err
	}

	var nonces auth.NonceStore = auth.NewMemoryNonceStore()
	probes := []health.Probe{health.Store("ledger", lg)}
	var limiter *ratelimit.Limiter
	if rdb != nil {
		nonces = auth.NewRedisNonceStore(rdb)
		probes = append(probes, health.Probe{
			Name: "redis",
			Type: "cache",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	if cfg.RateLimitEnabled {
		var store ratelimit.Store
		if rdb != nil {
			store = ratelimit.NewRedisStore(rdb)
		}
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Store:             store,
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			Logger:            logger.With().Str("component", "ratelimit").Logger(),
		})
		defer limiter.Close()
	}

	srv, err := httpserver.New(httpserver.Config{
		Gateway:  gw,
		Ledger:   lg,
		Verifier: auth.NewVerifier(auth.Config{Window: cfg.NonceWindow, Nonces: nonces}),
		Payments: payments,
		Limiter:  limiter,
		Health: health.New(health.Config{
			Probes:        probes,
			HTTPEndpoints: map[string]string{"facilitator": cfg.FacilitatorURL},
		}),
		Metrics: collector,
		Logger:  logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams run as long as the upstream does.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Msg("gateway server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func buildProviders(ctx context.Context, cfg config.GatewayConfig, logger zerolog.Logger) ([]adapter.Provider, error) {
	var providers []adapter.Provider
	if key := strings.TrimSpace(cfg.OpenAIAPIKey); key != "" {
		p, err := adapteropenai.New(adapteropenai.Config{APIKey: key, BaseURL: cfg.OpenAIBaseURL, RequestTimeout: cfg.UpstreamTimeout})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if key := strings.TrimSpace(cfg.AnthropicAPIKey); key != "" {
		p, err := adapteranthropic.New(adapteranthropic.Config{APIKey: key, BaseURL: cfg.AnthropicBaseURL, RequestTimeout: cfg.UpstreamTimeout})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		p, err := adaptergemini.New(ctx, adaptergemini.Config{APIKey: key, BaseURL: cfg.GeminiBaseURL, RequestTimeout: cfg.UpstreamTimeout})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.LoopbackEnabled {
		providers = append(providers, loopback.New())
	}
	if len(providers) == 0 {
		logger.Warn().Msg("no providers configured; every completion will be rejected as unsupported")
	}
	for i, p := range providers {
		providers[i] = adapter.WithRetry(p, cfg.UpstreamRetries, upstreamRetryDelay)
	}
	return providers, nil
}
