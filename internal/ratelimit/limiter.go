// Package ratelimit throttles requests per wallet with token buckets kept in
// memory or in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store holds token buckets keyed by caller.
type Store interface {
	// Allow consumes one token for key if available.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports available tokens without consuming any.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	// Reset refills key's bucket.
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config holds the limiter settings.
type Config struct {
	// Store defaults to a MemoryStore.
	Store Store
	// RequestsPerSecond is the sustained rate per wallet.
	RequestsPerSecond float64
	// Burst is the bucket capacity per wallet.
	Burst  float64
	Logger zerolog.Logger
}

// DefaultConfig returns production defaults: 5 req/s sustained, bursts of 20.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 5, Burst: 20}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter applies one bucket per wallet.
type Limiter struct {
	store    Store
	capacity float64
	rate     float64
	logger   zerolog.Logger
}

// NewLimiter creates a limiter, applying defaults for unset fields.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, capacity: cfg.Burst, rate: cfg.RequestsPerSecond, logger: cfg.Logger}
}

// Allow consumes a token for key. Store failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key == "" {
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.rate)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("ratelimit.store failed, allowing request")
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	}
	d := Decision{Allowed: allowed, Limit: l.capacity, Remaining: remaining}
	if !allowed {
		d.RetryAfter = waitFor(1-remaining, l.rate)
	}
	return d
}

// Remaining returns key's available tokens, or the full capacity on error.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.rate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset refills key's bucket.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
