package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/solforge/solforge-gateway/internal/pricing"
	"github.com/solforge/solforge-gateway/internal/usage"
)

// Deduction is the outcome of a successful debit.
type Deduction struct {
	Cost       decimal.Decimal
	NewBalance decimal.Decimal
	Entry      Entry
}

// Ledger prices usage and applies balance changes through a Store.
type Ledger struct {
	store  Store
	prices *pricing.Table
	logger zerolog.Logger
	now    func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l zerolog.Logger) Option { return func(lg *Ledger) { lg.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// New builds a Ledger.
func New(store Store, prices *pricing.Table, opts ...Option) *Ledger {
	l := &Ledger{store: store, prices: prices, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Prices exposes the pricing table.
func (l *Ledger) Prices() *pricing.Table { return l.prices }

// EnsureAccount creates the wallet's account lazily.
func (l *Ledger) EnsureAccount(ctx context.Context, wallet string) (Account, error) {
	if strings.TrimSpace(wallet) == "" {
		return Account{}, errors.New("ledger: wallet address required")
	}
	return l.store.EnsureAccount(ctx, wallet)
}

// Account returns the wallet's account.
func (l *Ledger) Account(ctx context.Context, wallet string) (Account, error) {
	return l.store.GetAccount(ctx, wallet)
}

// Entries lists the wallet's most recent entries.
func (l *Ledger) Entries(ctx context.Context, wallet string, limit int) ([]Entry, error) {
	return l.store.ListEntries(ctx, wallet, limit)
}

// HasPayment reports whether a payment signature was already credited.
func (l *Ledger) HasPayment(ctx context.Context, signature string) (bool, error) {
	return l.store.HasPayment(ctx, signature)
}

// Deduct prices totals for model and debits the wallet atomically.
// It fails with ErrInsufficientBalance, leaving the account untouched, when the
// cost exceeds the balance.
func (l *Ledger) Deduct(ctx context.Context, wallet, provider, model string, totals usage.Totals, markup decimal.Decimal) (Deduction, error) {
	cost, err := l.prices.Cost(model, totals, markup)
	if err != nil {
		return Deduction{}, err
	}
	cost = cost.Round(Scale)
	entry, err := l.store.Debit(ctx, Entry{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		Kind:          KindDeduction,
		AmountUSD:     cost,
		Provider:      provider,
		Model:         model,
		InputTokens:   totals.Input,
		OutputTokens:  totals.Output,
		TotalTokens:   totals.Total,
		CreatedAt:     l.now().UTC(),
	})
	if err != nil {
		return Deduction{}, err
	}
	l.logger.Debug().
		Str("wallet", wallet).
		Str("model", model).
		Str("cost", Format(cost)).
		Str("balance", Format(entry.BalanceAfter)).
		Msg("ledger.deduct")
	return Deduction{Cost: cost, NewBalance: entry.BalanceAfter, Entry: entry}, nil
}

// Credit adds amount to the wallet, recording the payment signature. Crediting
// the same signature twice fails with ErrDuplicatePayment and no change.
func (l *Ledger) Credit(ctx context.Context, wallet string, amount decimal.Decimal, signature, payer string) (decimal.Decimal, error) {
	if strings.TrimSpace(wallet) == "" {
		return decimal.Zero, errors.New("ledger: wallet address required")
	}
	if strings.TrimSpace(signature) == "" {
		return decimal.Zero, errors.New("ledger: payment signature required")
	}
	amount = amount.Round(Scale)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("ledger: credit amount must be positive, got %s", amount)
	}
	entry, err := l.store.Credit(ctx, Entry{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		Kind:          KindTopUp,
		AmountUSD:     amount,
		Signature:     signature,
		Payer:         payer,
		CreatedAt:     l.now().UTC(),
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.logger.Info().
		Str("wallet", wallet).
		Str("amount", Format(amount)).
		Str("signature", signature).
		Str("balance", Format(entry.BalanceAfter)).
		Msg("ledger.credit")
	return entry.BalanceAfter, nil
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error { return l.store.Ping(ctx) }

// Close releases the backing store.
func (l *Ledger) Close() error { return l.store.Close() }
