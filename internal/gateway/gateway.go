// Package gateway runs one paid completion end to end: admission, provider
// dispatch, usage reconciliation and the ledger deduction.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/metrics"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/pricing"
	"github.com/solforge/solforge-gateway/internal/usage"
)

const (
	defaultUpstreamTimeout = 5 * time.Minute
	defaultFinalizeTimeout = 10 * time.Second
)

var (
	// ErrNotDrained is returned by Finalize before the stream reached its end.
	ErrNotDrained = errors.New("gateway: stream not drained")
	// ErrCancelled is returned by Finalize when the caller went away; nothing is billed.
	ErrCancelled = errors.New("gateway: request cancelled before finalize")
	// ErrFinalized is returned when Finalize runs twice.
	ErrFinalized = errors.New("gateway: stream already finalized")
)

// InsufficientBalanceError rejects a wallet whose balance is below the
// admission minimum. Accepts lists the top-ups that would unblock it.
type InsufficientBalanceError struct {
	Balance decimal.Decimal
	Minimum decimal.Decimal
	Accepts []payment.Requirement
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s < %s", ledger.Format(e.Balance), ledger.Format(e.Minimum))
}

// Is lets callers match with errors.Is(err, ledger.ErrInsufficientBalance).
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ledger.ErrInsufficientBalance
}

// Requirements lists the accepted top-up denominations.
type Requirements interface {
	Requirements() []payment.Requirement
}

// Config holds orchestrator policy.
type Config struct {
	Markup          decimal.Decimal
	MinBalance      decimal.Decimal
	UpstreamTimeout time.Duration
	FinalizeTimeout time.Duration
}

// Gateway dispatches admitted requests and bills them.
type Gateway struct {
	cfg       Config
	providers *adapter.Registry
	ledger    *ledger.Ledger
	payments  Requirements
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithMetrics records billing outcomes on c.
func WithMetrics(c *metrics.Collector) Option { return func(g *Gateway) { g.metrics = c } }

// New wires a Gateway from components constructed at startup.
func New(cfg Config, providers *adapter.Registry, lg *ledger.Ledger, payments Requirements, opts ...Option) (*Gateway, error) {
	if providers == nil {
		return nil, errors.New("gateway: provider registry required")
	}
	if lg == nil {
		return nil, errors.New("gateway: ledger required")
	}
	if payments == nil {
		return nil, errors.New("gateway: payment requirements required")
	}
	if cfg.Markup.IsZero() {
		cfg.Markup = decimal.NewFromInt(1)
	}
	if cfg.Markup.IsNegative() {
		return nil, fmt.Errorf("gateway: markup must be positive, got %s", cfg.Markup)
	}
	if cfg.MinBalance.IsNegative() {
		return nil, fmt.Errorf("gateway: minimum balance must not be negative, got %s", cfg.MinBalance)
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	g := &Gateway{cfg: cfg, providers: providers, ledger: lg, payments: payments, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Markup returns the configured price multiplier.
func (g *Gateway) Markup() decimal.Decimal { return g.cfg.Markup }

// Models lists the priced models a configured provider can serve.
func (g *Gateway) Models() []pricing.Model {
	var out []pricing.Model
	for _, m := range g.ledger.Prices().Models() {
		if _, err := g.providers.Lookup(m.ID); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Admit creates the wallet's account on first sight and rejects it with an
// *InsufficientBalanceError while its balance is below the minimum.
func (g *Gateway) Admit(ctx context.Context, wallet string) (ledger.Account, error) {
	acct, err := g.ledger.EnsureAccount(ctx, wallet)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("gateway: admit: %w", err)
	}
	if acct.Balance.LessThan(g.cfg.MinBalance) || !acct.Balance.IsPositive() {
		return acct, &InsufficientBalanceError{
			Balance: acct.Balance,
			Minimum: g.cfg.MinBalance,
			Accepts: g.payments.Requirements(),
		}
	}
	return acct, nil
}

// BillingOutcome is the result of a successful deduction.
type BillingOutcome struct {
	Cost         decimal.Decimal
	NewBalance   decimal.Decimal
	Totals       usage.Totals
	FinishReason string
}

// Result is a collected, billed completion.
type Result struct {
	ID           string
	Model        string
	Provider     adapter.ProviderID
	Text         string
	FinishReason string
	Totals       usage.Totals
	Billing      *BillingOutcome
}

// Complete admits wallet, runs req to completion and bills it. A response
// whose usage cannot be reconciled fails with usage.ErrNoUsage and is never
// billed. A response costing more than the balance is withheld and fails with
// an *InsufficientBalanceError.
func (g *Gateway) Complete(ctx context.Context, wallet string, req adapter.Request) (*Result, error) {
	provider, err := g.dispatch(ctx, wallet, req)
	if err != nil {
		return nil, err
	}

	uctx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)
	defer cancel()
	start := time.Now()
	comp, err := provider.Complete(uctx, req)
	g.metrics.RecordAdapterRequest(string(provider.ID()), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("gateway: %s completion: %w", provider.ID(), err)
	}

	totals, err := usage.Reconcile(comp.Usage)
	if err != nil {
		g.unbilled(wallet, provider.ID(), req.Model, "usage_unavailable", err)
		return nil, fmt.Errorf("gateway: %s completion: %w", provider.ID(), err)
	}
	finish := usage.MapFinishReason(comp.FinishReason)
	billing, err := g.bill(ctx, wallet, provider.ID(), req.Model, totals, finish)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return nil, g.overBudget(ctx, wallet, req.Model, totals, err)
	}
	if err != nil {
		return nil, err
	}

	id := comp.ID
	if id == "" {
		id = newCompletionID()
	}
	return &Result{
		ID:           id,
		Model:        req.Model,
		Provider:     provider.ID(),
		Text:         comp.Text,
		FinishReason: finish,
		Totals:       totals,
		Billing:      billing,
	}, nil
}

// dispatch validates req, admits wallet and picks the provider.
func (g *Gateway) dispatch(ctx context.Context, wallet string, req adapter.Request) (adapter.Provider, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%w: model name required", adapter.ErrUnsupportedModel)
	}
	if len(req.Messages) == 0 {
		return nil, adapter.ErrNoMessages
	}
	provider, err := g.providers.Lookup(req.Model)
	if err != nil {
		return nil, err
	}
	// An unpriced model could never be billed.
	if !g.ledger.Prices().Has(req.Model) {
		return nil, fmt.Errorf("%w: %s has no price", adapter.ErrUnsupportedModel, req.Model)
	}
	if _, err := g.Admit(ctx, wallet); err != nil {
		return nil, err
	}
	return provider, nil
}

func (g *Gateway) bill(ctx context.Context, wallet string, provider adapter.ProviderID, model string, totals usage.Totals, finish string) (*BillingOutcome, error) {
	d, err := g.ledger.Deduct(ctx, wallet, string(provider), model, totals, g.cfg.Markup)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		g.metrics.RecordDeductionFailure("insufficient_balance")
		return nil, err
	}
	if err != nil {
		g.metrics.RecordDeductionFailure("error")
		g.logger.Error().Err(err).
			Str("wallet", wallet).
			Str("model", model).
			Int64("input_tokens", totals.Input).
			Int64("output_tokens", totals.Output).
			Msg("gateway.deduct failed")
		return nil, fmt.Errorf("gateway: deduct: %w", err)
	}
	g.metrics.RecordBilled(string(provider), model, totals.Input, totals.Output, d.Cost.InexactFloat64())
	g.logger.Info().
		Str("wallet", wallet).
		Str("provider", string(provider)).
		Str("model", model).
		Int64("input_tokens", totals.Input).
		Int64("output_tokens", totals.Output).
		Str("cost_usd", ledger.Format(d.Cost)).
		Str("balance", ledger.Format(d.NewBalance)).
		Msg("gateway.billed")
	return &BillingOutcome{Cost: d.Cost, NewBalance: d.NewBalance, Totals: totals, FinishReason: finish}, nil
}

// overBudget builds the 402 for a completion that cost more than the wallet
// holds. The minimum quoted is the cost of the rejected response.
func (g *Gateway) overBudget(ctx context.Context, wallet, model string, totals usage.Totals, cause error) error {
	acct, err := g.ledger.Account(ctx, wallet)
	if err != nil {
		return fmt.Errorf("gateway: read balance: %w", err)
	}
	cost, err := g.ledger.Prices().Cost(model, totals, g.cfg.Markup)
	if err != nil {
		return fmt.Errorf("gateway: price %s: %w", model, err)
	}
	minimum := decimal.Max(cost.Round(ledger.Scale), g.cfg.MinBalance)
	g.logger.Warn().Err(cause).
		Str("wallet", wallet).
		Str("model", model).
		Str("cost_usd", ledger.Format(cost)).
		Str("balance", ledger.Format(acct.Balance)).
		Msg("gateway.completion withheld, cost exceeds balance")
	return &InsufficientBalanceError{Balance: acct.Balance, Minimum: minimum, Accepts: g.payments.Requirements()}
}

func (g *Gateway) unbilled(wallet string, provider adapter.ProviderID, model, reason string, err error) {
	g.metrics.RecordUnbilled(string(provider), reason)
	g.logger.Warn().Err(err).
		Str("wallet", wallet).
		Str("provider", string(provider)).
		Str("model", model).
		Str("reason", reason).
		Msg("gateway.unbilled completion")
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
