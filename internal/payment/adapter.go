package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/solforge/solforge-gateway/internal/ledger"
)

// Config fixes what the gateway accepts as payment.
type Config struct {
	Network  string
	Asset    string
	Decimals int32
	PayTo    string
	FeePayer string
	// ResourceURL is the top-up endpoint advertised in requirements; payloads
	// must target the same host.
	ResourceURL string
	// Amounts are the allow-listed top-up denominations in USD.
	Amounts        []decimal.Decimal
	TimeoutSeconds int
}

// Credits is the ledger surface the adapter needs.
type Credits interface {
	HasPayment(ctx context.Context, signature string) (bool, error)
	Credit(ctx context.Context, wallet string, amount decimal.Decimal, signature, payer string) (decimal.Decimal, error)
}

// Adapter builds requirements and runs the top-up protocol.
type Adapter struct {
	cfg          Config
	resourceHost string
	facilitator  Facilitator
	credits      Credits
	logger       zerolog.Logger
}

// NewAdapter validates cfg and builds an Adapter.
func NewAdapter(cfg Config, facilitator Facilitator, credits Credits, logger zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Network) == "" {
		return nil, errors.New("payment: network required")
	}
	if strings.TrimSpace(cfg.Asset) == "" {
		return nil, errors.New("payment: asset required")
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		return nil, errors.New("payment: pay-to address required")
	}
	if len(cfg.Amounts) == 0 {
		return nil, errors.New("payment: at least one top-up amount required")
	}
	for _, a := range cfg.Amounts {
		if !a.IsPositive() {
			return nil, fmt.Errorf("payment: top-up amount must be positive, got %s", a)
		}
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 6
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	u, err := url.Parse(cfg.ResourceURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("payment: invalid resource URL %q", cfg.ResourceURL)
	}
	if facilitator == nil || credits == nil {
		return nil, errors.New("payment: facilitator and credits required")
	}
	return &Adapter{
		cfg:          cfg,
		resourceHost: u.Host,
		facilitator:  facilitator,
		credits:      credits,
		logger:       logger,
	}, nil
}

// Amounts returns the configured denominations.
func (a *Adapter) Amounts() []decimal.Decimal {
	return append([]decimal.Decimal(nil), a.cfg.Amounts...)
}

// MinorUnits converts a USD amount to the asset's smallest unit, truncating.
func (a *Adapter) MinorUnits(usd decimal.Decimal) string {
	return usd.Shift(a.cfg.Decimals).Truncate(0).String()
}

// RequirementsFor returns one requirement per amount.
func (a *Adapter) RequirementsFor(resource, description string, amounts []decimal.Decimal) []Requirement {
	out := make([]Requirement, 0, len(amounts))
	for _, amt := range amounts {
		req := Requirement{
			Scheme:            SchemeExact,
			Network:           a.cfg.Network,
			MaxAmountRequired: a.MinorUnits(amt),
			Resource:          resource,
			Description:       fmt.Sprintf("%s ($%s)", description, amt.StringFixed(2)),
			MimeType:          "application/json",
			PayTo:             a.cfg.PayTo,
			MaxTimeoutSeconds: a.cfg.TimeoutSeconds,
			Asset:             a.cfg.Asset,
		}
		if a.cfg.FeePayer != "" {
			req.Extra = &RequirementExtra{FeePayer: a.cfg.FeePayer}
		}
		out = append(out, req)
	}
	return out
}

// Requirements returns requirements for every configured denomination on the
// configured resource.
func (a *Adapter) Requirements() []Requirement {
	return a.RequirementsFor(a.cfg.ResourceURL, "SolForge balance top-up", a.cfg.Amounts)
}

// Validated is a payload that passed the local gate.
type Validated struct {
	AmountUSD      decimal.Decimal
	TransactionRef string
}

// Validate runs the local gate. It never calls the facilitator.
func (a *Adapter) Validate(ctx context.Context, p Payload, req Requirement) (Validated, error) {
	if p.X402Version != Version {
		return Validated{}, invalid(CodeUnsupportedVersion, "x402Version %d not supported", p.X402Version)
	}
	if p.Scheme != SchemeExact || req.Scheme != SchemeExact {
		return Validated{}, invalid(CodeUnsupportedScheme, "only the %q scheme is supported", SchemeExact)
	}
	if p.Network != a.cfg.Network || req.Network != a.cfg.Network {
		return Validated{}, invalid(CodeUnsupportedNetwork, "network must be %s", a.cfg.Network)
	}
	amount, ok := a.matchAmount(req.MaxAmountRequired)
	if !ok {
		return Validated{}, invalid(CodeInvalidAmount, "amount %q is not an accepted top-up denomination", req.MaxAmountRequired)
	}
	if req.Asset != a.cfg.Asset {
		return Validated{}, invalid(CodeUnsupportedAsset, "asset must be %s", a.cfg.Asset)
	}
	if req.PayTo != a.cfg.PayTo {
		return Validated{}, invalid(CodeInvalidDestination, "payTo must be %s", a.cfg.PayTo)
	}
	u, err := url.Parse(req.Resource)
	if err != nil || u.Host != a.resourceHost {
		return Validated{}, invalid(CodeInvalidResource, "resource must be served by %s", a.resourceHost)
	}
	ref, err := TransactionRef(p.Payload.Transaction)
	if err != nil {
		return Validated{}, invalid(CodeInvalidTransaction, "%v", err)
	}
	used, err := a.credits.HasPayment(ctx, ref)
	if err != nil {
		return Validated{}, fmt.Errorf("payment: lookup transaction: %w", err)
	}
	if used {
		return Validated{}, ErrDuplicatePayment
	}
	return Validated{AmountUSD: amount, TransactionRef: ref}, nil
}

func (a *Adapter) matchAmount(minor string) (decimal.Decimal, bool) {
	for _, amt := range a.cfg.Amounts {
		if a.MinorUnits(amt) == strings.TrimSpace(minor) {
			return amt, true
		}
	}
	return decimal.Zero, false
}

// TopUpResult is returned to the caller after a credited settlement.
type TopUpResult struct {
	Success     bool            `json:"success"`
	Amount      string          `json:"amount"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Transaction string          `json:"transaction"`
	Payer       string          `json:"payer,omitempty"`
	Network     string          `json:"network,omitempty"`
}

// TopUp validates, verifies and settles p, then credits wallet exactly once.
func (a *Adapter) TopUp(ctx context.Context, wallet string, p Payload, req Requirement) (TopUpResult, error) {
	v, err := a.Validate(ctx, p, req)
	if err != nil {
		return TopUpResult{}, err
	}
	if _, err := a.facilitator.Verify(ctx, p, req); err != nil {
		return TopUpResult{}, err
	}
	settled, err := a.facilitator.Settle(ctx, p, req)
	if err != nil {
		return TopUpResult{}, err
	}

	ref := v.TransactionRef
	if settled.Transaction != "" && settled.Transaction != ref {
		a.logger.Warn().
			Str("wallet", wallet).
			Str("expected", ref).
			Str("settled", settled.Transaction).
			Msg("payment.settle transaction differs from payload signature")
		ref = settled.Transaction
	}
	balance, err := a.credits.Credit(ctx, wallet, v.AmountUSD, ref, settled.Payer)
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		return TopUpResult{}, ErrDuplicatePayment
	}
	if err != nil {
		a.logger.Error().Err(err).
			Str("wallet", wallet).
			Str("transaction", ref).
			Str("amount", v.AmountUSD.String()).
			Msg("payment.credit failed after settlement")
		return TopUpResult{}, fmt.Errorf("payment: credit settled transaction %s: %w", ref, err)
	}
	a.logger.Info().
		Str("wallet", wallet).
		Str("payer", settled.Payer).
		Str("transaction", ref).
		Str("amount_usd", v.AmountUSD.String()).
		Msg("payment.topup")
	return TopUpResult{
		Success:     true,
		Amount:      req.MaxAmountRequired,
		AmountUSD:   v.AmountUSD,
		NewBalance:  balance,
		Transaction: ref,
		Payer:       settled.Payer,
		Network:     firstNonEmpty(settled.Network, a.cfg.Network),
	}, nil
}
