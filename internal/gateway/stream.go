package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/usage"
)

type streamState int

const (
	stateOpen streamState = iota
	stateDraining
	stateDrained
	stateFinalized
)

func (s streamState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateDrained:
		return "drained"
	default:
		return "finalized"
	}
}

// Handle is one admitted streaming completion. Fragments are pulled with Next
// until io.EOF; only then may Finalize bill the request. A Handle is used by a
// single goroutine.
type Handle struct {
	g        *Gateway
	id       string
	wallet   string
	model    string
	provider adapter.ProviderID
	stream   adapter.Stream
	cancel   context.CancelFunc
	started  time.Time
	state    streamState
	closed   bool
}

// Open admits wallet and starts streaming req upstream.
func (g *Gateway) Open(ctx context.Context, wallet string, req adapter.Request) (*Handle, error) {
	provider, err := g.dispatch(ctx, wallet, req)
	if err != nil {
		return nil, err
	}
	// The upstream call outlives Open, so it gets its own deadline on top of ctx.
	uctx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)
	start := time.Now()
	s, err := provider.Stream(uctx, req)
	if err != nil {
		cancel()
		g.metrics.RecordAdapterRequest(string(provider.ID()), time.Since(start), err)
		return nil, fmt.Errorf("gateway: %s stream: %w", provider.ID(), err)
	}
	return &Handle{
		g:        g,
		id:       newCompletionID(),
		wallet:   wallet,
		model:    req.Model,
		provider: provider.ID(),
		stream:   s,
		cancel:   cancel,
		started:  start,
	}, nil
}

// ID is the completion id shared by every chunk of the stream.
func (h *Handle) ID() string { return h.id }

// Model is the requested model.
func (h *Handle) Model() string { return h.model }

// Provider is the upstream serving the stream.
func (h *Handle) Provider() adapter.ProviderID { return h.provider }

// Next returns the next content fragment, or io.EOF once the upstream stream
// has ended.
func (h *Handle) Next(ctx context.Context) (string, error) {
	switch h.state {
	case stateDrained, stateFinalized:
		return "", io.EOF
	case stateOpen:
		h.state = stateDraining
	}
	delta, err := h.stream.Next(ctx)
	if errors.Is(err, io.EOF) {
		h.state = stateDrained
		h.g.metrics.RecordAdapterRequest(string(h.provider), time.Since(h.started), nil)
		return "", io.EOF
	}
	if err != nil {
		h.g.metrics.RecordAdapterRequest(string(h.provider), time.Since(h.started), err)
		return "", fmt.Errorf("gateway: %s stream: %w", h.provider, err)
	}
	return delta, nil
}

// Finalize reconciles usage and deducts the cost. It must follow a drained
// stream. A nil outcome with a nil error means the request was served but
// could not be billed. When ctx is already cancelled the caller is gone and
// Finalize returns ErrCancelled without deducting.
func (h *Handle) Finalize(ctx context.Context) (*BillingOutcome, error) {
	if h.state == stateFinalized {
		return nil, ErrFinalized
	}
	if err := ctx.Err(); err != nil {
		h.state = stateFinalized
		h.Close()
		h.g.metrics.RecordUnbilled(string(h.provider), "cancelled")
		h.g.logger.Info().
			Str("wallet", h.wallet).
			Str("model", h.model).
			Str("id", h.id).
			Msg("gateway.stream cancelled by caller, not billed")
		return nil, ErrCancelled
	}
	if h.state != stateDrained {
		return nil, fmt.Errorf("%w: state %s", ErrNotDrained, h.state)
	}
	h.state = stateFinalized
	defer h.Close()

	report, raw := h.stream.Result()
	totals, err := usage.Reconcile(report)
	if err != nil {
		h.g.unbilled(h.wallet, h.provider, h.model, "usage_unavailable", err)
		return nil, nil
	}

	// The deduction must not be torn by a disconnect racing the final chunk.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.g.cfg.FinalizeTimeout)
	defer cancel()
	out, err := h.g.bill(dctx, h.wallet, h.provider, h.model, totals, usage.MapFinishReason(raw))
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		// Content already went out; it is served unbilled.
		h.g.unbilled(h.wallet, h.provider, h.model, "insufficient_balance", err)
		return nil, nil
	}
	return out, err
}

// Close aborts the upstream call. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.cancel()
	return h.stream.Close()
}
