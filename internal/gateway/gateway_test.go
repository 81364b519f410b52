package gateway_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/adapter/loopback"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/ledger/sqlite"
	"github.com/solforge/solforge-gateway/internal/metrics"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/pricing"
	"github.com/solforge/solforge-gateway/internal/usage"
)

type fixedRequirements []payment.Requirement

func (f fixedRequirements) Requirements() []payment.Requirement { return f }

// scripted is a provider whose output and usage are fixed by the test.
type scripted struct {
	parts  []string
	report usage.Report
	finish string
}

func (p *scripted) ID() adapter.ProviderID { return adapter.ProviderOpenAI }

func (p *scripted) Complete(context.Context, adapter.Request) (*adapter.Completion, error) {
	return &adapter.Completion{ID: "cmpl-1", Text: strings.Join(p.parts, ""), Usage: p.report, FinishReason: p.finish}, nil
}

func (p *scripted) Stream(context.Context, adapter.Request) (adapter.Stream, error) {
	return &scriptedStream{p: p}, nil
}

type scriptedStream struct {
	p      *scripted
	i      int
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.i >= len(s.p.parts) {
		return "", io.EOF
	}
	s.i++
	return s.p.parts[s.i-1], nil
}

func (s *scriptedStream) Result() (usage.Report, string) { return s.p.report, s.p.finish }

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

var accepts = fixedRequirements{
	{Scheme: payment.SchemeExact, MaxAmountRequired: "1000000"},
	{Scheme: payment.SchemeExact, MaxAmountRequired: "5000000"},
	{Scheme: payment.SchemeExact, MaxAmountRequired: "10000000"},
}

type fixture struct {
	gw     *gateway.Gateway
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, providers ...adapter.Provider) fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	table := pricing.NewTable(
		pricing.Model{ID: "gpt-4o", Rate: pricing.Rate{Input: decimal.RequireFromString("2.5"), Output: decimal.NewFromInt(10)}},
		pricing.Model{ID: "loopback", Rate: pricing.Rate{Input: decimal.NewFromInt(1), Output: decimal.NewFromInt(1)}},
	)
	lg := ledger.New(store, table)
	reg, err := adapter.NewRegistry(providers...)
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Config{
		Markup:     decimal.RequireFromString("1.005"),
		MinBalance: decimal.RequireFromString("0.01"),
	}, reg, lg, accepts, gateway.WithMetrics(metrics.NewCollector()))
	require.NoError(t, err)
	return fixture{gw: gw, ledger: lg}
}

func chat(model string) adapter.Request {
	return adapter.Request{Model: model, Messages: []adapter.Message{{Role: "user", Content: "hello there"}}}
}

func TestAdmitZeroBalanceListsEveryDenomination(t *testing.T) {
	f := newFixture(t, loopback.New())

	_, err := f.gw.Complete(context.Background(), "wallet-a", chat("loopback"))
	var ibe *gateway.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.True(t, ibe.Balance.IsZero())
	assert.True(t, ibe.Minimum.Equal(decimal.RequireFromString("0.01")))
	assert.Len(t, ibe.Accepts, 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// The account is created lazily by the admission check.
	acct, err := f.ledger.Account(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestCompleteBillsAfterTopUp(t *testing.T) {
	p := &scripted{
		parts:  []string{"hi"},
		report: usage.Report{Top: usage.PromptCompletion{PromptTokens: usage.N(6), CompletionTokens: usage.N(4)}},
		finish: "stop",
	}
	f := newFixture(t, p)
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	res, err := f.gw.Complete(ctx, "wallet-a", chat("gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, res.Billing)
	assert.Equal(t, usage.Totals{Input: 6, Output: 4, Total: 10}, res.Totals)

	// (6/1e6*2.5 + 4/1e6*10) * 1.005
	want := decimal.RequireFromString("0.00005528")
	assert.True(t, res.Billing.Cost.Equal(want), "cost = %s", res.Billing.Cost)
	assert.True(t, res.Billing.NewBalance.Equal(decimal.NewFromInt(1).Sub(want)), "balance = %s", res.Billing.NewBalance)
	assert.Equal(t, "stop", res.FinishReason)
}

func TestCompleteWithoutUsageIsNotBilled(t *testing.T) {
	f := newFixture(t, &scripted{parts: []string{"hi"}, finish: "stop"})
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	_, err = f.gw.Complete(ctx, "wallet-a", chat("gpt-4o"))
	require.ErrorIs(t, err, usage.ErrNoUsage)

	acct, err := f.ledger.Account(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)))
}

func TestUnsupportedAndUnpricedModels(t *testing.T) {
	f := newFixture(t, loopback.New())
	ctx := context.Background()

	_, err := f.gw.Complete(ctx, "wallet-a", chat("mistral-large"))
	assert.ErrorIs(t, err, adapter.ErrUnsupportedModel)

	// Routed by prefix but not registered.
	_, err = f.gw.Complete(ctx, "wallet-a", chat("claude-3-5-haiku-20241022"))
	assert.ErrorIs(t, err, adapter.ErrUnsupportedModel)

	_, err = f.gw.Complete(ctx, "wallet-a", adapter.Request{Model: "loopback"})
	assert.ErrorIs(t, err, adapter.ErrNoMessages)
}

func TestStreamDrainThenFinalize(t *testing.T) {
	f := newFixture(t, loopback.New())
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	h, err := f.gw.Open(ctx, "wallet-a", chat("loopback"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.ID(), "chatcmpl-"))

	first, err := h.Next(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	_, err = h.Finalize(ctx)
	require.ErrorIs(t, err, gateway.ErrNotDrained)

	text := first
	for {
		part, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += part
	}
	assert.Equal(t, "[loopback] hello there", text)

	out, err := h.Finalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Cost.IsPositive())
	assert.True(t, out.NewBalance.Equal(decimal.NewFromInt(1).Sub(out.Cost)))
	assert.Equal(t, "stop", out.FinishReason)

	_, err = h.Finalize(ctx)
	assert.ErrorIs(t, err, gateway.ErrFinalized)
	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamDisconnectSkipsDeduction(t *testing.T) {
	f := newFixture(t, loopback.New())
	_, err := f.ledger.Credit(context.Background(), "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := f.gw.Open(ctx, "wallet-a", chat("loopback"))
	require.NoError(t, err)
	_, err = h.Next(ctx)
	require.NoError(t, err)

	cancel()
	out, err := h.Finalize(ctx)
	assert.Nil(t, out)
	require.ErrorIs(t, err, gateway.ErrCancelled)

	acct, err := f.ledger.Account(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)))
	entries, err := f.ledger.Entries(context.Background(), "wallet-a", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStreamWithoutUsageFinalizesUnbilled(t *testing.T) {
	f := newFixture(t, &scripted{parts: []string{"a", "b"}, finish: "stop"})
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	h, err := f.gw.Open(ctx, "wallet-a", chat("gpt-4o"))
	require.NoError(t, err)
	for {
		if _, err := h.Next(ctx); errors.Is(err, io.EOF) {
			break
		}
	}
	out, err := h.Finalize(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)

	acct, err := f.ledger.Account(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)))
}

func overBudget() *scripted {
	return &scripted{
		parts:  []string{"x"},
		report: usage.Report{Top: usage.InputOutput{InputTokens: usage.N(1_000_000), OutputTokens: usage.N(1_000_000)}},
		finish: "max_tokens",
	}
}

func TestCompletionCostingMoreThanBalanceIsWithheld(t *testing.T) {
	f := newFixture(t, overBudget())
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.RequireFromString("0.02"), "sig-1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := f.gw.Complete(ctx, "wallet-a", chat("gpt-4o"))
		assert.Nil(t, res)
		var ibe *gateway.InsufficientBalanceError
		require.ErrorAs(t, err, &ibe)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.True(t, ibe.Balance.Equal(decimal.RequireFromString("0.02")), "balance = %s", ibe.Balance)
		// (2.5 + 10) * 1.005
		assert.True(t, ibe.Minimum.Equal(decimal.RequireFromString("12.5625")), "minimum = %s", ibe.Minimum)
		assert.Len(t, ibe.Accepts, 3)
	}

	entries, err := f.ledger.Entries(ctx, "wallet-a", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStreamCostingMoreThanBalanceFinalizesUnbilled(t *testing.T) {
	f := newFixture(t, overBudget())
	ctx := context.Background()
	_, err := f.ledger.Credit(ctx, "wallet-a", decimal.NewFromInt(1), "sig-1", "")
	require.NoError(t, err)

	h, err := f.gw.Open(ctx, "wallet-a", chat("gpt-4o"))
	require.NoError(t, err)
	for {
		if _, err := h.Next(ctx); errors.Is(err, io.EOF) {
			break
		}
	}
	out, err := h.Finalize(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)

	acct, err := f.ledger.Account(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)))
}

func TestModelsListsOnlyServedModels(t *testing.T) {
	f := newFixture(t, loopback.New())

	models := f.gw.Models()
	require.Len(t, models, 1)
	assert.Equal(t, "loopback", models[0].ID)
}
