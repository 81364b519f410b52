package httpserver_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/adapter/loopback"
	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/health"
	"github.com/solforge/solforge-gateway/internal/httpserver"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/ledger/sqlite"
	"github.com/solforge/solforge-gateway/internal/metrics"
	"github.com/solforge/solforge-gateway/internal/openai"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/pricing"
	"github.com/solforge/solforge-gateway/internal/ratelimit"
	"github.com/solforge/solforge-gateway/internal/testutil"
	"github.com/solforge/solforge-gateway/internal/usage"
)

const resourceURL = "https://api.solforge.test/v1/topup"

type settleAll struct{}

func (settleAll) Verify(context.Context, payment.Payload, payment.Requirement) (payment.VerifyResult, error) {
	return payment.VerifyResult{IsValid: true, Payer: "payer"}, nil
}

func (settleAll) Settle(_ context.Context, p payment.Payload, _ payment.Requirement) (payment.SettleResult, error) {
	ref, err := payment.TransactionRef(p.Payload.Transaction)
	if err != nil {
		return payment.SettleResult{}, err
	}
	return payment.SettleResult{Success: true, Transaction: ref, Payer: "payer", Network: "solana"}, nil
}

type harness struct {
	t       *testing.T
	url     string
	client  *http.Client
	priv    ed25519.PrivateKey
	ledger  *ledger.Ledger
	pay     *payment.Adapter
	metrics *metrics.Collector
	nonce   atomic.Int64
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter, providers ...adapter.Provider) *harness {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	lg := ledger.New(store, pricing.Default())

	pay, err := payment.NewAdapter(payment.Config{
		Network:     "solana",
		Asset:       "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
		PayTo:       "PayTo1111111111111111111111111111111111111",
		ResourceURL: resourceURL,
		Amounts:     []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(5), decimal.NewFromInt(10)},
	}, settleAll{}, lg, zerolog.Nop())
	require.NoError(t, err)

	if len(providers) == 0 {
		providers = []adapter.Provider{loopback.New()}
	}
	reg, err := adapter.NewRegistry(providers...)
	require.NoError(t, err)
	m := metrics.NewCollector()
	gw, err := gateway.New(gateway.Config{
		Markup:     decimal.NewFromInt(1),
		MinBalance: decimal.RequireFromString("0.01"),
	}, reg, lg, pay, gateway.WithMetrics(m))
	require.NoError(t, err)

	srv, err := httpserver.New(httpserver.Config{
		Gateway:  gw,
		Ledger:   lg,
		Verifier: auth.NewVerifier(auth.Config{Nonces: auth.NewMemoryNonceStore()}),
		Payments: pay,
		Limiter:  limiter,
		Health:   health.New(health.Config{Probes: []health.Probe{health.Store("ledger", lg)}}),
		Metrics:  m,
	})
	require.NoError(t, err)

	ts := testutil.NewIPv4Server(t, srv.Router())

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	h := &harness{t: t, url: ts.URL, client: ts.Client(), priv: priv, ledger: lg, pay: pay, metrics: m}
	h.nonce.Store(time.Now().UnixMilli())
	return h
}

func (h *harness) wallet() string {
	return base58.Encode(h.priv.Public().(ed25519.PublicKey))
}

// do sends a request signed with a fresh nonce.
func (h *harness) do(method, path string, body any) *http.Response {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.url+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	auth.Sign(h.priv, time.UnixMilli(h.nonce.Add(1))).Apply(req.Header)
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func fakeTransaction(t *testing.T) string {
	t.Helper()
	sig := make([]byte, 64)
	_, err := rand.Read(sig)
	require.NoError(t, err)
	raw := append([]byte{1}, sig...)
	raw = append(raw, []byte("message")...)
	return base64.StdEncoding.EncodeToString(raw)
}

func (h *harness) credit(usd int64) {
	h.t.Helper()
	_, err := h.ledger.Credit(context.Background(), h.wallet(), decimal.NewFromInt(usd), "manual:"+h.wallet(), "")
	require.NoError(h.t, err)
}

func (h *harness) topUpBody(tx string, usd int64) map[string]any {
	req := h.pay.RequirementsFor(resourceURL, "SolForge balance top-up", []decimal.Decimal{decimal.NewFromInt(usd)})[0]
	return map[string]any{
		"paymentPayload": payment.Payload{
			X402Version: payment.Version,
			Scheme:      payment.SchemeExact,
			Network:     "solana",
			Payload:     payment.ExactPayload{Transaction: tx},
		},
		"paymentRequirement": req,
	}
}

func chatBody(stream bool) map[string]any {
	return map[string]any{
		"model":    "loopback",
		"stream":   stream,
		"messages": []map[string]string{{"role": "user", "content": "hello there"}},
	}
}

type paymentRequired struct {
	X402Version int `json:"x402Version"`
	Error       struct {
		Type           string `json:"type"`
		CurrentBalance string `json:"current_balance"`
		MinimumBalance string `json:"minimum_balance"`
		TopUpRequired  bool   `json:"topup_required"`
	} `json:"error"`
	Accepts []payment.Requirement `json:"accepts"`
}

func TestPaymentRequiredThenTopUpThenCompletion(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	pr := decode[paymentRequired](t, resp)
	assert.Equal(t, 1, pr.X402Version)
	assert.Equal(t, "insufficient_balance", pr.Error.Type)
	assert.Equal(t, "0.00000000", pr.Error.CurrentBalance)
	assert.Equal(t, "0.01000000", pr.Error.MinimumBalance)
	assert.True(t, pr.Error.TopUpRequired)
	require.Len(t, pr.Accepts, 3)
	assert.Equal(t, []string{"1000000", "5000000", "10000000"},
		[]string{pr.Accepts[0].MaxAmountRequired, pr.Accepts[1].MaxAmountRequired, pr.Accepts[2].MaxAmountRequired})

	resp = h.do(http.MethodPost, "/v1/topup", h.topUpBody(fakeTransaction(t), 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	topUp := decode[map[string]any](t, resp)
	assert.Equal(t, true, topUp["success"])
	assert.Equal(t, "1000000", topUp["amount"])
	assert.Equal(t, "1.00000000", topUp["amount_usd"])
	assert.Equal(t, "1.00000000", topUp["new_balance"])

	resp = h.do(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// 3 prompt + 6 completion tokens at $1 per million each.
	assert.Equal(t, "0.00000900", resp.Header.Get(httpserver.HeaderCostUSD))
	assert.Equal(t, "0.99999100", resp.Header.Get(httpserver.HeaderBalanceRemaining))
	body := decode[openai.ChatCompletionResponse](t, resp)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "[loopback] hello there", body.Choices[0].Message.Content)
	assert.Equal(t, "stop", body.Choices[0].FinishReason)
	assert.Equal(t, openai.UsageBreakdown{PromptTokens: 3, CompletionTokens: 6, TotalTokens: 9}, body.Usage)
	require.NotNil(t, body.Metadata)
	assert.Equal(t, "0.99999100", body.Metadata.BalanceRemaining)

	resp = h.do(http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[map[string]any](t, resp)
	assert.Equal(t, h.wallet(), bal["wallet_address"])
	assert.Equal(t, "0.99999100", bal["balance"])
	assert.Equal(t, "1.00000000", bal["total_topped_up"])

	resp = h.do(http.MethodGet, "/v1/usage?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[struct {
		Data []map[string]any `json:"data"`
	}](t, resp)
	require.Len(t, usage.Data, 2)
	assert.Equal(t, "deduction", usage.Data[0]["kind"])
	assert.Equal(t, "topup", usage.Data[1]["kind"])
}

func TestDuplicateTopUpIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	tx := fakeTransaction(t)

	resp := h.do(http.MethodPost, "/v1/topup", h.topUpBody(tx, 5))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodPost, "/v1/topup", h.topUpBody(tx, 5))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[openai.ErrorResponse](t, resp)
	assert.Equal(t, "duplicate_payment", body.Error.Type)

	acct, err := h.ledger.Account(context.Background(), h.wallet())
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(5)), "balance = %s", acct.Balance)
}

func TestTopUpRejectsUnlistedAmount(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/v1/topup", h.topUpBody(fakeTransaction(t), 7))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[openai.ErrorResponse](t, resp)
	assert.Equal(t, "invalid_payment", body.Error.Type)
}

func TestStreamingCompletion(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodPost, "/v1/topup", h.topUpBody(fakeTransaction(t), 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodPost, "/v1/chat/completions", chatBody(true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "line %q", line)
		events = append(events, strings.TrimPrefix(line, "data: "))
	}
	require.NoError(t, sc.Err())
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var first openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &first))
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Empty(t, first.Choices[0].Delta.Content)

	var text strings.Builder
	for _, ev := range events[1 : len(events)-2] {
		var c openai.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(ev), &c))
		assert.Equal(t, first.ID, c.ID)
		text.WriteString(c.Choices[0].Delta.Content)
	}
	assert.Equal(t, "[loopback] hello there", text.String())

	var final openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-2]), &final))
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, int64(9), final.Usage.TotalTokens)
	require.NotNil(t, final.Metadata)
	assert.Equal(t, "0.00000900", final.Metadata.CostUSD)
	assert.Equal(t, "0.99999100", final.Metadata.BalanceRemaining)
}

// fixedUsage answers gpt-4o requests with a single fragment and the given usage.
type fixedUsage struct{ report usage.Report }

func (p fixedUsage) ID() adapter.ProviderID { return adapter.ProviderOpenAI }

func (p fixedUsage) Complete(context.Context, adapter.Request) (*adapter.Completion, error) {
	return &adapter.Completion{ID: "cmpl-1", Text: "x", Usage: p.report, FinishReason: "stop"}, nil
}

func (p fixedUsage) Stream(context.Context, adapter.Request) (adapter.Stream, error) {
	return &fixedStream{report: p.report}, nil
}

type fixedStream struct {
	report usage.Report
	sent   bool
}

func (s *fixedStream) Next(context.Context) (string, error) {
	if s.sent {
		return "", io.EOF
	}
	s.sent = true
	return "x", nil
}

func (s *fixedStream) Result() (usage.Report, string) { return s.report, "stop" }
func (s *fixedStream) Close() error                   { return nil }

func gpt4oBody(stream bool) map[string]any {
	body := chatBody(stream)
	body["model"] = "gpt-4o"
	return body
}

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestStreamWithoutUsageEndsWithoutCost(t *testing.T) {
	h := newHarness(t, nil, fixedUsage{})
	h.credit(1)

	resp := h.do(http.MethodPost, "/v1/chat/completions", gpt4oBody(true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var final openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-2]), &final))
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
	assert.Nil(t, final.Usage)
	assert.Nil(t, final.Metadata)
	assert.NotContains(t, events[len(events)-2], "solforge_metadata")

	acct, err := h.ledger.Account(context.Background(), h.wallet())
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)))
}

func TestCompletionCostingMoreThanBalanceIsPaymentRequired(t *testing.T) {
	h := newHarness(t, nil, fixedUsage{report: usage.Report{Top: usage.PromptCompletion{
		PromptTokens:     usage.N(1_000_000),
		CompletionTokens: usage.N(1_000_000),
	}}})
	h.credit(1)

	for i := 0; i < 2; i++ {
		resp := h.do(http.MethodPost, "/v1/chat/completions", gpt4oBody(false))
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		body := decode[paymentRequired](t, resp)
		assert.Equal(t, "insufficient_balance", body.Error.Type)
		assert.Equal(t, "1.00000000", body.Error.CurrentBalance)
		assert.Len(t, body.Accepts, 3)
	}

	entries, err := h.ledger.Entries(context.Background(), h.wallet(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStreamingPaymentRequiredIsJSON(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/v1/chat/completions", chatBody(true))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, decode[paymentRequired](t, resp).Accepts, 3)
}

func TestAuthenticationFailures(t *testing.T) {
	h := newHarness(t, nil)

	req, err := http.NewRequest(http.MethodGet, h.url+"/v1/balance", nil)
	require.NoError(t, err)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication_error", decode[openai.ErrorResponse](t, resp).Error.Type)

	// A stale nonce is outside the window.
	req, err = http.NewRequest(http.MethodGet, h.url+"/v1/balance", nil)
	require.NoError(t, err)
	auth.Sign(h.priv, time.Now().Add(-2*time.Minute)).Apply(req.Header)
	resp2, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/v1/chat/completions", map[string]any{"model": "loopback"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_error", decode[openai.ErrorResponse](t, resp).Error.Type)

	body := chatBody(false)
	body["model"] = "mistral-large"
	resp = h.do(http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_model", decode[openai.ErrorResponse](t, resp).Error.Type)

	resp = h.do(http.MethodGet, "/v1/usage?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerWallet(t *testing.T) {
	h := newHarness(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1}))

	resp := h.do(http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp = h.do(http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[openai.ErrorResponse](t, resp).Error.Type)
}

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.client.Get(h.url + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decode[openai.ModelsResponse](t, resp)
	require.Len(t, models.Data, 1)
	assert.Equal(t, "loopback", models.Data[0].ID)
	require.NotNil(t, models.Data[0].Pricing)
	assert.Equal(t, "$1.0000", models.Data[0].Pricing.Input)

	resp2, err := h.client.Get(h.url + "/v1/topup/requirements")
	require.NoError(t, err)
	defer resp2.Body.Close()
	reqs := decode[struct {
		X402Version int                   `json:"x402Version"`
		Accepts     []payment.Requirement `json:"accepts"`
	}](t, resp2)
	assert.Equal(t, 1, reqs.X402Version)
	assert.Len(t, reqs.Accepts, 3)

	resp3, err := h.client.Get(h.url + "/health")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	// Request metrics are recorded after the response is written.
	want := `solforge_http_requests_total{method="GET",route="/v1/models",status="200"} 1`
	assert.Eventually(t, func() bool {
		resp, err := h.client.Get(h.url + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(raw), want)
	}, 2*time.Second, 20*time.Millisecond)
}
