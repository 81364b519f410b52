package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/openai"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/pricing"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, &requestError{msg: err.Error()})
		return
	}
	wallet := walletFrom(r.Context())
	areq := toAdapterRequest(req)
	if req.Stream {
		s.streamChat(w, r, wallet, areq)
		return
	}

	res, err := s.gateway.Complete(r.Context(), wallet, areq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := openai.NewCompletionResponse(res.ID, res.Model, res.Text, res.FinishReason, breakdown(res.Totals.Input, res.Totals.Output, res.Totals.Total))
	meta := &openai.SolforgeMetadata{
		BalanceRemaining: ledger.Format(res.Billing.NewBalance),
		CostUSD:          ledger.Format(res.Billing.Cost),
	}
	resp.Metadata = meta
	w.Header().Set(HeaderBalanceRemaining, meta.BalanceRemaining)
	w.Header().Set(HeaderCostUSD, meta.CostUSD)
	s.respondJSON(w, http.StatusOK, resp)
}

func toAdapterRequest(req openai.ChatCompletionRequest) adapter.Request {
	msgs := make([]adapter.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, adapter.Message{Role: m.Role, Content: m.Content})
	}
	return adapter.Request{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func breakdown(input, output, total int64) openai.UsageBreakdown {
	return openai.UsageBreakdown{PromptTokens: input, CompletionTokens: output, TotalTokens: total}
}

type topUpRequest struct {
	PaymentPayload     payment.Payload     `json:"paymentPayload"`
	PaymentRequirement payment.Requirement `json:"paymentRequirement"`
}

type topUpResponse struct {
	Success     bool   `json:"success"`
	Amount      string `json:"amount"`
	AmountUSD   string `json:"amount_usd"`
	NewBalance  string `json:"new_balance"`
	Transaction string `json:"transaction"`
	Payer       string `json:"payer,omitempty"`
	Network     string `json:"network,omitempty"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.payments.TopUp(r.Context(), walletFrom(r.Context()), req.PaymentPayload, req.PaymentRequirement)
	if err != nil {
		s.metrics.RecordTopUp(topUpOutcome(err), 0)
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordTopUp("ok", res.AmountUSD.InexactFloat64())
	s.respondJSON(w, http.StatusOK, topUpResponse{
		Success:     res.Success,
		Amount:      res.Amount,
		AmountUSD:   ledger.Format(res.AmountUSD),
		NewBalance:  ledger.Format(res.NewBalance),
		Transaction: res.Transaction,
		Payer:       res.Payer,
		Network:     res.Network,
	})
}

func topUpOutcome(err error) string {
	_, errType, _ := classify(err)
	return errType
}

type requirementsResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []payment.Requirement `json:"accepts"`
}

func (s *Server) handleTopUpRequirements(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, requirementsResponse{X402Version: payment.Version, Accepts: s.payments.Requirements()})
}

type balanceResponse struct {
	WalletAddress string     `json:"wallet_address"`
	Balance       string     `json:"balance"`
	TotalSpent    string     `json:"total_spent"`
	TotalToppedUp string     `json:"total_topped_up"`
	RequestCount  int64      `json:"request_count"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.EnsureAccount(r.Context(), walletFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, balanceResponse{
		WalletAddress: acct.WalletAddress,
		Balance:       ledger.Format(acct.Balance),
		TotalSpent:    ledger.Format(acct.TotalSpent),
		TotalToppedUp: ledger.Format(acct.TotalToppedUp),
		RequestCount:  acct.RequestCount,
		LastPaymentAt: acct.LastPaymentAt,
		LastRequestAt: acct.LastRequestAt,
		CreatedAt:     acct.CreatedAt,
	})
}

type usageEntry struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	AmountUSD     string    `json:"amount_usd"`
	Provider      string    `json:"provider,omitempty"`
	Model         string    `json:"model,omitempty"`
	InputTokens   int64     `json:"input_tokens,omitempty"`
	OutputTokens  int64     `json:"output_tokens,omitempty"`
	TotalTokens   int64     `json:"total_tokens,omitempty"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	Signature     string    `json:"signature,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type usageResponse struct {
	Object string       `json:"object"`
	Data   []usageEntry `json:"data"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, &requestError{msg: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxUsageLimit)
	}
	entries, err := s.ledger.Entries(r.Context(), walletFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := usageResponse{Object: "list", Data: make([]usageEntry, 0, len(entries))}
	for _, e := range entries {
		out.Data = append(out.Data, usageEntry{
			ID:            e.ID,
			Kind:          string(e.Kind),
			AmountUSD:     ledger.Format(e.AmountUSD),
			Provider:      e.Provider,
			Model:         e.Model,
			InputTokens:   e.InputTokens,
			OutputTokens:  e.OutputTokens,
			TotalTokens:   e.TotalTokens,
			BalanceBefore: ledger.Format(e.BalanceBefore),
			BalanceAfter:  ledger.Format(e.BalanceAfter),
			Signature:     e.Signature,
			CreatedAt:     e.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	markup := s.gateway.Markup()
	created := time.Now().Unix()
	models := s.gateway.Models()
	data := make([]openai.Model, 0, len(models))
	for _, m := range models {
		data = append(data, listedModel(m, markup, created))
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(data))
}

// listedModel advertises the price callers are actually charged.
func listedModel(m pricing.Model, markup decimal.Decimal, created int64) openai.Model {
	rate := m.Rate.MarkedUp(markup)
	out := openai.NewModel(m.ID, m.OwnedBy, created)
	out.Pricing = &openai.ModelPricing{
		Input:  pricing.FormatPerMillion(rate.Input),
		Output: pricing.FormatPerMillion(rate.Output),
	}
	return out
}
