// Package httpserver exposes the gateway over an OpenAI-compatible HTTP API
// authenticated by wallet signatures.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/health"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/metrics"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/ratelimit"
)

const (
	// HeaderBalanceRemaining carries the post-deduction balance.
	HeaderBalanceRemaining = "X-Solforge-Balance-Remaining"
	// HeaderCostUSD carries the charged amount.
	HeaderCostUSD = "X-Solforge-Cost-Usd"

	maxBodyBytes = 4 << 20
)

// Payments is the top-up surface of the payment adapter.
type Payments interface {
	Requirements() []payment.Requirement
	TopUp(ctx context.Context, wallet string, p payment.Payload, req payment.Requirement) (payment.TopUpResult, error)
}

// Config wires the server's collaborators. Limiter, Health and Metrics are optional.
type Config struct {
	Gateway  *gateway.Gateway
	Ledger   *ledger.Ledger
	Verifier *auth.Verifier
	Payments Payments
	Limiter  *ratelimit.Limiter
	Health   *health.Checker
	Metrics  *metrics.Collector
	Logger   zerolog.Logger
}

// Server handles the gateway's HTTP API.
type Server struct {
	gateway  *gateway.Gateway
	ledger   *ledger.Ledger
	verifier *auth.Verifier
	payments Payments
	limiter  *ratelimit.Limiter
	health   *health.Checker
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil || cfg.Ledger == nil || cfg.Verifier == nil || cfg.Payments == nil {
		return nil, errors.New("httpserver: gateway, ledger, verifier and payments are required")
	}
	return &Server{
		gateway:  cfg.Gateway,
		ledger:   cfg.Ledger,
		verifier: cfg.Verifier,
		payments: cfg.Payments,
		limiter:  cfg.Limiter,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Get("/topup/requirements", s.handleTopUpRequirements)

		v1.Group(func(private chi.Router) {
			private.Use(s.walletAuth)
			if s.limiter != nil {
				private.Use(ratelimit.NewMiddleware(s.limiter, walletKey, http.HandlerFunc(s.rejectRateLimited)).Wrap)
			}
			private.Post("/chat/completions", s.handleChatCompletions)
			private.Post("/topup", s.handleTopUp)
			private.Get("/balance", s.handleBalance)
			private.Get("/usage", s.handleUsage)
		})
	})
	return r
}

type walletContextKey struct{}

// walletAuth verifies the signed nonce headers and stores the wallet in the
// request context.
func (s *Server) walletAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet, err := s.verifier.Verify(r.Context(), auth.CredentialsFromHeader(r.Header))
		if err != nil {
			s.logger.Info().Err(err).
				Str("wallet", r.Header.Get(auth.HeaderWallet)).
				Str("path", r.URL.Path).
				Msg("auth.rejected")
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), walletContextKey{}, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func walletFrom(ctx context.Context) string {
	wallet, _ := ctx.Value(walletContextKey{}).(string)
	return wallet
}

func walletKey(r *http.Request) string { return walletFrom(r.Context()) }

func (s *Server) rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRateLimitHit()
	s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later", errTypeRateLimit)
}

// accessLog records every request once it completes.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		s.metrics.RecordRequestStart(r.Method)
		defer s.metrics.RecordRequestEnd(r.Method)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(r.Method, route, status, time.Since(start))
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("wallet", walletFrom(r.Context())).
			Msg("http.request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}
