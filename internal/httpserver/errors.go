package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/openai"
	"github.com/solforge/solforge-gateway/internal/payment"
	"github.com/solforge/solforge-gateway/internal/usage"
)

const (
	errTypeAuthentication   = openai.ErrTypeAuthentication
	errTypeInvalidRequest   = openai.ErrTypeInvalidRequest
	errTypeUnsupportedModel = openai.ErrTypeUnsupportedModel
	errTypeInvalidPayment   = openai.ErrTypeInvalidPayment
	errTypeDuplicatePayment = openai.ErrTypeDuplicatePayment
	errTypeFacilitator      = openai.ErrTypeFacilitator
	errTypeUsageUnavailable = openai.ErrTypeUsageUnavailable
	errTypeUpstream         = openai.ErrTypeUpstream
	errTypeRateLimit        = openai.ErrTypeRateLimit
	errTypeInternal         = openai.ErrTypeInternal
)

// requestError is a malformed client request.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// paymentRequired is the 402 body: the x402 envelope plus an error object.
type paymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       paymentRequiredError  `json:"error"`
	Accepts     []payment.Requirement `json:"accepts"`
}

type paymentRequiredError struct {
	Message        string `json:"message"`
	Type           string `json:"type"`
	CurrentBalance string `json:"current_balance"`
	MinimumBalance string `json:"minimum_balance"`
	TopUpRequired  bool   `json:"topup_required"`
}

// classify maps an error to its HTTP status, error type and client message.
func classify(err error) (int, string, string) {
	var (
		reqErr *requestError
		valErr *payment.ValidationError
		facErr *payment.FacilitatorError
		upErr  *adapter.UpstreamError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, errTypeInvalidRequest, reqErr.msg
	case errors.Is(err, auth.ErrAuthentication):
		return http.StatusUnauthorized, errTypeAuthentication, err.Error()
	case errors.Is(err, adapter.ErrUnsupportedModel):
		return http.StatusBadRequest, errTypeUnsupportedModel, err.Error()
	case errors.Is(err, adapter.ErrNoMessages):
		return http.StatusBadRequest, errTypeInvalidRequest, err.Error()
	case errors.As(err, &valErr):
		return http.StatusBadRequest, errTypeInvalidPayment, valErr.Message
	case errors.Is(err, payment.ErrDuplicatePayment), errors.Is(err, ledger.ErrDuplicatePayment):
		return http.StatusBadRequest, errTypeDuplicatePayment, "payment already processed"
	case errors.As(err, &facErr):
		return http.StatusBadRequest, errTypeFacilitator, facErr.Error()
	case errors.Is(err, usage.ErrNoUsage):
		return http.StatusBadGateway, errTypeUsageUnavailable, "upstream did not report token usage; the request was not billed"
	case errors.As(err, &upErr):
		return http.StatusBadGateway, errTypeUpstream, upErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, errTypeUpstream, "upstream timed out"
	default:
		return http.StatusInternalServerError, errTypeInternal, "internal error"
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message, errType string) {
	s.respondJSON(w, status, openai.ErrorResponse{Error: openai.ErrorBody{Message: message, Type: errType}})
}

// writeError renders err, including the 402 top-up offer for low balances.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ibe *gateway.InsufficientBalanceError
	if errors.As(err, &ibe) {
		s.respondJSON(w, http.StatusPaymentRequired, paymentRequired{
			X402Version: payment.Version,
			Error: paymentRequiredError{
				Message:        "Insufficient balance. Top up to continue.",
				Type:           openai.ErrTypeInsufficientBalance,
				CurrentBalance: ledger.Format(ibe.Balance),
				MinimumBalance: ledger.Format(ibe.Minimum),
				TopUpRequired:  true,
			},
			Accepts: ibe.Accepts,
		})
		return
	}
	status, errType, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("wallet", walletFrom(r.Context())).Msg("http.error")
	}
	s.respondError(w, status, msg, errType)
}
