package openai

// Error types returned in ErrorResponse.Error.Type.
const (
	ErrTypeAuthentication      = "authentication_error"
	ErrTypeInsufficientBalance = "insufficient_balance"
	ErrTypeInvalidRequest      = "invalid_request_error"
	ErrTypeUnsupportedModel    = "unsupported_model"
	ErrTypeInvalidPayment      = "invalid_payment"
	ErrTypeDuplicatePayment    = "duplicate_payment"
	ErrTypeFacilitator         = "facilitator_error"
	ErrTypeUsageUnavailable    = "usage_unavailable"
	ErrTypeUpstream            = "upstream_error"
	ErrTypeRateLimit           = "rate_limit_exceeded"
	ErrTypeInternal            = "internal_error"
)

// ErrorResponse is the OpenAI-style error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failure.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
