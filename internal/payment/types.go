// Package payment implements the x402 micropayment top-up protocol: it builds
// payment requirements, validates caller payloads against local
// configuration and delegates verification and settlement to an external
// facilitator.
package payment

import (
	"errors"
	"fmt"
)

// Version is the x402 protocol version spoken by the gateway.
const Version = 1

// SchemeExact is the only supported payment scheme.
const SchemeExact = "exact"

// Requirement tells a caller how to pay for one top-up denomination.
type Requirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             *RequirementExtra `json:"extra,omitempty"`
}

// RequirementExtra carries scheme specific hints.
type RequirementExtra struct {
	FeePayer string `json:"feePayer,omitempty"`
}

// Payload is the caller-signed payment.
type Payload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload holds the base64 encoded, partially signed transaction.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

// SettleResult is the facilitator's settlement outcome.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// VerifyResult is the facilitator's verification outcome.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Validation failure codes.
const (
	CodeUnsupportedVersion = "unsupported_version"
	CodeUnsupportedScheme  = "unsupported_scheme"
	CodeUnsupportedNetwork = "unsupported_network"
	CodeUnsupportedAsset   = "unsupported_asset"
	CodeInvalidAmount      = "invalid_amount"
	CodeInvalidDestination = "invalid_destination"
	CodeInvalidResource    = "invalid_resource"
	CodeInvalidTransaction = "invalid_transaction"
)

// ValidationError is a local rejection raised before any facilitator call.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payment: %s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FacilitatorError is a failure reported by, or talking to, the facilitator.
type FacilitatorError struct {
	Op     string
	Reason string
	Err    error
}

func (e *FacilitatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("facilitator %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("facilitator %s: %s", e.Op, e.Reason)
}

func (e *FacilitatorError) Unwrap() error { return e.Err }

// ErrDuplicatePayment is returned when the transaction was already credited.
var ErrDuplicatePayment = errors.New("payment already processed")
