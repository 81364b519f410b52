package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solforge/solforge-gateway/internal/version"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Facilitator verifies and settles payments on the gateway's behalf.
type Facilitator interface {
	Verify(ctx context.Context, payload Payload, req Requirement) (VerifyResult, error)
	Settle(ctx context.Context, payload Payload, req Requirement) (SettleResult, error)
}

// FacilitatorClient talks to an x402 facilitator over HTTP.
type FacilitatorClient struct {
	baseURL    *url.URL
	httpClient HTTPClient
	timeout    time.Duration
}

var _ Facilitator = (*FacilitatorClient)(nil)

// NewFacilitatorClient constructs a client for baseURL. Every call is bounded
// by timeout; a timed out call is a failure.
func NewFacilitatorClient(baseURL string, timeout time.Duration, httpClient HTTPClient) (*FacilitatorClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid facilitator URL %q", baseURL)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &FacilitatorClient{baseURL: parsed, httpClient: httpClient, timeout: timeout}, nil
}

type facilitatorRequest struct {
	X402Version         int         `json:"x402Version"`
	PaymentPayload      Payload     `json:"paymentPayload"`
	PaymentRequirements Requirement `json:"paymentRequirements"`
}

// Verify asks the facilitator whether the payload satisfies req.
func (c *FacilitatorClient) Verify(ctx context.Context, payload Payload, req Requirement) (VerifyResult, error) {
	var out VerifyResult
	if err := c.post(ctx, "verify", payload, req, &out); err != nil {
		return VerifyResult{}, err
	}
	if !out.IsValid {
		reason := out.InvalidReason
		if reason == "" {
			reason = "payment invalid"
		}
		return out, &FacilitatorError{Op: "verify", Reason: reason}
	}
	return out, nil
}

// Settle submits the payment for execution.
func (c *FacilitatorClient) Settle(ctx context.Context, payload Payload, req Requirement) (SettleResult, error) {
	var out SettleResult
	if err := c.post(ctx, "settle", payload, req, &out); err != nil {
		return SettleResult{}, err
	}
	if !out.Success {
		reason := out.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return out, &FacilitatorError{Op: "settle", Reason: reason}
	}
	if strings.TrimSpace(out.Transaction) == "" {
		return out, &FacilitatorError{Op: "settle", Reason: "missing transaction"}
	}
	return out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, op string, payload Payload, req Requirement, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf, err := json.Marshal(facilitatorRequest{X402Version: Version, PaymentPayload: payload, PaymentRequirements: req})
	if err != nil {
		return &FacilitatorError{Op: op, Reason: "encode request", Err: err}
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: op})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return &FacilitatorError{Op: op, Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &FacilitatorError{Op: op, Reason: "timeout", Err: err}
		}
		return &FacilitatorError{Op: op, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &FacilitatorError{Op: op, Reason: "read response", Err: err}
	}
	if resp.StatusCode >= 400 {
		var errPayload struct {
			Error       string `json:"error"`
			ErrorReason string `json:"errorReason"`
		}
		if json.Unmarshal(data, &errPayload) == nil {
			if r := firstNonEmpty(errPayload.ErrorReason, errPayload.Error); r != "" {
				return &FacilitatorError{Op: op, Reason: r}
			}
		}
		return &FacilitatorError{Op: op, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &FacilitatorError{Op: op, Reason: "decode response", Err: err}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Recorder observes facilitator round trips.
type Recorder interface {
	RecordFacilitator(op string, err error)
}

type meteredFacilitator struct {
	next     Facilitator
	recorder Recorder
}

// Metered reports every Verify and Settle outcome of f to r.
func Metered(f Facilitator, r Recorder) Facilitator {
	if r == nil {
		return f
	}
	return &meteredFacilitator{next: f, recorder: r}
}

func (m *meteredFacilitator) Verify(ctx context.Context, payload Payload, req Requirement) (VerifyResult, error) {
	out, err := m.next.Verify(ctx, payload, req)
	m.recorder.RecordFacilitator("verify", err)
	return out, err
}

func (m *meteredFacilitator) Settle(ctx context.Context, payload Payload, req Requirement) (SettleResult, error) {
	out, err := m.next.Settle(ctx, payload, req)
	m.recorder.RecordFacilitator("settle", err)
	return out, err
}
