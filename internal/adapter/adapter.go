// Package adapter defines the provider contract shared by every upstream
// completion API and the model-name routing onto those providers.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/solforge/solforge-gateway/internal/usage"
)

// ProviderID names an upstream completion API.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGemini    ProviderID = "gemini"
	ProviderLoopback  ProviderID = "loopback"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// Completion is a fully collected upstream response.
type Completion struct {
	ID           string
	Text         string
	Usage        usage.Report
	FinishReason string
}

// Stream is a finite, forward-only token sequence.
type Stream interface {
	// Next blocks for the next content fragment. It returns io.EOF once the
	// upstream stream has ended.
	Next(ctx context.Context) (string, error)
	// Result returns the usage report and raw finish reason. It is only
	// meaningful after Next has returned io.EOF.
	Result() (usage.Report, string)
	// Close aborts the upstream call if still running.
	Close() error
}

// Provider is one upstream completion API.
type Provider interface {
	ID() ProviderID
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ErrNoMessages is returned for requests without messages.
var ErrNoMessages = errors.New("no messages provided")

// UpstreamError wraps a provider failure with the HTTP status it reported.
type UpstreamError struct {
	Provider ProviderID
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status == 429 || (upErr.Status >= 500 && upErr.Status <= 599)
	}
	return false
}

// SplitSystem separates system prompts, which several upstreams take out of
// band, from the conversation turns.
func SplitSystem(msgs []Message) (system []string, turns []Message) {
	for _, m := range msgs {
		if m.Role == "system" || m.Role == "developer" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
