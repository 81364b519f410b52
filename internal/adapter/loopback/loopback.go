// Package loopback provides an upstream-free provider that echoes the last
// user message. It exercises the full billing pipeline without API keys.
package loopback

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/usage"
)

var _ adapter.Provider = (*Provider)(nil)

// Provider echoes the last user message back to the caller.
type Provider struct {
	chunkDelay time.Duration
}

// Option configures the loopback provider.
type Option func(*Provider)

// WithChunkDelay pauses between streamed fragments.
func WithChunkDelay(d time.Duration) Option { return func(p *Provider) { p.chunkDelay = d } }

// New creates a loopback provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID implements adapter.Provider.
func (p *Provider) ID() adapter.ProviderID { return adapter.ProviderLoopback }

// Complete fabricates a deterministic completion.
func (p *Provider) Complete(ctx context.Context, req adapter.Request) (*adapter.Completion, error) {
	text, report, finish, err := p.reply(req)
	if err != nil {
		return nil, err
	}
	return &adapter.Completion{ID: "loopback-" + uuid.NewString(), Text: text, Usage: report, FinishReason: finish}, nil
}

// Stream yields the reply one word at a time.
func (p *Provider) Stream(ctx context.Context, req adapter.Request) (adapter.Stream, error) {
	text, report, finish, err := p.reply(req)
	if err != nil {
		return nil, err
	}
	return &stream{parts: splitKeepSpaces(text), report: report, finish: finish, delay: p.chunkDelay}, nil
}

func (p *Provider) reply(req adapter.Request) (string, usage.Report, string, error) {
	if len(req.Messages) == 0 {
		return "", usage.Report{}, "", adapter.ErrNoMessages
	}
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}
	text := "[loopback] " + strings.TrimSpace(message.Content)
	finish := "stop"
	if req.MaxTokens != nil && *req.MaxTokens > 0 && len(text)/4 > *req.MaxTokens {
		text = text[:*req.MaxTokens*4]
		finish = "length"
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)/4 + 1
	}
	completion := len(text)/4 + 1
	report := usage.Report{Top: usage.PromptCompletion{
		PromptTokens:     usage.N(float64(prompt)),
		CompletionTokens: usage.N(float64(completion)),
		TotalTokens:      usage.N(float64(prompt + completion)),
	}}
	return text, report, finish, nil
}

type stream struct {
	parts  []string
	next   int
	report usage.Report
	finish string
	delay  time.Duration
	closed bool
}

func (s *stream) Next(ctx context.Context) (string, error) {
	if s.closed {
		return "", io.ErrClosedPipe
	}
	if s.next >= len(s.parts) {
		return "", io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	part := s.parts[s.next]
	s.next++
	return part, nil
}

func (s *stream) Result() (usage.Report, string) {
	if s.next < len(s.parts) {
		return usage.Report{}, ""
	}
	return s.report, s.finish
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

// splitKeepSpaces splits text into words, keeping each separating space on
// the preceding word so the fragments concatenate back to text.
func splitKeepSpaces(text string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			parts = append(parts, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}
