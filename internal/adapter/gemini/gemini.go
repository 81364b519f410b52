// Package gemini adapts Google's Gemini API to adapter.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/usage"
)

var _ adapter.Provider = (*Provider)(nil)

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com/
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Provider sends requests to the Gemini API.
type Provider struct {
	client *genai.Client
}

// New creates a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		cc.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// ID implements adapter.Provider.
func (p *Provider) ID() adapter.ProviderID { return adapter.ProviderGemini }

// Complete calls generateContent.
func (p *Provider) Complete(ctx context.Context, req adapter.Request) (*adapter.Completion, error) {
	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}
	text, finish := candidateText(resp)
	return &adapter.Completion{
		ID:           resp.ResponseID,
		Text:         text,
		FinishReason: finish,
		Usage:        usage.Report{Top: usageOf(resp)},
	}, nil
}

// Stream calls streamGenerateContent.
func (p *Provider) Stream(ctx context.Context, req adapter.Request) (adapter.Stream, error) {
	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, req.Model, contents, config))
	return &stream{next: next, stop: stop}, nil
}

func buildRequest(req adapter.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if len(req.Messages) == 0 {
		return nil, nil, fmt.Errorf("gemini: %w", adapter.ErrNoMessages)
	}
	system, turns := adapter.SplitSystem(req.Messages)
	if len(turns) == 0 {
		return nil, nil, errors.New("gemini: at least one user message required")
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		switch strings.ToLower(m.Role) {
		case "assistant", "model":
			role = "model"
		case "user", "":
		default:
			return nil, nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	return contents, config, nil
}

func candidateText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ""
	}
	c := resp.Candidates[0]
	var b strings.Builder
	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if part != nil && !part.Thought {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String(), string(c.FinishReason)
}

// usageOf converts usage metadata. A zero total is treated as absent so the
// total falls back to prompt+candidates.
func usageOf(resp *genai.GenerateContentResponse) usage.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	m := resp.UsageMetadata
	u := usage.PromptCompletion{
		PromptTokens:     usage.N(float64(m.PromptTokenCount)),
		CompletionTokens: usage.N(float64(m.CandidatesTokenCount + m.ThoughtsTokenCount)),
		CachedTokens:     usage.N(float64(m.CachedContentTokenCount)),
	}
	if m.TotalTokenCount > 0 {
		u.TotalTokens = usage.N(float64(m.TotalTokenCount))
	}
	return u
}

type stream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	top    usage.Usage
	finish string
	done   bool
}

func (s *stream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", wrapError(err)
		}
		if u := usageOf(resp); u != nil {
			s.top = u
		}
		text, finish := candidateText(resp)
		if finish != "" {
			s.finish = finish
		}
		if text != "" {
			return text, nil
		}
	}
}

func (s *stream) Result() (usage.Report, string) {
	if !s.done {
		return usage.Report{}, ""
	}
	return usage.Report{Top: s.top}, s.finish
}

func (s *stream) Close() error {
	s.stop()
	return nil
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &adapter.UpstreamError{Provider: adapter.ProviderGemini, Status: apiErr.Code, Err: err}
	}
	return &adapter.UpstreamError{Provider: adapter.ProviderGemini, Err: err}
}
