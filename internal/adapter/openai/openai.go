// Package openai adapts the OpenAI chat completions API to adapter.Provider.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/usage"
)

var _ adapter.Provider = (*Provider)(nil)

// Config holds configuration for the OpenAI provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1/
	Organization   string // optional
	RequestTimeout time.Duration
	MaxRetries     int
	HTTPClient     *http.Client
}

// Provider sends requests to the OpenAI API.
type Provider struct {
	client sdk.Client
}

// New creates a Provider. The SDK client is built once and shared.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{client: sdk.NewClient(opts...)}, nil
}

// ID implements adapter.Provider.
func (p *Provider) ID() adapter.ProviderID { return adapter.ProviderOpenAI }

// Complete sends a non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, req adapter.Request) (*adapter.Completion, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	out := &adapter.Completion{ID: resp.ID}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	if u := parseUsage(resp.RawJSON()); u != nil {
		out.Usage.Top = u
	}
	return out, nil
}

// Stream starts a streaming chat completion with usage reporting enabled.
func (p *Provider) Stream(ctx context.Context, req adapter.Request) (adapter.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	s := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, wrapError(err)
	}
	return &stream{upstream: s}, nil
}

func buildParams(req adapter.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: %w", adapter.ErrNoMessages)
	}
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case "developer":
			msgs = append(msgs, sdk.DeveloperMessage(m.Content))
		case "assistant":
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		case "user", "":
			msgs = append(msgs, sdk.UserMessage(m.Content))
		default:
			return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = sdk.Int(int64(*req.MaxTokens))
	}
	return params, nil
}

type stream struct {
	upstream *ssestream.Stream[sdk.ChatCompletionChunk]
	finish   string
	top      usage.Usage
	done     bool
}

func (s *stream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.upstream.Next() {
			if err := s.upstream.Err(); err != nil {
				return "", wrapError(err)
			}
			s.done = true
			return "", io.EOF
		}
		chunk := s.upstream.Current()
		if u := parseUsage(chunk.RawJSON()); u != nil {
			s.top = u
		}
		var text string
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			text += choice.Delta.Content
			if choice.FinishReason != "" {
				s.finish = string(choice.FinishReason)
			}
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

func (s *stream) Close() error { return s.upstream.Close() }

// wireUsage mirrors the usage object; pointers distinguish absent fields
// from reported zeros.
type wireUsage struct {
	PromptTokens        *float64 `json:"prompt_tokens"`
	CompletionTokens    *float64 `json:"completion_tokens"`
	TotalTokens         *float64 `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens *float64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func parseUsage(raw string) usage.Usage {
	if raw == "" {
		return nil
	}
	var body struct {
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil || body.Usage == nil {
		return nil
	}
	u := usage.PromptCompletion{
		PromptTokens:     count(body.Usage.PromptTokens),
		CompletionTokens: count(body.Usage.CompletionTokens),
		TotalTokens:      count(body.Usage.TotalTokens),
	}
	if d := body.Usage.PromptTokensDetails; d != nil {
		u.CachedTokens = count(d.CachedTokens)
	}
	return u
}

func count(v *float64) usage.Count {
	if v == nil {
		return usage.Count{}
	}
	return usage.N(*v)
}

func wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &adapter.UpstreamError{Provider: adapter.ProviderOpenAI, Status: apiErr.StatusCode, Err: err}
	}
	return &adapter.UpstreamError{Provider: adapter.ProviderOpenAI, Err: err}
}
