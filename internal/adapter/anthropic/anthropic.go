// Package anthropic adapts the Anthropic Messages API to adapter.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/usage"
)

var _ adapter.Provider = (*Provider)(nil)

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com/
	RequestTimeout time.Duration
	MaxRetries     int
	// DefaultMaxTokens is sent when the caller omits max_tokens; the API
	// requires it.
	DefaultMaxTokens int64
	HTTPClient       *http.Client
}

// Provider sends requests to the Anthropic API.
type Provider struct {
	client    sdk.Client
	maxTokens int64
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
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
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{client: sdk.NewClient(opts...), maxTokens: cfg.DefaultMaxTokens}, nil
}

// ID implements adapter.Provider.
func (p *Provider) ID() adapter.ProviderID { return adapter.ProviderAnthropic }

// Complete sends a non-streaming message request.
func (p *Provider) Complete(ctx context.Context, req adapter.Request) (*adapter.Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &adapter.Completion{ID: msg.ID, Text: text.String(), FinishReason: string(msg.StopReason)}
	var acc usageAccumulator
	acc.merge(msg.RawJSON(), "usage")
	out.Usage = acc.report()
	return out, nil
}

// Stream starts a streaming message request.
func (p *Provider) Stream(ctx context.Context, req adapter.Request) (adapter.Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	s := p.client.Messages.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		_ = s.Close()
		return nil, wrapError(err)
	}
	return &stream{upstream: s}, nil
}

func (p *Provider) buildParams(req adapter.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: %w", adapter.ErrNoMessages)
	}
	system, turns := adapter.SplitSystem(req.Messages)
	if len(turns) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user message required")
	}
	msgs := make([]sdk.MessageParam, 0, len(turns))
	for _, m := range turns {
		switch strings.ToLower(m.Role) {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case "user", "":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if len(system) > 0 {
		params.System = []sdk.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params, nil
}

type stream struct {
	upstream *ssestream.Stream[sdk.MessageStreamEventUnion]
	usage    usageAccumulator
	finish   string
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
		event := s.upstream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.merge(event.RawJSON(), "message", "usage")
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				s.finish = string(ev.Delta.StopReason)
			}
			s.usage.merge(event.RawJSON(), "usage")
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return delta.Text, nil
			}
		case sdk.MessageStopEvent:
			s.done = true
			return "", io.EOF
		}
	}
}

func (s *stream) Result() (usage.Report, string) {
	if !s.done {
		return usage.Report{}, ""
	}
	return s.usage.report(), s.finish
}

func (s *stream) Close() error { return s.upstream.Close() }

// usageAccumulator collects counts as they appear across events; later
// values replace earlier ones field by field.
type usageAccumulator struct {
	input, output, cacheRead, cacheWrite usage.Count
}

type wireUsage struct {
	InputTokens              *float64 `json:"input_tokens"`
	OutputTokens             *float64 `json:"output_tokens"`
	CacheReadInputTokens     *float64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *float64 `json:"cache_creation_input_tokens"`
}

// merge decodes the usage object found at path inside raw.
func (a *usageAccumulator) merge(raw string, path ...string) {
	if raw == "" {
		return
	}
	var node json.RawMessage = []byte(raw)
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(node, &obj); err != nil {
			return
		}
		next, ok := obj[key]
		if !ok {
			return
		}
		node = next
	}
	var u *wireUsage
	if err := json.Unmarshal(node, &u); err != nil || u == nil {
		return
	}
	set := func(dst *usage.Count, v *float64) {
		if v != nil {
			*dst = usage.N(*v)
		}
	}
	set(&a.input, u.InputTokens)
	set(&a.output, u.OutputTokens)
	set(&a.cacheRead, u.CacheReadInputTokens)
	set(&a.cacheWrite, u.CacheCreationInputTokens)
}

// report builds the usage report. Anthropic's input_tokens excludes both
// cache reads and cache writes, so they are added back into input; reads are
// also reported as cached.
func (a *usageAccumulator) report() usage.Report {
	if !a.input.Valid && !a.output.Valid {
		return usage.Report{}
	}
	in := a.input
	if in.Valid {
		if a.cacheRead.Valid {
			in.Value += a.cacheRead.Value
		}
		if a.cacheWrite.Valid {
			in.Value += a.cacheWrite.Value
		}
	}
	return usage.Report{Top: usage.InputOutput{InputTokens: in, OutputTokens: a.output, CachedInputTokens: a.cacheRead}}
}

func wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &adapter.UpstreamError{Provider: adapter.ProviderAnthropic, Status: apiErr.StatusCode, Err: err}
	}
	return &adapter.UpstreamError{Provider: adapter.ProviderAnthropic, Err: err}
}
