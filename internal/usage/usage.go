// Package usage reconciles token counts reported by upstream providers into a
// single billable triple.
//
// Upstreams disagree on naming (input/output versus prompt/completion) and on
// where usage lives (top level or per step). Reconcile is the only source of
// truth for billing: when it cannot determine a total it fails rather than
// returning zeros.
package usage

import (
	"errors"
	"math"
	"strings"
)

// ErrNoUsage means no total token count could be determined.
var ErrNoUsage = errors.New("usage: no usage data")

// Count is an optional token count as reported upstream.
type Count struct {
	Value float64
	Valid bool
}

// N returns a valid count.
func N(v float64) Count { return Count{Value: v, Valid: true} }

// Usage is one upstream usage object. The concrete types below are the only
// implementations.
type Usage interface {
	counts() fields
}

type fields struct {
	input, output, total, cached Count
}

// InputOutput is the input_tokens/output_tokens naming.
type InputOutput struct {
	InputTokens       Count
	OutputTokens      Count
	TotalTokens       Count
	CachedInputTokens Count
}

func (u InputOutput) counts() fields {
	return fields{input: u.InputTokens, output: u.OutputTokens, total: u.TotalTokens, cached: u.CachedInputTokens}
}

// PromptCompletion is the prompt_tokens/completion_tokens naming.
type PromptCompletion struct {
	PromptTokens     Count
	CompletionTokens Count
	TotalTokens      Count
	CachedTokens     Count
}

func (u PromptCompletion) counts() fields {
	return fields{input: u.PromptTokens, output: u.CompletionTokens, total: u.TotalTokens, cached: u.CachedTokens}
}

// Report is everything a provider observed about usage for one response.
// Top may be nil; Steps holds per-step usage for multi-step responses.
type Report struct {
	Top   Usage
	Steps []Usage
}

// Totals is the reconciled usage. All fields are non-negative.
type Totals struct {
	Input       int64 `json:"prompt_tokens"`
	Output      int64 `json:"completion_tokens"`
	Total       int64 `json:"total_tokens"`
	CachedInput int64 `json:"cached_tokens,omitempty"`
}

// Reconcile derives Totals from a report:
//
//   - input and output come from the top-level usage, falling back per field
//     to the last step;
//   - total is the explicit total, else the last step total, else input+output
//     when both are known;
//   - a missing side is max(0, total-known); with neither side known both
//     default to total.
func Reconcile(r Report) (Totals, error) {
	var top, last fields
	if r.Top != nil {
		top = r.Top.counts()
	}
	if n := len(r.Steps); n > 0 && r.Steps[n-1] != nil {
		last = r.Steps[n-1].counts()
	}

	in := pick(top.input, last.input)
	out := pick(top.output, last.output)
	cached := pick(top.cached, last.cached)
	total := pick(top.total, last.total)
	if !total.Valid && in.Valid && out.Valid {
		total = N(in.Value + out.Value)
	}
	if !total.Valid {
		return Totals{}, ErrNoUsage
	}

	t := Totals{Total: round(total.Value)}
	switch {
	case in.Valid && out.Valid:
		t.Input, t.Output = round(in.Value), round(out.Value)
	case in.Valid:
		t.Input = round(in.Value)
		t.Output = max(0, t.Total-t.Input)
	case out.Valid:
		t.Output = round(out.Value)
		t.Input = max(0, t.Total-t.Output)
	default:
		t.Input, t.Output = t.Total, t.Total
	}
	if cached.Valid {
		t.CachedInput = round(cached.Value)
	}
	return t, nil
}

func pick(primary, fallback Count) Count {
	if primary.Valid && !math.IsNaN(primary.Value) {
		return primary
	}
	if fallback.Valid && !math.IsNaN(fallback.Value) {
		return fallback
	}
	return Count{}
}

func round(v float64) int64 {
	if math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return int64(math.Round(v))
}

// Finish reasons emitted on the wire.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// MapFinishReason collapses provider vocabulary to "length" or "stop".
func MapFinishReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "length", "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}
