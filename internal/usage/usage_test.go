package usage

import (
	"errors"
	"testing"
)

func TestReconcile(t *testing.T) {
	cases := []struct {
		name string
		in   Report
		want Totals
	}{
		{
			name: "prompt completion",
			in:   Report{Top: PromptCompletion{PromptTokens: N(10), CompletionTokens: N(5)}},
			want: Totals{Input: 10, Output: 5, Total: 15},
		},
		{
			name: "input output with total",
			in:   Report{Top: InputOutput{InputTokens: N(7), OutputTokens: N(3), TotalTokens: N(12)}},
			want: Totals{Input: 7, Output: 3, Total: 12},
		},
		{
			name: "total only",
			in:   Report{Top: PromptCompletion{TotalTokens: N(15)}},
			want: Totals{Input: 15, Output: 15, Total: 15},
		},
		{
			name: "derive output",
			in:   Report{Top: InputOutput{InputTokens: N(4), TotalTokens: N(10)}},
			want: Totals{Input: 4, Output: 6, Total: 10},
		},
		{
			name: "derive input clamps",
			in:   Report{Top: InputOutput{OutputTokens: N(20), TotalTokens: N(10)}},
			want: Totals{Input: 0, Output: 20, Total: 10},
		},
		{
			name: "falls back to last step",
			in: Report{Steps: []Usage{
				InputOutput{InputTokens: N(1), OutputTokens: N(1)},
				PromptCompletion{PromptTokens: N(8), CompletionTokens: N(2), TotalTokens: N(10)},
			}},
			want: Totals{Input: 8, Output: 2, Total: 10},
		},
		{
			name: "top fields win over step",
			in: Report{
				Top:   InputOutput{InputTokens: N(3)},
				Steps: []Usage{InputOutput{InputTokens: N(9), OutputTokens: N(4), TotalTokens: N(13)}},
			},
			want: Totals{Input: 3, Output: 4, Total: 13},
		},
		{
			name: "rounds and clamps negatives",
			in:   Report{Top: PromptCompletion{PromptTokens: N(2.6), CompletionTokens: N(-4)}},
			want: Totals{Input: 3, Output: 0, Total: 0},
		},
		{
			name: "cached tokens carried",
			in:   Report{Top: PromptCompletion{PromptTokens: N(100), CompletionTokens: N(10), CachedTokens: N(40)}},
			want: Totals{Input: 100, Output: 10, Total: 110, CachedInput: 40},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Reconcile(tc.in)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestReconcileNoUsage(t *testing.T) {
	for _, r := range []Report{
		{},
		{Top: InputOutput{InputTokens: N(10)}},
		{Steps: []Usage{PromptCompletion{CompletionTokens: N(3)}}},
	} {
		if _, err := Reconcile(r); !errors.Is(err, ErrNoUsage) {
			t.Fatalf("expected ErrNoUsage for %+v, got %v", r, err)
		}
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"max_tokens":     FinishLength,
		"length":         FinishLength,
		"LENGTH":         FinishLength,
		"end_turn":       FinishStop,
		"stop":           FinishStop,
		"tool_use":       FinishStop,
		"content_filter": FinishStop,
		"":               FinishStop,
	}
	for in, want := range cases {
		if got := MapFinishReason(in); got != want {
			t.Fatalf("MapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
