package loopback

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/usage"
)

func TestLoopbackComplete(t *testing.T) {
	p := New()
	resp, err := p.Complete(context.Background(), adapter.Request{
		Model: "loopback",
		Messages: []adapter.Message{
			{Role: "system", Content: "echo"},
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "[loopback] Hello" {
		t.Fatalf("unexpected content %q", resp.Text)
	}
	totals, err := usage.Reconcile(resp.Usage)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if totals.Total == 0 || totals.Total != totals.Input+totals.Output {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestLoopbackNoMessages(t *testing.T) {
	if _, err := New().Complete(context.Background(), adapter.Request{}); !errors.Is(err, adapter.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

func TestLoopbackStream(t *testing.T) {
	s, err := New().Stream(context.Background(), adapter.Request{
		Model:    "loopback",
		Messages: []adapter.Message{{Role: "user", Content: "one two three"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	if report, _ := s.Result(); report.Top != nil {
		t.Fatalf("result must be empty before drain")
	}
	var b strings.Builder
	for {
		part, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		b.WriteString(part)
	}
	if b.String() != "[loopback] one two three" {
		t.Fatalf("unexpected stream text %q", b.String())
	}
	report, finish := s.Result()
	if _, err := usage.Reconcile(report); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if finish != "stop" {
		t.Fatalf("unexpected finish %q", finish)
	}
}

func TestLoopbackStreamCancelled(t *testing.T) {
	s, err := New(WithChunkDelay(time.Second)).Stream(context.Background(), adapter.Request{
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestLoopbackMaxTokens(t *testing.T) {
	max := 2
	resp, err := New().Complete(context.Background(), adapter.Request{
		Messages:  []adapter.Message{{Role: "user", Content: strings.Repeat("word ", 20)}},
		MaxTokens: &max,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != "length" || len(resp.Text) != 8 {
		t.Fatalf("unexpected truncation %q %q", resp.FinishReason, resp.Text)
	}
}
