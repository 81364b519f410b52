package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/testutil"
	"github.com/solforge/solforge-gateway/internal/usage"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := testutil.NewIPv4Server(t, handler)
	p, err := New(Config{APIKey: "sk-ant-test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil || !strings.Contains(err.Error(), "api key required") {
		t.Fatalf("expected api key error, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	var body map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-ant-test" {
			t.Errorf("missing api key header")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022",
			"content":[{"type":"text","text":"Hi!"}],
			"stop_reason":"max_tokens","stop_sequence":null,
			"usage":{"input_tokens":12,"output_tokens":3}
		}`))
	})

	resp, err := p.Complete(context.Background(), adapter.Request{
		Model:    "claude-3-5-haiku-20241022",
		Messages: []adapter.Message{{Role: "system", Content: "be nice"}, {Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "Hi!" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if usage.MapFinishReason(resp.FinishReason) != "length" {
		t.Fatalf("unexpected finish %q", resp.FinishReason)
	}
	totals, err := usage.Reconcile(resp.Usage)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if totals != (usage.Totals{Input: 12, Output: 3, Total: 15}) {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if body["max_tokens"] != float64(4096) {
		t.Fatalf("expected default max_tokens, got %v", body["max_tokens"])
	}
	if _, ok := body["system"]; !ok {
		t.Fatalf("system prompt not forwarded: %v", body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("system message must not be sent as a turn: %v", body["messages"])
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	})
	_, err := p.Complete(context.Background(), adapter.Request{Model: "claude-3-5-haiku-20241022", Messages: []adapter.Message{{Role: "user", Content: "x"}}})
	var upErr *adapter.UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusBadRequest {
		t.Fatalf("expected upstream 400, got %v", err)
	}
}

func TestSystemOnlyRejected(t *testing.T) {
	p, _ := New(Config{APIKey: "k"})
	if _, err := p.Complete(context.Background(), adapter.Request{Model: "claude-3-5-haiku-20241022", Messages: []adapter.Message{{Role: "system", Content: "x"}}}); err == nil {
		t.Fatalf("expected error for system-only request")
	}
}

func writeEvent(w io.Writer, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`)
		writeEvent(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		writeEvent(w, "ping", `{"type":"ping"}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`)
		writeEvent(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		writeEvent(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":9}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
	})

	s, err := p.Stream(context.Background(), adapter.Request{Model: "claude-3-5-haiku-20241022", Messages: []adapter.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var text strings.Builder
	for {
		part, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		text.WriteString(part)
	}
	if text.String() != "Hello world" {
		t.Fatalf("unexpected text %q", text.String())
	}
	report, finish := s.Result()
	totals, err := usage.Reconcile(report)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if totals != (usage.Totals{Input: 25, Output: 9, Total: 34}) {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if usage.MapFinishReason(finish) != "stop" {
		t.Fatalf("unexpected finish %q", finish)
	}
}

func TestCacheUsageIsCountedAsInput(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_2","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022",
			"content":[{"type":"text","text":"ok"}],
			"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":10,"output_tokens":4,"cache_read_input_tokens":200,"cache_creation_input_tokens":50}
		}`))
	})

	resp, err := p.Complete(context.Background(), adapter.Request{Model: "claude-3-5-haiku-20241022", Messages: []adapter.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	totals, err := usage.Reconcile(resp.Usage)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if totals != (usage.Totals{Input: 260, Output: 4, Total: 264, CachedInput: 200}) {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
