package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/solforge/solforge-gateway/internal/adapter"
	"github.com/solforge/solforge-gateway/internal/gateway"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/openai"
	"github.com/solforge/solforge-gateway/internal/usage"
)

// sseWriter frames server-sent events and flushes each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() {
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// streamChat relays a completion as chat.completion.chunk events. Errors
// before the first byte are answered as JSON; later ones as an error event.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, wallet string, req adapter.Request) {
	ctx := r.Context()
	h, err := s.gateway.Open(ctx, wallet, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer h.Close()

	sse, ok := newSSEWriter(w)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported", errTypeInternal)
		return
	}
	chunks := openai.NewChunkBuilder(h.ID(), h.Model())
	if err := sse.data(chunks.Role()); err != nil {
		return
	}

	for {
		delta, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				_, _ = h.Finalize(ctx)
				return
			}
			s.logger.Warn().Err(err).Str("wallet", wallet).Str("model", req.Model).Msg("http.stream upstream failed")
			_, errType, msg := classify(err)
			_ = sse.data(openai.ErrorResponse{Error: openai.ErrorBody{Message: msg, Type: errType}})
			sse.done()
			return
		}
		if delta == "" {
			continue
		}
		if err := sse.data(chunks.Content(delta)); err != nil {
			// Client went away; Finalize sees the cancelled context.
			_, _ = h.Finalize(ctx)
			return
		}
	}

	outcome, err := h.Finalize(ctx)
	switch {
	case errors.Is(err, gateway.ErrCancelled):
		return
	case err != nil:
		s.logger.Error().Err(err).Str("wallet", wallet).Str("model", req.Model).Msg("http.stream finalize failed")
		_, errType, msg := classify(err)
		_ = sse.data(openai.ErrorResponse{Error: openai.ErrorBody{Message: msg, Type: errType}})
		sse.done()
		return
	}

	var final openai.ChatCompletionChunk
	if outcome != nil {
		t := outcome.Totals
		final = chunks.Final(outcome.FinishReason, &openai.UsageBreakdown{
			PromptTokens:     t.Input,
			CompletionTokens: t.Output,
			TotalTokens:      t.Total,
		}, &openai.SolforgeMetadata{
			BalanceRemaining: ledger.Format(outcome.NewBalance),
			CostUSD:          ledger.Format(outcome.Cost),
		})
	} else {
		// Unbilled: no usage and no cost to report.
		final = chunks.Final(usage.FinishStop, nil, nil)
	}
	if err := sse.data(final); err != nil {
		return
	}
	sse.done()
}
