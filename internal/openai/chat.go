// Package openai holds the OpenAI-compatible wire types served by the gateway.
package openai

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChatCompletionRequest captures the subset of OpenAI's request we support.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// Validate rejects requests no provider could serve.
func (r ChatCompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "developer", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	return nil
}

// ChatMessage follows OpenAI's role/content schema with plain-text content.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []ChatCompletionChoice `json:"choices"`
	Usage    UsageBreakdown         `json:"usage"`
	Metadata *SolforgeMetadata      `json:"solforge_metadata,omitempty"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
	Logprobs     any         `json:"logprobs"`
}

// UsageBreakdown is the reconciled token accounting.
type UsageBreakdown struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SolforgeMetadata reports the charge applied to a completion. Amounts are
// 8-decimal strings.
type SolforgeMetadata struct {
	BalanceRemaining string `json:"balance_remaining"`
	CostUSD          string `json:"cost_usd"`
}

// NewCompletionResponse builds a single-choice response.
func NewCompletionResponse(id, model, text, finishReason string, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: finishReason,
			Message:      ChatMessage{Role: "assistant", Content: text},
		}},
		Usage: usage,
	}
}
