package openai

import "time"

// ChatCompletionChunk represents one SSE event of a streamed completion.
type ChatCompletionChunk struct {
	ID       string                      `json:"id"`
	Object   string                      `json:"object"`
	Created  int64                       `json:"created"`
	Model    string                      `json:"model"`
	Choices  []ChatCompletionChunkChoice `json:"choices"`
	Usage    *UsageBreakdown             `json:"usage,omitempty"`
	Metadata *SolforgeMetadata           `json:"solforge_metadata,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     any              `json:"logprobs"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkBuilder stamps the fixed fields shared by every chunk of one stream.
type ChunkBuilder struct {
	ID      string
	Model   string
	Created int64
}

// NewChunkBuilder starts a stream now.
func NewChunkBuilder(id, model string) ChunkBuilder {
	return ChunkBuilder{ID: id, Model: model, Created: time.Now().Unix()}
}

func (b ChunkBuilder) chunk(delta ChatMessageDelta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []ChatCompletionChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// Role is the opening chunk: an empty assistant delta.
func (b ChunkBuilder) Role() ChatCompletionChunk {
	return b.chunk(ChatMessageDelta{Role: "assistant"}, nil)
}

// Content carries one fragment.
func (b ChunkBuilder) Content(text string) ChatCompletionChunk {
	return b.chunk(ChatMessageDelta{Content: text}, nil)
}

// Final closes the stream. usage and meta are omitted when nil.
func (b ChunkBuilder) Final(finishReason string, usage *UsageBreakdown, meta *SolforgeMetadata) ChatCompletionChunk {
	c := b.chunk(ChatMessageDelta{}, &finishReason)
	c.Usage = usage
	c.Metadata = meta
	return c
}
