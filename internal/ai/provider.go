package ai

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a provider lacks its credential.
var ErrNotConfigured = errors.New("ai provider not configured")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streamed completion. Content and
// FinishReason may both be empty on bookkeeping chunks.
type StreamChunk struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends; errs carries at most one error
// and is only meaningful once chunks is drained.
type StreamProvider interface {
	StreamChat(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error)
}
