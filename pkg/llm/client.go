// Package llm defines the narrow LLM provider capability the core
// depends on: a streaming completion call returning a channel of typed
// chunks, plus optional model listing for failover.
package llm

import (
	"context"
	"fmt"

	"github.com/cortexhub/cortex/pkg/models"
)

// Provider is the streaming completion capability.
type Provider interface {
	// StreamCompletion opens a streaming completion. The returned channel
	// is closed when the stream ends. Provider errors are delivered as
	// ErrorChunk values; the caller classifies them via AsError.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// ListModels returns the models this provider can serve, used for
	// failover. Optional: providers may return nil, nil.
	ListModels(ctx context.Context) ([]string, error)
}

// Request carries one completion call.
type Request struct {
	Model       string
	Messages    []models.Message
	Temperature *float64
	MaxTokens   *int64
}

// Chunk is the tagged union of streaming deltas.
type Chunk interface {
	chunkType() string
}

// TextChunk is a fragment of assistant text.
type TextChunk struct{ Content string }

// UsageChunk reports token consumption, delivered at most once per stream.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider error. Retryable errors are transient
// (rate limits, connection resets); the cycle handler retries them with
// backoff and optional model failover.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() string  { return "text" }
func (c *UsageChunk) chunkType() string { return "usage" }
func (c *ErrorChunk) chunkType() string { return "error" }

// Error is the typed error surfaced by providers outside the stream.
type Error struct {
	Message   string
	Code      string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %s (code: %s, retryable: %v)", e.Message, e.Code, e.Retryable)
}

// AsError converts an ErrorChunk into the typed error.
func AsError(c *ErrorChunk) *Error {
	return &Error{Message: c.Message, Code: c.Code, Retryable: c.Retryable}
}
