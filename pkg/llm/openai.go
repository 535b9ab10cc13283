package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cortexhub/cortex/pkg/models"
)

// OpenAIProvider implements Provider over any OpenAI-compatible endpoint.
// Local-first runtimes (Ollama, vLLM, LM Studio) and hosted OpenAI all
// speak this wire format, so a single implementation covers them.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the
// hosted default; apiKey may be a placeholder for local runtimes.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// StreamCompletion opens a streaming chat completion and forwards deltas.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error) {
	if req.Model == "" {
		return nil, &Error{Message: "model is required", Code: "bad_request", Retryable: false}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(*req.MaxTokens)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan Chunk, 64)

	go func() {
		defer close(out)
		defer func() {
			if err := stream.Close(); err != nil {
				slog.Warn("Failed to close LLM stream", "error", err)
			}
		}()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					select {
					case out <- &TextChunk{Content: delta}:
					case <-ctx.Done():
						return
					}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				select {
				case out <- &UsageChunk{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ec := classifyOpenAIError(err)
			select {
			case out <- ec:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// ListModels queries the endpoint's model catalog.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// toOpenAIMessages converts core history to the wire format. Tool-role
// messages are rendered as user messages carrying the labeled result:
// the XML tool protocol lives in the message text, not in the provider's
// native tool-call fields.
func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case models.RoleTool:
			out = append(out, openai.UserMessage(
				fmt.Sprintf("Tool result (%s):\n%s", m.ToolName, m.Content)))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classifyOpenAIError maps a provider error to a typed ErrorChunk.
// 429 and 5xx are transient; everything else is permanent.
func classifyOpenAIError(err error) *ErrorChunk {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
		return &ErrorChunk{
			Message:   apiErr.Error(),
			Code:      fmt.Sprintf("http_%d", apiErr.StatusCode),
			Retryable: retryable,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ErrorChunk{Message: err.Error(), Code: "canceled", Retryable: false}
	}
	// Connection-level failures (local runtime restarting) are retryable.
	return &ErrorChunk{Message: err.Error(), Code: "connection", Retryable: true}
}
