package cycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/models"
)

// summarizer compresses the oldest portion of an agent's history when
// the token estimate exceeds the ceiling. At most one compression per
// cycle; the current cycle's messages are never touched.
type summarizer struct {
	provider  llm.Provider
	model     string
	threshold int

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newSummarizer(provider llm.Provider, model string, threshold int) *summarizer {
	return &summarizer{provider: provider, model: model, threshold: threshold}
}

// estimateTokens counts tokens across the history. Falls back to a
// bytes/4 heuristic if the encoding is unavailable.
func (s *summarizer) estimateTokens(history []models.Message) int {
	s.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Token encoding unavailable, using byte heuristic", "error", err)
			return
		}
		s.enc = enc
	})

	total := 0
	for _, msg := range history {
		if s.enc != nil {
			total += len(s.enc.Encode(msg.Content, nil, nil))
		} else {
			total += len(msg.Content) / 4
		}
		total += 4 // role and framing overhead per message
	}
	return total
}

// maybeCompress checks the ceiling and, when exceeded, replaces the
// oldest contiguous block of user/assistant messages with an
// LLM-produced summary. Returns whether a compression happened.
func (s *summarizer) maybeCompress(ctx context.Context, a *agent.Agent) bool {
	if s.threshold <= 0 {
		return false
	}
	history := a.History()
	if s.estimateTokens(history) <= s.threshold {
		return false
	}

	// Keep the tail intact: the newest quarter, minimum 2 messages, is
	// the active conversation and never summarized.
	keep := len(history) / 4
	if keep < 2 {
		keep = 2
	}
	cut := len(history) - keep
	// Only a leading run of user/assistant messages is eligible; a
	// prior summary at position 0 is absorbed into the new one.
	n := 0
	for n < cut {
		role := history[n].Role
		if role != models.RoleUser && role != models.RoleAssistant && !history[n].Summary {
			break
		}
		n++
	}
	if n == 0 {
		return false
	}

	summary, err := s.summarize(ctx, history[:n])
	if err != nil {
		slog.Warn("History summarization failed, keeping full history", "agent_id", a.ID, "error", err)
		return false
	}
	a.Summarize(n, summary)
	slog.Info("History compressed", "agent_id", a.ID, "replaced", n)
	return true
}

const summaryPrompt = `Summarize the following conversation fragment in a compact paragraph. Preserve decisions, task ids, agent ids, and outstanding questions. Output only the summary.`

func (s *summarizer) summarize(ctx context.Context, block []models.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range block {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stream, err := s.provider.StreamCompletion(ctx, llm.Request{
		Model: s.model,
		Messages: []models.Message{
			models.NewMessage(models.RoleSystem, summaryPrompt),
			models.NewMessage(models.RoleUser, sb.String()),
		},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			out.WriteString(c.Content)
		case *llm.ErrorChunk:
			return "", llm.AsError(c)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
