package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedProvider replays canned responses, one per StreamCompletion
// call, split into fixed-size chunks. Used by tests and by volatile
// demo mode; the real provider is OpenAIProvider.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	next      int
	chunkSize int

	// Calls records every request for assertions.
	Calls []Request
}

// ScriptedResponse is one scripted turn. If Err is non-nil the stream
// delivers it as an ErrorChunk after any text.
type ScriptedResponse struct {
	Text string
	Err  *ErrorChunk
}

// NewScriptedProvider creates a provider replaying the given responses.
// Calls beyond the script return empty streams.
func NewScriptedProvider(responses ...ScriptedResponse) *ScriptedProvider {
	return &ScriptedProvider{responses: responses, chunkSize: 24}
}

// SetChunkSize overrides the text split size (default 24 bytes).
func (p *ScriptedProvider) SetChunkSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.chunkSize = n
	}
}

// Append adds responses to the end of the script.
func (p *ScriptedProvider) Append(responses ...ScriptedResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

func (p *ScriptedProvider) StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	var resp ScriptedResponse
	if p.next < len(p.responses) {
		resp = p.responses[p.next]
		p.next++
	}
	size := p.chunkSize
	p.mu.Unlock()

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		text := resp.Text
		for len(text) > 0 {
			n := size
			if n > len(text) {
				n = len(text)
			}
			// Avoid splitting a multi-byte rune across chunks.
			for n < len(text) && !isRuneStart(text[n]) {
				n++
			}
			select {
			case out <- &TextChunk{Content: text[:n]}:
			case <-ctx.Done():
				return
			}
			text = text[n:]
		}
		if resp.Err != nil {
			select {
			case out <- resp.Err:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (p *ScriptedProvider) ListModels(context.Context) ([]string, error) {
	return []string{"scripted"}, nil
}

// CallCount returns how many StreamCompletion calls were made.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastPrompt returns the concatenated message contents of the last call,
// for substring assertions in tests.
func (p *ScriptedProvider) LastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range p.Calls[len(p.Calls)-1].Messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
