package agent

import (
	"context"

	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/parser"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// Event is the tagged union yielded by ProcessMessage. The cycle
// handler switches on the concrete type.
type Event interface {
	agentEvent()
}

// Chunk is one raw streamed delta, forwarded as received.
type Chunk struct {
	Text string
}

// Thought is the content of a closed thought span. Emitted as an event
// only; never appended to conversational history.
type Thought struct {
	Text string
}

// ToolRequest is a closed tool call awaiting execution.
type ToolRequest struct {
	Name   string
	Action string
	Params map[string]string
	Raw    string
}

// WorkflowTrigger wraps a plan, task_list, or create_worker signal for
// the workflow manager.
type WorkflowTrigger struct {
	Signal parser.Signal
}

// StateChangeRequest asks the state machine for a transition.
type StateChangeRequest struct {
	To statemachine.State
}

// Malformed reports unparseable markup in the output.
type Malformed struct {
	Span   string
	Reason string
	AtEOF  bool
}

// StreamError is a provider failure mid-stream.
type StreamError struct {
	Err *llm.Error
}

// FinalResponse closes the stream. Text is the accumulated plain
// assistant text with markup stripped.
type FinalResponse struct {
	Text string
}

func (Chunk) agentEvent()              {}
func (Thought) agentEvent()            {}
func (ToolRequest) agentEvent()        {}
func (WorkflowTrigger) agentEvent()    {}
func (StateChangeRequest) agentEvent() {}
func (Malformed) agentEvent()          {}
func (StreamError) agentEvent()        {}
func (FinalResponse) agentEvent()      {}

// ProcessMessage opens a streaming completion over the given request
// and returns the agent's event stream. Each delta is forwarded as a
// Chunk and fed through the incremental parser; closed structures
// surface as higher-level events. The channel is closed after the
// terminal event (FinalResponse or StreamError).
func (a *Agent) ProcessMessage(ctx context.Context, provider llm.Provider, req llm.Request, toolNames []string) (<-chan Event, error) {
	chunks, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		p := parser.NewIncremental(toolNames)
		var final []byte

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		dispatch := func(signals []parser.Signal) bool {
			for _, sig := range signals {
				var ev Event
				switch s := sig.(type) {
				case parser.TextSignal:
					final = append(final, s.Text...)
					continue
				case parser.ThoughtSignal:
					ev = Thought{Text: s.Text}
				case parser.ToolCallSignal:
					ev = ToolRequest{Name: s.Name, Action: s.Action, Params: s.Params, Raw: s.Raw}
				case parser.StateChangeSignal:
					ev = StateChangeRequest{To: statemachine.State(s.To)}
				case parser.MalformedSignal:
					ev = Malformed{Span: s.Span, Reason: s.Reason, AtEOF: s.AtEOF}
				default:
					ev = WorkflowTrigger{Signal: sig}
				}
				if !emit(ev) {
					return false
				}
			}
			return true
		}

		for chunk := range chunks {
			switch c := chunk.(type) {
			case *llm.TextChunk:
				if !emit(Chunk{Text: c.Content}) {
					return
				}
				if !dispatch(p.Feed(c.Content)) {
					return
				}
			case *llm.UsageChunk:
				// Accounting only; nothing to surface per cycle yet.
			case *llm.ErrorChunk:
				emit(StreamError{Err: llm.AsError(c)})
				return
			}
		}

		if !dispatch(p.Finish()) {
			return
		}
		emit(FinalResponse{Text: string(final)})
	}()
	return out, nil
}
