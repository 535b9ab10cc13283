package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/cortexhub/cortex/pkg/bus"
)

// Executor dispatches validated tool calls and publishes the paired
// ToolExecutionStart / ToolExecutionComplete (or Error) events. Tool
// failures never abort the calling cycle: they come back as error
// results the agent sees as a tool-role message.
type Executor struct {
	registry *Registry
	events   *bus.Bus
	timeout  time.Duration
}

// NewExecutor creates an executor. timeout bounds a single tool call;
// <= 0 means no per-call bound beyond the cycle context.
func NewExecutor(registry *Registry, events *bus.Bus, timeout time.Duration) *Executor {
	return &Executor{registry: registry, events: events, timeout: timeout}
}

// Execute validates and runs one tool call on behalf of the agent.
// correlationID ties the emitted events to the current cycle.
func (e *Executor) Execute(ctx context.Context, agentCtx AgentContext, correlationID, name string, args map[string]any) *Result {
	e.emit(bus.EventToolExecutionStart, agentCtx.AgentID, correlationID, map[string]any{
		"tool": name,
		"args": args,
	})

	result := e.run(ctx, agentCtx, name, args)

	if result.IsError() {
		e.emit(bus.EventError, agentCtx.AgentID, correlationID, map[string]any{
			"tool":    name,
			"kind":    result.Kind,
			"message": result.Content,
		})
		slog.Warn("Tool execution failed",
			"tool", name, "agent_id", agentCtx.AgentID, "kind", result.Kind)
	}
	// Complete is emitted for error results too: the pair brackets the
	// attempt, the result carries the outcome.
	e.emit(bus.EventToolExecutionComplete, agentCtx.AgentID, correlationID, map[string]any{
		"tool":   name,
		"status": result.Status,
	})
	return result
}

// run performs validation and dispatch with the per-call timeout.
func (e *Executor) run(ctx context.Context, agentCtx AgentContext, name string, args map[string]any) *Result {
	tool, ok := e.registry.Get(name)
	if !ok {
		return Errf("unknown_tool", "tool %q is not registered", name)
	}
	if err := e.registry.validate(name, args); err != nil {
		return Errf("invalid_arguments", "%v", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Tool panicked", "tool", name, "panic", r)
				done <- Errf("panic", "tool %s panicked: %v", name, r)
			}
		}()
		done <- tool.Execute(ctx, agentCtx, args)
	}()

	select {
	case result := <-done:
		if result == nil {
			return Errf("internal", "tool %s returned no result", name)
		}
		return result
	case <-ctx.Done():
		return Errf("timeout", "tool %s: %v", name, ctx.Err())
	}
}

func (e *Executor) emit(t bus.EventType, agentID, correlationID string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Emit(bus.AgentEvent{
		Type:          t,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Data:          data,
	})
}
