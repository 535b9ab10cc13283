package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// stubTool is a configurable test tool.
type stubTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, agentCtx AgentContext, args map[string]any) *Result
}

func (t *stubTool) Name() string             { return t.name }
func (t *stubTool) Description() string      { return "stub" }
func (t *stubTool) ParametersSchema() string { return t.schema }
func (t *stubTool) Execute(ctx context.Context, agentCtx AgentContext, args map[string]any) *Result {
	return t.fn(ctx, agentCtx, args)
}

func echoTool(name string) *stubTool {
	return &stubTool{
		name:   name,
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		fn: func(_ context.Context, _ AgentContext, args map[string]any) *Result {
			return Ok(fmt.Sprintf("echo: %v", args["text"]))
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	tool, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name())
	assert.ElementsMatch(t, []string{"echo"}, r.Names())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	err := r.Register(echoTool("echo"))
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubTool{name: "bad", schema: `{not json`})
	assert.ErrorContains(t, err, "parameter schema")
}

func TestValidateArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))

	assert.NoError(t, r.validate("echo", map[string]any{"text": "hi"}))
	assert.Error(t, r.validate("echo", map[string]any{}))                 // missing required
	assert.Error(t, r.validate("echo", map[string]any{"text": 42}))      // wrong type
	assert.ErrorIs(t, r.validate("nope", nil), ErrUnknownTool)
}

func TestDescribeListsTools(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	assert.Contains(t, r.Describe(), "<echo>: stub")
}

// collectEvents subscribes and returns a getter for received events.
func collectEvents(t *testing.T, b *bus.Bus) func() []bus.AgentEvent {
	t.Helper()
	var mu sync.Mutex
	var events []bus.AgentEvent
	b.SubscribeAll(func(e *bus.AgentEvent) {
		mu.Lock()
		events = append(events, *e)
		mu.Unlock()
	})
	return func() []bus.AgentEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]bus.AgentEvent, len(events))
		copy(out, events)
		return out
	}
}

func TestExecutorEmitsStartAndCompletePair(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())
	events := collectEvents(t, b)

	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	e := NewExecutor(r, b, 0)

	agentCtx := AgentContext{AgentID: "a1", Role: statemachine.RoleAdmin}
	result := e.Execute(context.Background(), agentCtx, "c1", "echo", map[string]any{"text": "hi"})

	require.False(t, result.IsError())
	assert.Equal(t, "echo: hi", result.Content)

	assert.Eventually(t, func() bool { return len(events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := events()
	assert.Equal(t, bus.EventToolExecutionStart, got[0].Type)
	assert.Equal(t, "echo", got[0].Data["tool"])
	assert.Equal(t, "c1", got[0].CorrelationID)
	assert.Equal(t, bus.EventToolExecutionComplete, got[1].Type)
	assert.Equal(t, "ok", got[1].Data["status"])
}

func TestExecutorUnknownTool(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())
	events := collectEvents(t, b)

	e := NewExecutor(NewRegistry(), b, 0)
	result := e.Execute(context.Background(), AgentContext{AgentID: "a1"}, "c1", "nope", nil)

	require.True(t, result.IsError())
	assert.Equal(t, "unknown_tool", result.Kind)

	// Error result still gets the bracketing pair plus an Error event.
	assert.Eventually(t, func() bool { return len(events()) == 3 }, 2*time.Second, 10*time.Millisecond)
	got := events()
	assert.Equal(t, bus.EventToolExecutionStart, got[0].Type)
	assert.Equal(t, bus.EventError, got[1].Type)
	assert.Equal(t, bus.EventToolExecutionComplete, got[2].Type)
}

func TestExecutorValidationFailure(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	e := NewExecutor(r, b, 0)

	result := e.Execute(context.Background(), AgentContext{AgentID: "a1"}, "c1", "echo", map[string]any{})
	require.True(t, result.IsError())
	assert.Equal(t, "invalid_arguments", result.Kind)
}

func TestExecutorTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{
		name:   "slow",
		schema: "",
		fn: func(_ context.Context, _ AgentContext, _ map[string]any) *Result {
			time.Sleep(500 * time.Millisecond)
			return Ok("too late")
		},
	}))
	e := NewExecutor(r, nil, 20*time.Millisecond)

	result := e.Execute(context.Background(), AgentContext{AgentID: "a1"}, "c1", "slow", nil)
	require.True(t, result.IsError())
	assert.Equal(t, "timeout", result.Kind)
}

func TestExecutorRecoversPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{
		name: "bomb",
		fn: func(context.Context, AgentContext, map[string]any) *Result {
			panic("kaboom")
		},
	}))
	e := NewExecutor(r, nil, 0)

	result := e.Execute(context.Background(), AgentContext{AgentID: "a1"}, "c1", "bomb", nil)
	require.True(t, result.IsError())
	assert.Equal(t, "panic", result.Kind)
}

// fakeMessenger records deliveries.
type fakeMessenger struct {
	from, to, content string
	err               error
}

func (m *fakeMessenger) DeliverMessage(from, to, content string) error {
	m.from, m.to, m.content = from, to, content
	return m.err
}

func TestSendMessageTool(t *testing.T) {
	m := &fakeMessenger{}
	tool := NewSendMessageTool(m)

	result := tool.Execute(context.Background(),
		AgentContext{AgentID: "pm-1", Role: statemachine.RolePM},
		map[string]any{"target_agent_id": "w-1", "content": "do the task"})

	require.False(t, result.IsError())
	assert.Equal(t, "pm-1", m.from)
	assert.Equal(t, "w-1", m.to)
	assert.Equal(t, "do the task", m.content)
}

func TestSendMessageToolDeliveryFailure(t *testing.T) {
	m := &fakeMessenger{err: errors.New("no such agent")}
	tool := NewSendMessageTool(m)

	result := tool.Execute(context.Background(), AgentContext{AgentID: "a"},
		map[string]any{"target_agent_id": "ghost", "content": "hi"})
	require.True(t, result.IsError())
	assert.Equal(t, "delivery_failed", result.Kind)
}

// fakeNotes is an in-memory NotesSearcher.
type fakeNotes struct{ notes []string }

func (n *fakeNotes) SearchNotes(_ context.Context, query string, limit int) ([]string, error) {
	var out []string
	for _, note := range n.notes {
		if len(out) < limit {
			out = append(out, note)
		}
	}
	return out, nil
}

func TestSearchTool(t *testing.T) {
	tool := NewSearchTool(&fakeNotes{notes: []string{"invoice #1", "invoice #2", "invoice #3"}}, 10)

	result := tool.Execute(context.Background(), AgentContext{}, map[string]any{"query": "invoice"})
	require.False(t, result.IsError())
	assert.Contains(t, result.Content, "3 results")
	assert.Contains(t, result.Content, "invoice #2")
}

func TestSearchToolBodyOnlyForm(t *testing.T) {
	tool := NewSearchTool(&fakeNotes{notes: []string{"hit"}}, 10)
	result := tool.Execute(context.Background(), AgentContext{}, map[string]any{"input": "hit"})
	require.False(t, result.IsError())
	assert.Contains(t, result.Content, "1 results")
}

func TestSearchToolRequiresQuery(t *testing.T) {
	tool := NewSearchTool(&fakeNotes{}, 10)
	result := tool.Execute(context.Background(), AgentContext{}, map[string]any{})
	require.True(t, result.IsError())
	assert.Equal(t, "invalid_arguments", result.Kind)
}

func TestCurrentTimeTool(t *testing.T) {
	tool := NewCurrentTimeTool()
	fixed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	result := tool.Execute(context.Background(), AgentContext{}, nil)
	require.False(t, result.IsError())
	assert.Equal(t, "2025-06-01T09:30:00Z", result.Content)
}
