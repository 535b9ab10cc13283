package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Messenger delivers a message into another agent's history and wakes
// the target if idle. Implemented by the agent manager; keeping it an
// interface here avoids a dependency cycle and keeps agents from
// traversing each other directly.
type Messenger interface {
	DeliverMessage(fromAgentID, toAgentID, content string) error
}

// SendMessageTool is the inter-agent communication primitive. The
// target receives "[From @sender]: content" as a user-role message and
// is scheduled if idle.
type SendMessageTool struct {
	messenger Messenger
}

// NewSendMessageTool creates the send_message tool.
func NewSendMessageTool(m Messenger) *SendMessageTool {
	return &SendMessageTool{messenger: m}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to another agent by id. The target is scheduled to process it."
}

func (t *SendMessageTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"target_agent_id": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1}
		},
		"required": ["target_agent_id", "content"],
		"additionalProperties": false
	}`
}

func (t *SendMessageTool) Execute(_ context.Context, agentCtx AgentContext, args map[string]any) *Result {
	target, _ := args["target_agent_id"].(string)
	content, _ := args["content"].(string)
	if err := t.messenger.DeliverMessage(agentCtx.AgentID, target, content); err != nil {
		return Errf("delivery_failed", "could not deliver to %s: %v", target, err)
	}
	return Ok(fmt.Sprintf("message delivered to %s", target))
}

// NotesSearcher searches the local note store. Implemented by the
// persistence layer; nil disables the search tool.
type NotesSearcher interface {
	SearchNotes(ctx context.Context, query string, limit int) ([]string, error)
}

// SearchTool searches local notes. Registered as the <search> tag.
type SearchTool struct {
	notes NotesSearcher
	limit int
}

// NewSearchTool creates the search tool with the given result limit.
func NewSearchTool(notes NotesSearcher, limit int) *SearchTool {
	if limit <= 0 {
		limit = 10
	}
	return &SearchTool{notes: notes, limit: limit}
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the local notes for a query string; returns matching snippets."
}

func (t *SearchTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"input": {"type": "string"}
		},
		"additionalProperties": false
	}`
}

func (t *SearchTool) Execute(ctx context.Context, _ AgentContext, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		// Body-only form: <search>invoice</search>
		query, _ = args["input"].(string)
	}
	if strings.TrimSpace(query) == "" {
		return Errf("invalid_arguments", "search requires a query")
	}

	results, err := t.notes.SearchNotes(ctx, query, t.limit)
	if err != nil {
		return Errf("search_failed", "search for %q: %v", query, err)
	}
	if len(results) == 0 {
		return Ok(fmt.Sprintf("no results for %q", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d results for %q:\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
	}
	return Ok(sb.String())
}

// CurrentTimeTool reports the hub's wall clock. The clock function is
// injectable for tests.
type CurrentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool creates the current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Return the current local date and time."
}

func (t *CurrentTimeTool) ParametersSchema() string {
	return `{"type": "object", "additionalProperties": false}`
}

func (t *CurrentTimeTool) Execute(context.Context, AgentContext, map[string]any) *Result {
	return Ok(t.now().Format(time.RFC3339))
}
