// Package models contains the shared data types passed between the core
// packages: conversation messages, task specifications, and per-agent
// metrics. Behavior lives in the packages that own it.
package models

import "time"

// MessageRole identifies the sender of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is a single entry in an agent's conversation history.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`

	// ToolName is set on tool-role messages so the agent can match a
	// result back to the call it made.
	ToolName string `json:"tool_name,omitempty"`

	// Summary marks the synthetic system message produced by context
	// summarization. At most one per agent history.
	Summary bool `json:"summary,omitempty"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role MessageRole, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}
