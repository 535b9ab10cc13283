// Package bus provides the in-process event bus the core components
// publish to: typed agent events, fan-out delivery to filtered
// subscribers, and a bounded ring of recent history for late joiners.
//
// Delivery model:
//   - Emit never blocks the producer.
//   - Each subscriber has its own bounded queue (default 256). On
//     overflow the oldest undelivered events are dropped and a single
//     synthetic "dropped" event carries the count.
//   - A panicking subscriber handler is isolated: the panic is logged
//     and other subscribers are unaffected.
package bus

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of an AgentEvent.
type EventType string

const (
	EventAgentThinking           EventType = "agent_thinking"
	EventResponseChunk           EventType = "response_chunk"
	EventResponseComplete        EventType = "response_complete"
	EventResponseCanceled        EventType = "response_canceled"
	EventToolExecutionStart      EventType = "tool_execution_start"
	EventToolExecutionComplete   EventType = "tool_execution_complete"
	EventStateChange             EventType = "state_change"
	EventError                   EventType = "error"
	EventConstitutionalCheck     EventType = "constitutional_check"
	EventConstitutionalViolation EventType = "constitutional_violation"
	EventPlanCreated             EventType = "plan_created"
	EventTaskListCreated         EventType = "task_list_created"
	EventWorkerCreated           EventType = "worker_created"

	// EventDropped is the synthetic event enqueued for a subscriber
	// whose queue overflowed. Data carries {"count": n}.
	EventDropped EventType = "dropped"
)

// Terminal reports whether the event type ends a correlation's stream.
func (t EventType) Terminal() bool {
	return t == EventResponseComplete || t == EventResponseCanceled || t == EventError
}

// AgentEvent is the bus payload. Data is an opaque JSON-shaped map whose
// keys depend on Type. Seq is assigned by the bus at emission and is
// strictly increasing; Timestamp is monotonically non-decreasing.
type AgentEvent struct {
	Type          EventType      `json:"type"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data"`
	Compliant     *bool          `json:"compliant,omitempty"`
	Seq           uint64         `json:"-"`
}

// MarshalJSON produces the canonical external payload shape:
// {type, agent_id, timestamp (RFC3339Nano), correlation_id?, data, compliant?}.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type          EventType      `json:"type"`
		AgentID       string         `json:"agent_id"`
		Timestamp     string         `json:"timestamp"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		Data          map[string]any `json:"data"`
		Compliant     *bool          `json:"compliant,omitempty"`
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wire{
		Type:          e.Type,
		AgentID:       e.AgentID,
		Timestamp:     e.Timestamp.Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		Data:          data,
		Compliant:     e.Compliant,
	})
}

// Filter selects which events a subscription receives. Zero-value fields
// match everything; set fields are AND-ed together.
type Filter struct {
	Types         []EventType
	AgentID       string
	CorrelationID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *AgentEvent) bool {
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
