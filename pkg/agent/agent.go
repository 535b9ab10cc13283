// Package agent holds the per-agent record: identity, role, governed
// state, ordered message history, and metrics. The agent produces an
// event stream from an LLM completion; it never mutates shared state
// itself.
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// Status is the scheduling status flag. At most one cycle is in flight
// per agent; the manager moves the flag Idle→Queued→Processing→Idle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
)

// Agent is one LLM-backed participant. State and history are mutated
// only inside the agent's own cycle; the status flag is moved by the
// manager under its table lock via the Try*/End* methods.
type Agent struct {
	ID       string
	Role     statemachine.Role
	Name     string
	Model    string
	ParentID string // lineage for PM and Worker agents; empty for Admin and Guardian

	mu      sync.Mutex
	state   statemachine.State
	status  Status
	history []models.Message
	metrics models.AgentMetrics
}

// New creates an agent in its role's initial state.
func New(role statemachine.Role, name, model, parentID string) *Agent {
	return &Agent{
		ID:       uuid.NewString(),
		Role:     role,
		Name:     name,
		Model:    model,
		ParentID: parentID,
		state:    statemachine.Initial(role),
		status:   StatusIdle,
	}
}

// AgentID implements statemachine.Subject.
func (a *Agent) AgentID() string { return a.ID }

// AgentRole implements statemachine.Subject.
func (a *Agent) AgentRole() statemachine.Role { return a.Role }

// CurrentState returns the agent's governed state.
func (a *Agent) CurrentState() statemachine.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// TransitionTo sets the state. Callers go through statemachine.Machine,
// which validates the transition first.
func (a *Agent) TransitionTo(s statemachine.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Status returns the scheduling status flag.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// TryQueue flips Idle→Queued. Returns false if the agent is already
// queued or processing, which makes scheduleCycle idempotent.
func (a *Agent) TryQueue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusIdle {
		return false
	}
	a.status = StatusQueued
	return true
}

// BeginCycle flips Queued→Processing.
func (a *Agent) BeginCycle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusQueued {
		return false
	}
	a.status = StatusProcessing
	return true
}

// Unqueue rolls a Queued agent back to Idle without counting a cycle.
// Used when the schedule queue rejects the enqueue.
func (a *Agent) Unqueue() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusQueued {
		a.status = StatusIdle
	}
}

// EndCycle returns the agent to Idle and records cycle metrics.
func (a *Agent) EndCycle(wall time.Duration, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusIdle
	a.metrics.Cycles++
	if failed {
		a.metrics.Errors++
	}
	a.metrics.LastCycleWall = wall
	a.metrics.LastCycleAt = time.Now()
}

// Metrics returns a copy of the agent's counters.
func (a *Agent) Metrics() models.AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// AppendMessage appends one message to the history.
func (a *Agent) AppendMessage(msg models.Message) {
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
}

// History returns a copy of the message history.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.history))
	copy(out, a.history)
	return out
}

// HistoryLen returns the current history length.
func (a *Agent) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// Summarize replaces history[0:n] with a single synthetic system
// message carrying the summary. n is clamped so the replacement never
// touches messages appended after the caller measured the history.
func (a *Agent) Summarize(n int, summary string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.history) {
		return
	}
	msg := models.NewMessage(models.RoleSystem, "Summary of earlier conversation: "+summary)
	msg.Summary = true
	rest := make([]models.Message, 0, len(a.history)-n+1)
	rest = append(rest, msg)
	rest = append(rest, a.history[n:]...)
	a.history = rest
}
