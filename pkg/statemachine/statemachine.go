// Package statemachine defines the per-role agent states and the
// authoritative table of legal transitions. All state changes in the
// core go through Machine.Apply so that every StateChange event on the
// bus corresponds to a transition this table allows.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role identifies an agent's position in the hierarchy.
type Role string

const (
	RoleAdmin    Role = "admin"
	RolePM       Role = "pm"
	RoleWorker   Role = "worker"
	RoleGuardian Role = "guardian"
)

// State is an agent lifecycle state. Each role has its own legal subset.
type State string

const (
	// Admin states
	StateIdle         State = "idle"
	StateConversation State = "conversation"
	StatePlanning     State = "planning"

	// PM states
	StateStartup         State = "startup"
	StateBuildTeamTasks  State = "build_team_tasks"
	StateActivateWorkers State = "activate_workers"
	StateManage          State = "manage"
	StateStandby         State = "standby"

	// Worker states
	StateWork State = "work"
	StateWait State = "wait"

	// Guardian states
	StateMonitoring  State = "monitoring"
	StateReviewing   State = "reviewing"
	StateRemediating State = "remediating"

	// Shared states
	StateAwaitingReview State = "awaiting_review"
	StateError          State = "error"
)

// ErrInvalidTransition is returned by Apply when the requested transition
// is not in the table for the subject's role.
var ErrInvalidTransition = errors.New("invalid state transition")

// legalStates is the full state set per role.
var legalStates = map[Role][]State{
	RoleAdmin:    {StateIdle, StateConversation, StatePlanning, StateAwaitingReview, StateError},
	RolePM:       {StateStartup, StateBuildTeamTasks, StateActivateWorkers, StateManage, StateStandby, StateAwaitingReview, StateError},
	RoleWorker:   {StateWork, StateWait, StateAwaitingReview, StateError},
	RoleGuardian: {StateMonitoring, StateReviewing, StateRemediating},
}

// transitions enumerates the explicit edges. Two implicit rules apply on
// top for Admin/PM/Worker: any→awaiting_review (Guardian concern) and
// any→error (fatal). The Guardian never pauses or errors itself.
var transitions = map[Role]map[State][]State{
	RoleAdmin: {
		StateIdle:           {StateConversation},
		StateConversation:   {StateIdle, StatePlanning},
		StatePlanning:       {StateConversation},
		StateAwaitingReview: {StateConversation},
		StateError:          {StateIdle},
	},
	RolePM: {
		StateStartup:         {StateBuildTeamTasks},
		StateBuildTeamTasks:  {StateActivateWorkers},
		StateActivateWorkers: {StateManage},
		StateManage:          {StateStandby, StateBuildTeamTasks},
		StateStandby:         {StateManage},
		StateAwaitingReview:  {StateManage},
		StateError:           {StateStartup},
	},
	RoleWorker: {
		StateWork:           {StateWait},
		StateWait:           {StateWork},
		StateAwaitingReview: {StateWait},
		StateError:          {StateWait},
	},
	RoleGuardian: {
		StateMonitoring:  {StateReviewing},
		StateReviewing:   {StateMonitoring, StateRemediating},
		StateRemediating: {StateMonitoring},
	},
}

// Initial returns the state a freshly created agent of the given role starts in.
func Initial(role Role) State {
	switch role {
	case RoleAdmin:
		return StateIdle
	case RolePM:
		return StateStartup
	case RoleWorker:
		return StateWait
	case RoleGuardian:
		return StateMonitoring
	default:
		return StateError
	}
}

// Legal reports whether the state is in the role's legal set.
func Legal(role Role, s State) bool {
	for _, st := range legalStates[role] {
		if st == s {
			return true
		}
	}
	return false
}

// LegalStates returns the full legal state set for a role.
func LegalStates(role Role) []State {
	out := make([]State, len(legalStates[role]))
	copy(out, legalStates[role])
	return out
}

// CanTransition reports whether from→to is allowed for the role.
func CanTransition(role Role, from, to State) bool {
	if !Legal(role, from) || !Legal(role, to) {
		return false
	}
	if from == to {
		return false
	}
	// Implicit edges: any→error and any→awaiting_review, except for the
	// Guardian, whose review loop never leaves its three states.
	if role != RoleGuardian && (to == StateError || to == StateAwaitingReview) {
		return true
	}
	for _, next := range transitions[role][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subject is the minimal view of an agent the machine needs to apply a
// transition. Implemented by agent.Agent.
type Subject interface {
	AgentID() string
	AgentRole() Role
	CurrentState() State
	TransitionTo(State)
}

// StateChange describes an applied transition, delivered to the emitter.
type StateChange struct {
	AgentID   string
	Role      Role
	From      State
	To        State
	Timestamp time.Time
}

// Machine validates and applies transitions, emitting a StateChange for
// each successful one. The emitter is typically wired to the event bus.
type Machine struct {
	mu   sync.Mutex
	emit func(StateChange)
}

// New creates a Machine. emit may be nil (no events are published).
func New(emit func(StateChange)) *Machine {
	return &Machine{emit: emit}
}

// Apply transitions the subject to the target state. The read-validate-write
// sequence runs under the machine mutex so two concurrent Apply calls for the
// same subject cannot both validate against a stale state. Per-agent cycle
// exclusivity makes contention rare; the lock covers manager-initiated
// transitions (pause, reset) racing a cycle.
func (m *Machine) Apply(s Subject, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := s.CurrentState()
	role := s.AgentRole()
	if !CanTransition(role, from, to) {
		return fmt.Errorf("%w: %s→%s is not allowed for role %s", ErrInvalidTransition, from, to, role)
	}

	s.TransitionTo(to)

	if m.emit != nil {
		m.emit(StateChange{
			AgentID:   s.AgentID(),
			Role:      role,
			From:      from,
			To:        to,
			Timestamp: time.Now(),
		})
	}
	return nil
}
