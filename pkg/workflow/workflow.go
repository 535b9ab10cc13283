// Package workflow converts detected output triggers into framework
// actions: an Admin plan spawns a PM, a PM task list becomes TaskSpecs,
// create_worker declarations become Worker agents, and assignment
// progress drives the PM through its activation states.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/parser"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// ErrIllegalTrigger is returned when a trigger is observed in a state
// that does not allow it. The cycle appends the wrapped message to the
// agent's history; no framework action occurs.
var ErrIllegalTrigger = errors.New("trigger not allowed in current state")

// Framework is the manager capability the workflow uses to create and
// schedule agents. Kept narrow so the dependency points one way.
type Framework interface {
	CreateAgent(role statemachine.Role, name, parentID string, seed []models.Message) (*agent.Agent, error)
	ScheduleCycle(agentID string) error
}

// team tracks one PM's task list and workers.
type team struct {
	tasks   []models.TaskSpec
	workers map[string]string // role → worker agent id
}

// Manager pattern-matches triggers and performs the multi-agent actions.
type Manager struct {
	framework Framework
	machine   *statemachine.Machine
	events    *bus.Bus
	logger    *slog.Logger

	mu    sync.Mutex
	teams map[string]*team // PM agent id → team
}

// New creates a workflow manager.
func New(framework Framework, machine *statemachine.Machine, events *bus.Bus) *Manager {
	return &Manager{
		framework: framework,
		machine:   machine,
		events:    events,
		logger:    slog.With("component", "workflow"),
		teams:     make(map[string]*team),
	}
}

// Handle dispatches one workflow trigger for the emitting agent.
func (m *Manager) Handle(a *agent.Agent, sig parser.Signal) error {
	switch s := sig.(type) {
	case parser.PlanSignal:
		return m.handlePlan(a, s)
	case parser.TaskListSignal:
		return m.handleTaskList(a, s)
	case parser.CreateWorkerSignal:
		return m.handleCreateWorker(a, s)
	default:
		return fmt.Errorf("unrecognized workflow trigger %T", sig)
	}
}

// handlePlan spawns a PM seeded with the plan body.
func (m *Manager) handlePlan(a *agent.Agent, sig parser.PlanSignal) error {
	if a.Role != statemachine.RoleAdmin || a.CurrentState() != statemachine.StatePlanning {
		return fmt.Errorf("%w: <plan> requires an admin in planning, got %s in %s",
			ErrIllegalTrigger, a.Role, a.CurrentState())
	}

	seed := []models.Message{models.NewMessage(models.RoleUser, sig.Body)}
	pm, err := m.framework.CreateAgent(statemachine.RolePM, "pm", a.ID, seed)
	if err != nil {
		return fmt.Errorf("spawn pm: %w", err)
	}

	m.mu.Lock()
	m.teams[pm.ID] = &team{workers: make(map[string]string)}
	m.mu.Unlock()

	m.emit(bus.EventPlanCreated, a.ID, map[string]any{
		"pm_id": pm.ID,
		"plan":  sig.Body,
	})
	m.logger.Info("Plan spawned a project manager", "admin_id", a.ID, "pm_id", pm.ID)

	if err := m.machine.Apply(a, statemachine.StateConversation); err != nil {
		return fmt.Errorf("admin back to conversation: %w", err)
	}
	return m.framework.ScheduleCycle(pm.ID)
}

// handleTaskList records the PM's tasks and moves it to team building.
func (m *Manager) handleTaskList(a *agent.Agent, sig parser.TaskListSignal) error {
	if a.Role != statemachine.RolePM || a.CurrentState() != statemachine.StateStartup {
		return fmt.Errorf("%w: <task_list> requires a pm in startup, got %s in %s",
			ErrIllegalTrigger, a.Role, a.CurrentState())
	}

	tasks := make([]models.TaskSpec, 0, len(sig.Tasks))
	for i, decl := range sig.Tasks {
		id := decl.ID
		if id == "" {
			id = fmt.Sprintf("T%d", i+1)
		}
		tasks = append(tasks, models.TaskSpec{
			ID:          id,
			Description: decl.Description,
			Role:        decl.Role,
			Status:      models.TaskPending,
			Priority:    decl.Priority,
		})
	}

	m.mu.Lock()
	t, ok := m.teams[a.ID]
	if !ok {
		t = &team{workers: make(map[string]string)}
		m.teams[a.ID] = t
	}
	t.tasks = tasks
	m.mu.Unlock()

	m.emit(bus.EventTaskListCreated, a.ID, map[string]any{
		"tasks": tasks,
	})
	m.logger.Info("Task list created", "pm_id", a.ID, "tasks", len(tasks))

	return m.machine.Apply(a, statemachine.StateBuildTeamTasks)
}

// handleCreateWorker spawns one worker and, when every distinct role in
// the task list is covered, advances the PM to activation.
func (m *Manager) handleCreateWorker(a *agent.Agent, sig parser.CreateWorkerSignal) error {
	if a.Role != statemachine.RolePM || a.CurrentState() != statemachine.StateBuildTeamTasks {
		return fmt.Errorf("%w: <create_worker> requires a pm in build_team_tasks, got %s in %s",
			ErrIllegalTrigger, a.Role, a.CurrentState())
	}

	name := sig.Name
	if name == "" {
		name = sig.Role
	}
	worker, err := m.framework.CreateAgent(statemachine.RoleWorker, name, a.ID, nil)
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	m.mu.Lock()
	t, ok := m.teams[a.ID]
	if !ok {
		t = &team{workers: make(map[string]string)}
		m.teams[a.ID] = t
	}
	t.workers[sig.Role] = worker.ID
	for i := range t.tasks {
		if t.tasks[i].Role == sig.Role && t.tasks[i].WorkerID == "" {
			t.tasks[i].WorkerID = worker.ID
		}
	}
	covered := len(t.workers) >= t.distinctRolesLocked()
	m.mu.Unlock()

	a.AppendMessage(models.NewMessage(models.RoleSystem, fmt.Sprintf(
		"Worker created: id=%s role=%s skills=%s. Address it by id with send_message.",
		worker.ID, sig.Role, strings.Join(sig.Skills, ","))))

	m.emit(bus.EventWorkerCreated, a.ID, map[string]any{
		"worker_id": worker.ID,
		"role":      sig.Role,
		"skills":    sig.Skills,
	})
	m.logger.Info("Worker created", "pm_id", a.ID, "worker_id", worker.ID, "role", sig.Role)

	if covered {
		if err := m.machine.Apply(a, statemachine.StateActivateWorkers); err != nil {
			return fmt.Errorf("pm to activate_workers: %w", err)
		}
		a.AppendMessage(models.NewMessage(models.RoleSystem,
			"All worker roles are covered. Assign every task to its worker with send_message."))
	}
	return nil
}

// distinctRolesLocked counts distinct roles in the task list. Caller
// holds m.mu.
func (t *team) distinctRolesLocked() int {
	roles := make(map[string]bool)
	for _, task := range t.tasks {
		roles[task.Role] = true
	}
	if len(roles) == 0 {
		return 1 // no task list yet; never trivially covered
	}
	return len(roles)
}

// NoteAssignment records that the PM delivered a message to one of its
// workers. During activation each delivery marks that worker's tasks
// Assigned; once every task is assigned the PM moves to Manage.
func (m *Manager) NoteAssignment(pm *agent.Agent, workerID string) {
	if pm.CurrentState() != statemachine.StateActivateWorkers {
		return
	}

	m.mu.Lock()
	t, ok := m.teams[pm.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	allAssigned := true
	for i := range t.tasks {
		if t.tasks[i].WorkerID == workerID && t.tasks[i].Status == models.TaskPending {
			t.tasks[i].Status = models.TaskAssigned
		}
		if t.tasks[i].Status == models.TaskPending {
			allAssigned = false
		}
	}
	m.mu.Unlock()

	if allAssigned {
		if err := m.machine.Apply(pm, statemachine.StateManage); err != nil {
			m.logger.Warn("PM activation transition failed", "pm_id", pm.ID, "error", err)
			return
		}
		pm.AppendMessage(models.NewMessage(models.RoleSystem,
			"All tasks assigned. Monitor progress and follow up with your workers."))
	}
}

// MarkTask updates one task's status, typically from a PM's update_task
// tool call after a worker report.
func (m *Manager) MarkTask(pmID, taskID string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[pmID]
	if !ok {
		return fmt.Errorf("no team for pm %s", pmID)
	}
	for i := range t.tasks {
		if t.tasks[i].ID == taskID {
			t.tasks[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("no task %s for pm %s", taskID, pmID)
}

// Tasks returns a copy of the PM's task list.
func (m *Manager) Tasks(pmID string) []models.TaskSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[pmID]
	if !ok {
		return nil
	}
	out := make([]models.TaskSpec, len(t.tasks))
	copy(out, t.tasks)
	return out
}

// Workers returns the PM's role→worker-id table.
func (m *Manager) Workers(pmID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[pmID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(t.workers))
	for role, id := range t.workers {
		out[role] = id
	}
	return out
}

// Forget drops the team record for a deleted PM.
func (m *Manager) Forget(pmID string) {
	m.mu.Lock()
	delete(m.teams, pmID)
	m.mu.Unlock()
}

func (m *Manager) emit(t bus.EventType, agentID string, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(bus.AgentEvent{Type: t, AgentID: agentID, Data: data})
}
