package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/parser"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// fakeFramework records created agents and scheduled cycles.
type fakeFramework struct {
	created   []*agent.Agent
	scheduled []string
}

func (f *fakeFramework) CreateAgent(role statemachine.Role, name, parentID string, seed []models.Message) (*agent.Agent, error) {
	a := agent.New(role, name, "test-model", parentID)
	for _, msg := range seed {
		a.AppendMessage(msg)
	}
	f.created = append(f.created, a)
	return a, nil
}

func (f *fakeFramework) ScheduleCycle(agentID string) error {
	f.scheduled = append(f.scheduled, agentID)
	return nil
}

func newHarness() (*Manager, *fakeFramework, *statemachine.Machine) {
	fw := &fakeFramework{}
	machine := statemachine.New(nil)
	return New(fw, machine, nil), fw, machine
}

// adminInPlanning builds an Admin already moved to planning.
func adminInPlanning(t *testing.T, machine *statemachine.Machine) *agent.Agent {
	t.Helper()
	admin := agent.New(statemachine.RoleAdmin, "admin", "m", "")
	require.NoError(t, machine.Apply(admin, statemachine.StateConversation))
	require.NoError(t, machine.Apply(admin, statemachine.StatePlanning))
	return admin
}

func TestPlanSpawnsPM(t *testing.T) {
	m, fw, machine := newHarness()
	admin := adminInPlanning(t, machine)

	err := m.Handle(admin, parser.PlanSignal{Body: "build the pipeline"})
	require.NoError(t, err)

	require.Len(t, fw.created, 1)
	pm := fw.created[0]
	assert.Equal(t, statemachine.RolePM, pm.Role)
	assert.Equal(t, admin.ID, pm.ParentID)
	// The PM is seeded with the plan and scheduled for its first cycle.
	require.Equal(t, 1, pm.HistoryLen())
	assert.Equal(t, "build the pipeline", pm.History()[0].Content)
	assert.Equal(t, []string{pm.ID}, fw.scheduled)
	// The admin returns to conversation to keep talking to the user.
	assert.Equal(t, statemachine.StateConversation, admin.CurrentState())
}

func TestPlanRejectedOutsidePlanning(t *testing.T) {
	m, fw, _ := newHarness()
	admin := agent.New(statemachine.RoleAdmin, "admin", "m", "")

	err := m.Handle(admin, parser.PlanSignal{Body: "too early"})
	assert.ErrorIs(t, err, ErrIllegalTrigger)
	assert.Empty(t, fw.created)
}

func TestPlanRejectedForNonAdmin(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "")

	err := m.Handle(pm, parser.PlanSignal{Body: "nope"})
	assert.ErrorIs(t, err, ErrIllegalTrigger)
}

func TestTaskListMovesPMToBuildTeam(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")

	err := m.Handle(pm, parser.TaskListSignal{Tasks: []parser.TaskDecl{
		{ID: "T1", Role: "ingester", Description: "ingest the feed", Priority: 1},
		{Role: "classifier", Description: "classify entries", Priority: 2},
	}})
	require.NoError(t, err)

	assert.Equal(t, statemachine.StateBuildTeamTasks, pm.CurrentState())
	tasks := m.Tasks(pm.ID)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "T2", tasks[1].ID, "missing ids are auto-assigned")
	assert.Equal(t, models.TaskPending, tasks[0].Status)
}

func TestTaskListRejectedOutsideStartup(t *testing.T) {
	m, _, machine := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "")
	require.NoError(t, machine.Apply(pm, statemachine.StateBuildTeamTasks))

	err := m.Handle(pm, parser.TaskListSignal{Tasks: []parser.TaskDecl{{Role: "x", Description: "d"}}})
	assert.ErrorIs(t, err, ErrIllegalTrigger)
}

// buildTeam walks a PM through task list declaration.
func buildTeam(t *testing.T, m *Manager, pm *agent.Agent) {
	t.Helper()
	require.NoError(t, m.Handle(pm, parser.TaskListSignal{Tasks: []parser.TaskDecl{
		{ID: "T1", Role: "ingester", Description: "ingest", Priority: 1},
		{ID: "T2", Role: "classifier", Description: "classify", Priority: 2},
		{ID: "T3", Role: "classifier", Description: "re-check", Priority: 3},
	}}))
}

func TestWorkerCoverageActivatesTeam(t *testing.T) {
	m, fw, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")
	buildTeam(t, m, pm)

	require.NoError(t, m.Handle(pm, parser.CreateWorkerSignal{Role: "ingester", Skills: []string{"rss"}}))
	assert.Equal(t, statemachine.StateBuildTeamTasks, pm.CurrentState(),
		"one of two roles covered; activation must wait")

	require.NoError(t, m.Handle(pm, parser.CreateWorkerSignal{Role: "classifier", Name: "clf"}))
	assert.Equal(t, statemachine.StateActivateWorkers, pm.CurrentState())

	require.Len(t, fw.created, 2)
	workers := m.Workers(pm.ID)
	assert.Len(t, workers, 2)

	// Both classifier tasks point at the same worker.
	tasks := m.Tasks(pm.ID)
	assert.Equal(t, workers["ingester"], tasks[0].WorkerID)
	assert.Equal(t, workers["classifier"], tasks[1].WorkerID)
	assert.Equal(t, workers["classifier"], tasks[2].WorkerID)

	// The PM's history carries the worker ids it must address.
	var sawCoverage bool
	for _, msg := range pm.History() {
		if msg.Role == models.RoleSystem && msg.Content == "All worker roles are covered. Assign every task to its worker with send_message." {
			sawCoverage = true
		}
	}
	assert.True(t, sawCoverage)
}

func TestCreateWorkerRejectedOutsideBuildTeam(t *testing.T) {
	m, fw, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "")

	err := m.Handle(pm, parser.CreateWorkerSignal{Role: "ingester"})
	assert.ErrorIs(t, err, ErrIllegalTrigger)
	assert.Empty(t, fw.created)
}

func TestNoteAssignmentMovesPMToManage(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")
	buildTeam(t, m, pm)
	require.NoError(t, m.Handle(pm, parser.CreateWorkerSignal{Role: "ingester"}))
	require.NoError(t, m.Handle(pm, parser.CreateWorkerSignal{Role: "classifier"}))
	workers := m.Workers(pm.ID)

	m.NoteAssignment(pm, workers["ingester"])
	assert.Equal(t, statemachine.StateActivateWorkers, pm.CurrentState(),
		"classifier tasks still pending")

	m.NoteAssignment(pm, workers["classifier"])
	assert.Equal(t, statemachine.StateManage, pm.CurrentState())

	for _, task := range m.Tasks(pm.ID) {
		assert.Equal(t, models.TaskAssigned, task.Status)
	}
}

func TestNoteAssignmentIgnoredOutsideActivation(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")
	buildTeam(t, m, pm)

	m.NoteAssignment(pm, "w-unknown")
	assert.Equal(t, statemachine.StateBuildTeamTasks, pm.CurrentState())
}

func TestMarkTask(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")
	buildTeam(t, m, pm)

	require.NoError(t, m.MarkTask(pm.ID, "T1", models.TaskCompleted))
	assert.Equal(t, models.TaskCompleted, m.Tasks(pm.ID)[0].Status)

	assert.Error(t, m.MarkTask(pm.ID, "T99", models.TaskCompleted))
	assert.Error(t, m.MarkTask("ghost-pm", "T1", models.TaskCompleted))
}

func TestForgetDropsTeam(t *testing.T) {
	m, _, _ := newHarness()
	pm := agent.New(statemachine.RolePM, "pm", "m", "admin-1")
	buildTeam(t, m, pm)

	m.Forget(pm.ID)
	assert.Nil(t, m.Tasks(pm.ID))
	assert.Nil(t, m.Workers(pm.ID))
}
