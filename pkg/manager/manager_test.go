package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
	"github.com/cortexhub/cortex/pkg/store"
)

func newManager(t *testing.T, st store.Store, responses ...llm.ScriptedResponse) (*Manager, *llm.ScriptedProvider) {
	t.Helper()
	provider := llm.NewScriptedProvider(responses...)
	m, err := New(provider, st, Config{
		WorkerPoolSize: 1,
		QueueSize:      32,
		DefaultModel:   "test-model",
		PMTickInterval: time.Hour, // keep the ticker out of the way
	})
	require.NoError(t, err)
	return m, provider
}

func TestNewCreatesAdminAndGuardian(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	admin := m.Admin()
	require.NotNil(t, admin)
	assert.Equal(t, statemachine.RoleAdmin, admin.Role)
	assert.Equal(t, statemachine.StateIdle, admin.CurrentState())

	var guardianCount int
	for _, a := range m.Agents() {
		if a.Role == statemachine.RoleGuardian {
			guardianCount++
		}
	}
	assert.Equal(t, 1, guardianCount)
}

func TestBuiltinToolsRegistered(t *testing.T) {
	m, _ := newManager(t, store.NewMemory())
	defer m.Stop(context.Background())

	names := m.registry.Names()
	assert.ElementsMatch(t, []string{"send_message", "current_time", "update_task", "search"}, names)
}

func TestSearchToolNeedsAStore(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	_, ok := m.registry.Get("search")
	assert.False(t, ok)
}

func TestUserMessageResolvesFuture(t *testing.T) {
	m, _ := newManager(t, nil, llm.ScriptedResponse{Text: "Hello, what do you need?"})
	m.Start()
	defer m.Stop(context.Background())

	future, err := m.HandleUserMessage("hi there")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, what do you need?", text)

	admin := m.Admin()
	assert.Equal(t, statemachine.StateConversation, admin.CurrentState())
	hist := admin.History()
	assert.Equal(t, "hi there", hist[0].Content)
	assert.Equal(t, "Hello, what do you need?", hist[len(hist)-1].Content)
}

func TestPlanSpawnsTeam(t *testing.T) {
	m, _ := newManager(t, nil,
		// Admin: move to planning and hand over a plan.
		llm.ScriptedResponse{Text: `Setting up a team.<change_state to="planning"/><plan>collect and classify the feeds</plan>`},
		// PM startup: declare the task list.
		llm.ScriptedResponse{Text: `<task_list><task id="T1" role="builder" description="collect the feeds" priority="1"/></task_list>`},
		// PM build team: create the worker.
		llm.ScriptedResponse{Text: `<create_worker role="builder" skills="rss"/>`},
	)
	m.Start()
	defer m.Stop(context.Background())

	future, err := m.HandleUserMessage("set up the feed pipeline")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Setting up a team.", text)

	// The chain continues in the background: PM spawned, then its worker.
	var pmID string
	require.Eventually(t, func() bool {
		for _, a := range m.Agents() {
			if a.Role == statemachine.RolePM {
				pmID = a.ID
			}
		}
		for _, a := range m.Agents() {
			if a.Role == statemachine.RoleWorker {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	tasks := m.Tasks(pmID)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.NotEmpty(t, tasks[0].WorkerID)

	// The bus history recorded the workflow milestones.
	var sawPlan, sawTaskList, sawWorker bool
	for _, ev := range m.Events().History(0) {
		switch ev.Type {
		case bus.EventPlanCreated:
			sawPlan = true
		case bus.EventTaskListCreated:
			sawTaskList = true
		case bus.EventWorkerCreated:
			sawWorker = true
		}
	}
	assert.True(t, sawPlan)
	assert.True(t, sawTaskList)
	assert.True(t, sawWorker)
}

func TestScheduleIsIdempotentWhileQueued(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())
	// Workers not started: items stay queued.

	admin := m.Admin()
	require.NoError(t, m.ScheduleCycle(admin.ID))
	require.NoError(t, m.ScheduleCycle(admin.ID))
	require.NoError(t, m.ScheduleCycle(admin.ID))

	assert.Equal(t, 1, m.HealthSnapshot().QueueDepth)
	assert.Equal(t, agent.StatusQueued, admin.Status())
}

func TestScheduleUnknownAgent(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	err := m.ScheduleCycle("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestQueueFullRollsBackStatus(t *testing.T) {
	provider := llm.NewScriptedProvider()
	m, err := New(provider, nil, Config{WorkerPoolSize: 1, QueueSize: 1, DefaultModel: "m", PMTickInterval: time.Hour})
	require.NoError(t, err)
	defer m.Stop(context.Background())

	a1, err := m.CreateAgent(statemachine.RoleWorker, "w1", "", nil)
	require.NoError(t, err)
	a2, err := m.CreateAgent(statemachine.RoleWorker, "w2", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.ScheduleCycle(a1.ID))
	err = m.ScheduleCycle(a2.ID)
	assert.ErrorIs(t, err, ErrQueueFull)
	// The rejected agent can be scheduled again later.
	assert.Equal(t, agent.StatusIdle, a2.Status())
}

func TestDeletePMOrphansWorkers(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	pm, err := m.CreateAgent(statemachine.RolePM, "pm", "", nil)
	require.NoError(t, err)
	worker, err := m.CreateAgent(statemachine.RoleWorker, "w", pm.ID, nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAgent(pm.ID))

	_, err = m.Agent(pm.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, statemachine.StateError, worker.CurrentState())

	// Scheduling an errored agent is a no-op until reset.
	require.NoError(t, m.ScheduleCycle(worker.ID))
	assert.Equal(t, agent.StatusIdle, worker.Status())
	assert.Equal(t, statemachine.StateError, worker.CurrentState())

	require.NoError(t, m.ResetAgent(worker.ID))
	assert.Equal(t, statemachine.StateWait, worker.CurrentState())
	assert.NoError(t, m.ScheduleCycle(worker.ID))
}

func TestResetIsNoopAtTarget(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	admin := m.Admin()
	require.Equal(t, statemachine.StateIdle, admin.CurrentState())
	assert.NoError(t, m.ResetAgent(admin.ID))
	assert.Equal(t, statemachine.StateIdle, admin.CurrentState())
}

func TestDeliverMessageWakesWaitingWorker(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	pm, err := m.CreateAgent(statemachine.RolePM, "pm", "", nil)
	require.NoError(t, err)
	worker, err := m.CreateAgent(statemachine.RoleWorker, "w", pm.ID, nil)
	require.NoError(t, err)
	require.Equal(t, statemachine.StateWait, worker.CurrentState())

	require.NoError(t, m.DeliverMessage(pm.ID, worker.ID, "take task T1"))

	assert.Equal(t, statemachine.StateWork, worker.CurrentState())
	hist := worker.History()
	require.Len(t, hist, 1)
	assert.Equal(t, models.RoleUser, hist[0].Role)
	assert.Equal(t, "[From @pm]: take task T1", hist[0].Content)
	assert.Equal(t, agent.StatusQueued, worker.Status())
}

func TestDeliverMessageUnknownTarget(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	err := m.DeliverMessage(m.Admin().ID, "ghost", "hello?")
	assert.ErrorContains(t, err, "target")
}

func TestStopRejectsNewWork(t *testing.T) {
	m, _ := newManager(t, nil)
	m.Start()
	m.Stop(context.Background())

	_, err := m.HandleUserMessage("anyone home?")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, m.ScheduleCycle(m.Admin().ID), ErrShuttingDown)
}

func TestSessionSnapshotRestore(t *testing.T) {
	st := store.NewMemory()

	m1, _ := newManager(t, st)
	pm, err := m1.CreateAgent(statemachine.RolePM, "pm", m1.Admin().ID, nil)
	require.NoError(t, err)
	pm.AppendMessage(models.NewMessage(models.RoleUser, "the plan"))
	adminID := m1.Admin().ID
	m1.Admin().AppendMessage(models.NewMessage(models.RoleUser, "remembered"))
	m1.Stop(context.Background())

	m2, _ := newManager(t, st)
	defer m2.Stop(context.Background())

	// The admin identity and history survive the restart.
	assert.Equal(t, adminID, m2.Admin().ID)
	require.Equal(t, 1, m2.Admin().HistoryLen())
	assert.Equal(t, "remembered", m2.Admin().History()[0].Content)

	restored, err := m2.Agent(pm.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.RolePM, restored.Role)
	assert.Equal(t, "the plan", restored.History()[0].Content)

	// Exactly one Guardian regardless of restore.
	var guardians int
	for _, a := range m2.Agents() {
		if a.Role == statemachine.RoleGuardian {
			guardians++
		}
	}
	assert.Equal(t, 1, guardians)
}

func TestHealthSnapshot(t *testing.T) {
	m, _ := newManager(t, nil)
	defer m.Stop(context.Background())

	h := m.HealthSnapshot()
	assert.Equal(t, 0, h.QueueDepth)
	assert.Equal(t, 32, h.QueueCap)
	assert.Equal(t, 1, h.Workers)
	assert.Equal(t, 2, h.Agents[string(agent.StatusIdle)], "admin and guardian start idle")
}
