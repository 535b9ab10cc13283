// Package manager is the orchestration root: it owns the agent table,
// the bounded schedule queue and its worker pool, and the wiring of the
// bus, collector, state machine, tools, workflow, Guardian, and cycle
// handler. One Manager serves one hub session.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/collector"
	"github.com/cortexhub/cortex/pkg/cycle"
	"github.com/cortexhub/cortex/pkg/guardian"
	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
	"github.com/cortexhub/cortex/pkg/store"
	"github.com/cortexhub/cortex/pkg/tools"
	"github.com/cortexhub/cortex/pkg/workflow"
)

var (
	// ErrAgentNotFound is returned for lookups of unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrShuttingDown rejects new work once Stop has begun.
	ErrShuttingDown = errors.New("manager is shutting down")
	// ErrQueueFull rejects schedules when the bounded queue is at capacity.
	ErrQueueFull = errors.New("schedule queue is full")
)

// Config tunes the manager. Zero values take the documented defaults.
type Config struct {
	WorkerPoolSize  int           // default runtime.NumCPU()
	QueueSize       int           // default 128
	RingSize        int           // event history ring, default 1000
	CycleDeadline   time.Duration // default 5m
	ResponseTimeout time.Duration // collector default, 30s
	SummarizeAfter  int           // token ceiling, default 6000
	PMTickInterval  time.Duration // default 60s
	ToolTimeout     time.Duration // default 30s
	MaxLLMAttempts  int           // default 3
	DefaultModel    string
	GuardianModel   string // empty disables the nuance check
	FallbackModels  []string
	SessionID       string // enables session snapshot save/restore when a store is set
}

func (c *Config) applyDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RingSize <= 0 {
		c.RingSize = bus.DefaultRingSize
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = 5 * time.Minute
	}
	if c.PMTickInterval <= 0 {
		c.PMTickInterval = 60 * time.Second
	}
	if c.SessionID == "" {
		c.SessionID = "default"
	}
}

// workItem is one queued cycle. correlationID is non-empty only for
// user-initiated cycles with a waiting future.
type workItem struct {
	agentID       string
	correlationID string
}

// Manager owns the agent table and the scheduling loop.
type Manager struct {
	cfg       Config
	events    *bus.Bus
	collector *collector.Collector
	machine   *statemachine.Machine
	registry  *tools.Registry
	executor  *tools.Executor
	workflow  *workflow.Manager
	guardian  *guardian.Guardian
	handler   *cycle.Handler
	provider  llm.Provider
	store     store.Store // nil in volatile mode

	mu      sync.Mutex
	agents  map[string]*agent.Agent
	adminID string
	closed  bool

	queue    chan workItem
	rootCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	storeSub *bus.Subscription
	logger   *slog.Logger
}

// New wires a manager and all core components. st may be nil for
// volatile mode.
func New(provider llm.Provider, st store.Store, cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	if provider == nil {
		return nil, errors.New("manager requires an llm provider")
	}

	events := bus.New(bus.WithRingSize(cfg.RingSize))
	machine := statemachine.New(func(change statemachine.StateChange) {
		events.Emit(bus.AgentEvent{
			Type:      bus.EventStateChange,
			AgentID:   change.AgentID,
			Timestamp: change.Timestamp,
			Data: map[string]any{
				"role": string(change.Role),
				"from": string(change.From),
				"to":   string(change.To),
			},
		})
	})

	coll := collector.New(cfg.ResponseTimeout)
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, events, cfg.ToolTimeout)

	rootCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		events:    events,
		collector: coll,
		machine:   machine,
		registry:  registry,
		executor:  executor,
		provider:  provider,
		store:     st,
		agents:    make(map[string]*agent.Agent),
		queue:     make(chan workItem, cfg.QueueSize),
		rootCtx:   rootCtx,
		cancel:    cancel,
		logger:    slog.With("component", "manager"),
	}

	m.workflow = workflow.New(m, machine, events)

	guardianAgent := agent.New(statemachine.RoleGuardian, "guardian", cfg.GuardianModel, "")
	m.agents[guardianAgent.ID] = guardianAgent
	var nuance llm.Provider
	if cfg.GuardianModel != "" {
		nuance = provider
	}
	m.guardian = guardian.New(machine, guardianAgent, nuance, cfg.GuardianModel)

	m.handler = cycle.New(provider, registry, executor, machine, events, coll, m.workflow, m.guardian, cycle.Config{
		Deadline:           cfg.CycleDeadline,
		MaxAttempts:        cfg.MaxLLMAttempts,
		FallbackModels:     cfg.FallbackModels,
		SummarizeThreshold: cfg.SummarizeAfter,
		SummaryModel:       cfg.DefaultModel,
		ToolTimeout:        cfg.ToolTimeout,
	})

	if err := m.registerBuiltinTools(); err != nil {
		cancel()
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	admin := agent.New(statemachine.RoleAdmin, "admin", cfg.DefaultModel, "")
	m.agents[admin.ID] = admin
	m.adminID = admin.ID

	if st != nil {
		m.storeSub = events.SubscribeAll(func(ev *bus.AgentEvent) {
			if err := st.SaveEvent(context.Background(), *ev); err != nil {
				slog.Warn("Event persistence failed", "type", string(ev.Type), "error", err)
			}
		})
		m.restoreSession()
	}
	return m, nil
}

// registerBuiltinTools installs send_message, search, current_time, and
// the PM's update_task.
func (m *Manager) registerBuiltinTools() error {
	builtins := []tools.Tool{
		tools.NewSendMessageTool(m),
		tools.NewCurrentTimeTool(),
		newUpdateTaskTool(m.workflow),
	}
	if m.store != nil {
		builtins = append(builtins, tools.NewSearchTool(m.store, 10))
	}
	for _, t := range builtins {
		if err := m.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the worker pool and the PM ticker.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.WorkerPoolSize; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.pmTicker()
	m.logger.Info("Manager started",
		"workers", m.cfg.WorkerPoolSize,
		"queue_size", m.cfg.QueueSize,
		"admin_id", m.adminID)
}

// worker consumes the schedule queue. One cycle at a time per worker;
// per-agent exclusivity comes from the status flag.
func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case item, ok := <-m.queue:
			if !ok {
				return
			}
			m.runItem(item)
		}
	}
}

func (m *Manager) runItem(item workItem) {
	a, err := m.Agent(item.agentID)
	if err != nil {
		m.logger.Warn("Queued agent vanished", "agent_id", item.agentID)
		return
	}
	if !a.BeginCycle() {
		return
	}

	report := m.handler.RunCycle(m.rootCtx, a, item.correlationID)

	switch report.Outcome {
	case cycle.OutcomeReschedule:
		// Same correlation: the caller's future spans the whole chain
		// until a terminal response exists.
		if err := m.schedule(a.ID, item.correlationID); err != nil {
			m.logger.Warn("Reschedule failed", "agent_id", a.ID, "error", err)
			m.collector.Fail(item.correlationID, err)
		}
	case cycle.OutcomeFailed:
		m.logger.Warn("Agent cycle failed", "agent_id", a.ID, "errors", report.ErrorCount)
	}
}

// HandleUserMessage is the ingress: the text is appended to the Admin's
// history and the returned future resolves with the terminal response.
func (m *Manager) HandleUserMessage(text string) (*collector.Future, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	admin := m.agents[m.adminID]
	m.mu.Unlock()

	msg := models.NewMessage(models.RoleUser, text)
	admin.AppendMessage(msg)
	m.persistMessage(admin.ID, msg)

	if admin.CurrentState() == statemachine.StateIdle {
		if err := m.machine.Apply(admin, statemachine.StateConversation); err != nil {
			return nil, fmt.Errorf("admin wake: %w", err)
		}
	}

	correlationID := uuid.NewString()
	future := m.collector.Begin(correlationID, 0)
	if err := m.ScheduleCycleWithCorrelation(admin.ID, correlationID); err != nil {
		m.collector.Cancel(correlationID)
		return nil, err
	}
	return future, nil
}

// ScheduleCycle enqueues a cycle for the agent. Idempotent while the
// agent is queued or processing. Implements workflow.Framework.
func (m *Manager) ScheduleCycle(agentID string) error {
	return m.schedule(agentID, "")
}

// ScheduleCycleWithCorrelation ties the cycle to a waiting future.
func (m *Manager) ScheduleCycleWithCorrelation(agentID, correlationID string) error {
	return m.schedule(agentID, correlationID)
}

func (m *Manager) schedule(agentID, correlationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	a, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.CurrentState() == statemachine.StateError {
		// No-op until the agent is reset.
		m.logger.Debug("Cycle not scheduled; agent halted", "agent_id", agentID)
		return nil
	}
	if !a.TryQueue() {
		return nil // already queued or processing
	}

	select {
	case m.queue <- workItem{agentID: agentID, correlationID: correlationID}:
		return nil
	default:
		a.Unqueue()
		return ErrQueueFull
	}
}

// CreateAgent adds an agent to the table. Implements workflow.Framework.
func (m *Manager) CreateAgent(role statemachine.Role, name, parentID string, seed []models.Message) (*agent.Agent, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	a := agent.New(role, name, m.cfg.DefaultModel, parentID)
	m.agents[a.ID] = a
	m.mu.Unlock()

	for _, msg := range seed {
		a.AppendMessage(msg)
		m.persistMessage(a.ID, msg)
	}
	m.logger.Info("Agent created", "agent_id", a.ID, "role", string(role), "parent_id", parentID)
	return a, nil
}

// DeleteAgent removes an agent. Deleting a PM moves its workers to
// Error so they cannot be scheduled against a missing parent.
func (m *Manager) DeleteAgent(agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(m.agents, agentID)
	var orphans []*agent.Agent
	for _, other := range m.agents {
		if other.ParentID == agentID {
			orphans = append(orphans, other)
		}
	}
	m.mu.Unlock()

	if a.Role == statemachine.RolePM {
		m.workflow.Forget(agentID)
	}
	for _, orphan := range orphans {
		if err := m.machine.Apply(orphan, statemachine.StateError); err != nil {
			m.logger.Warn("Orphan transition failed", "agent_id", orphan.ID, "error", err)
		}
	}
	m.logger.Info("Agent deleted", "agent_id", agentID, "orphans", len(orphans))
	return nil
}

// ResetAgent brings an agent out of Error (or AwaitingReview after a
// user decision) back to its role's recovery state.
func (m *Manager) ResetAgent(agentID string) error {
	a, err := m.Agent(agentID)
	if err != nil {
		return err
	}
	var target statemachine.State
	switch a.Role {
	case statemachine.RoleAdmin:
		if a.CurrentState() == statemachine.StateAwaitingReview {
			target = statemachine.StateConversation
		} else {
			target = statemachine.StateIdle
		}
	case statemachine.RolePM:
		if a.CurrentState() == statemachine.StateAwaitingReview {
			target = statemachine.StateManage
		} else {
			target = statemachine.StateStartup
		}
	case statemachine.RoleWorker:
		target = statemachine.StateWait
	default:
		return fmt.Errorf("role %s cannot be reset", a.Role)
	}
	if a.CurrentState() == target {
		m.handler.ResetHealth(agentID)
		return nil
	}
	if err := m.machine.Apply(a, target); err != nil {
		return fmt.Errorf("reset %s: %w", agentID, err)
	}
	m.handler.ResetHealth(agentID)
	return nil
}

// DeliverMessage implements tools.Messenger: the inter-agent mail path.
func (m *Manager) DeliverMessage(fromAgentID, toAgentID, content string) error {
	from, err := m.Agent(fromAgentID)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	to, err := m.Agent(toAgentID)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	sender := from.Name
	if sender == "" {
		sender = from.ID
	}
	msg := models.NewMessage(models.RoleUser, fmt.Sprintf("[From @%s]: %s", sender, content))
	to.AppendMessage(msg)
	m.persistMessage(to.ID, msg)

	// A PM messaging its own worker during activation counts as an
	// assignment.
	if from.Role == statemachine.RolePM && to.ParentID == from.ID {
		m.workflow.NoteAssignment(from, to.ID)
	}

	// Wake an idle worker for its new assignment.
	if to.Role == statemachine.RoleWorker && to.CurrentState() == statemachine.StateWait {
		if err := m.machine.Apply(to, statemachine.StateWork); err != nil {
			m.logger.Warn("Worker wake transition failed", "agent_id", to.ID, "error", err)
		}
	}

	if err := m.ScheduleCycle(to.ID); err != nil && !errors.Is(err, ErrShuttingDown) {
		return fmt.Errorf("schedule target: %w", err)
	}
	return nil
}

// pmTicker periodically wakes PMs in Manage so they re-evaluate task
// progress.
func (m *Manager) pmTicker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PMTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			for _, a := range m.Agents() {
				if a.Role == statemachine.RolePM && a.CurrentState() == statemachine.StateManage {
					if err := m.ScheduleCycle(a.ID); err != nil {
						m.logger.Debug("PM tick schedule failed", "agent_id", a.ID, "error", err)
					}
				}
			}
		}
	}
}

// Agent looks up one agent by id.
func (m *Manager) Agent(agentID string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a, nil
}

// Admin returns the session's Admin agent.
func (m *Manager) Admin() *agent.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[m.adminID]
}

// Agents returns a snapshot of the agent table.
func (m *Manager) Agents() []*agent.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Events exposes the bus for transport adapters.
func (m *Manager) Events() *bus.Bus { return m.events }

// Tasks exposes a PM's task board for inspection surfaces.
func (m *Manager) Tasks(pmID string) []models.TaskSpec { return m.workflow.Tasks(pmID) }

// Health is the manager's live snapshot.
type Health struct {
	QueueDepth int            `json:"queue_depth"`
	QueueCap   int            `json:"queue_cap"`
	Workers    int            `json:"workers"`
	Agents     map[string]int `json:"agents_by_status"`
}

// HealthSnapshot reports queue depth and agent status distribution.
func (m *Manager) HealthSnapshot() Health {
	h := Health{
		QueueDepth: len(m.queue),
		QueueCap:   cap(m.queue),
		Workers:    m.cfg.WorkerPoolSize,
		Agents:     make(map[string]int),
	}
	for _, a := range m.Agents() {
		h.Agents[string(a.Status())]++
	}
	return h
}

// Stop shuts down gracefully: stop intake, cancel in-flight cycles,
// drain workers, snapshot the session, close the bus.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if m.store != nil {
		if err := m.store.SaveSession(context.Background(), m.snapshot()); err != nil {
			m.logger.Warn("Session snapshot failed", "error", err)
		}
		if m.storeSub != nil {
			m.events.Unsubscribe(m.storeSub)
		}
	}
	m.events.Close(ctx)
	m.logger.Info("Manager stopped")
}

// snapshot captures the agent table for session restore.
func (m *Manager) snapshot() store.SessionSnapshot {
	snap := store.SessionSnapshot{ID: m.cfg.SessionID, SavedAt: time.Now()}
	for _, a := range m.Agents() {
		snap.Agents = append(snap.Agents, store.AgentSnapshot{
			ID:       a.ID,
			Role:     a.Role,
			Name:     a.Name,
			Model:    a.Model,
			ParentID: a.ParentID,
			State:    a.CurrentState(),
			History:  a.History(),
		})
	}
	return snap
}

// restoreSession rebuilds the agent table from a saved snapshot. A
// missing session is not an error; the fresh table stands.
func (m *Manager) restoreSession() {
	snap, err := m.store.LoadSession(context.Background(), m.cfg.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			m.logger.Warn("Session restore failed", "session_id", m.cfg.SessionID, "error", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, saved := range snap.Agents {
		if saved.Role == statemachine.RoleGuardian {
			continue // the singleton created at startup stands
		}
		a := agent.New(saved.Role, saved.Name, saved.Model, saved.ParentID)
		a.ID = saved.ID
		if statemachine.Legal(saved.Role, saved.State) {
			a.TransitionTo(saved.State)
		}
		for _, msg := range saved.History {
			a.AppendMessage(msg)
		}
		if saved.Role == statemachine.RoleAdmin {
			delete(m.agents, m.adminID)
			m.adminID = a.ID
		}
		m.agents[a.ID] = a
	}
	m.logger.Info("Session restored", "session_id", snap.ID, "agents", len(snap.Agents))
}

func (m *Manager) persistMessage(agentID string, msg models.Message) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveMessage(context.Background(), agentID, msg); err != nil {
		m.logger.Warn("Message persistence failed", "agent_id", agentID, "error", err)
	}
}
