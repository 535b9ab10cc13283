// Package cycle implements the execution engine: one RunCycle call
// assembles the prompt, consumes the agent's event stream, applies
// tools, workflow triggers and state changes, runs the Guardian review,
// and categorizes the outcome for the scheduler.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cortexhub/cortex/pkg/agent"
	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/collector"
	"github.com/cortexhub/cortex/pkg/guardian"
	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/prompt"
	"github.com/cortexhub/cortex/pkg/statemachine"
	"github.com/cortexhub/cortex/pkg/tools"
	"github.com/cortexhub/cortex/pkg/workflow"
)

// Outcome categorizes a finished cycle for the next-step scheduler.
type Outcome string

const (
	// OutcomeCompleted: terminal response propagated; agent goes idle.
	OutcomeCompleted Outcome = "completed"
	// OutcomeReschedule: the agent has new input to process (tool results,
	// corrective messages) and should run again immediately.
	OutcomeReschedule Outcome = "reschedule"
	// OutcomeAwaitingReview: Guardian paused the agent for user review.
	OutcomeAwaitingReview Outcome = "awaiting_review"
	// OutcomeFailed: the agent was moved to Error; no auto-retry.
	OutcomeFailed Outcome = "failed"
)

// Config tunes the handler.
type Config struct {
	Deadline           time.Duration // wall-clock bound per cycle
	MaxAttempts        int           // LLM attempts including the first
	FallbackModels     []string      // tried in order on transient failure
	SummarizeThreshold int           // token ceiling before history compression
	SummaryModel       string        // model used for summaries and Guardian nuance
	ToolTimeout        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Deadline:           5 * time.Minute,
		MaxAttempts:        3,
		SummarizeThreshold: 6000,
		ToolTimeout:        30 * time.Second,
	}
}

// Report is the transient per-cycle record handed back to the scheduler.
type Report struct {
	AgentID       string
	CorrelationID string
	Start         time.Time
	Wall          time.Duration
	Text          string
	ToolCalls     []string
	Triggers      []string
	ErrorCount    int
	Outcome       Outcome
}

// Handler runs agent cycles. One Handler serves all agents; per-agent
// exclusivity is the scheduler's job.
type Handler struct {
	provider  llm.Provider
	registry  *tools.Registry
	executor  *tools.Executor
	machine   *statemachine.Machine
	events    *bus.Bus
	collector *collector.Collector
	workflow  *workflow.Manager
	guardian  *guardian.Guardian
	summarize *summarizer
	health    *healthMonitor
	cfg       Config
	logger    *slog.Logger
}

// New wires a handler.
func New(provider llm.Provider, registry *tools.Registry, executor *tools.Executor,
	machine *statemachine.Machine, events *bus.Bus, coll *collector.Collector,
	wf *workflow.Manager, guard *guardian.Guardian, cfg Config) *Handler {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	summaryModel := cfg.SummaryModel
	return &Handler{
		provider:  provider,
		registry:  registry,
		executor:  executor,
		machine:   machine,
		events:    events,
		collector: coll,
		workflow:  wf,
		guardian:  guard,
		summarize: newSummarizer(provider, summaryModel, cfg.SummarizeThreshold),
		health:    newHealthMonitor(),
		cfg:       cfg,
		logger:    slog.With("component", "cycle"),
	}
}

// ResetHealth clears an agent's loop-detection window after a manager
// reset.
func (h *Handler) ResetHealth(agentID string) { h.health.reset(agentID) }

// RunCycle executes one cycle for the agent. correlationID ties the
// cycle to a caller's future; empty means no caller is waiting.
func (h *Handler) RunCycle(ctx context.Context, a *agent.Agent, correlationID string) *Report {
	start := time.Now()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	report := &Report{AgentID: a.ID, CorrelationID: correlationID, Start: start}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Deadline)
	defer cancel()

	logger := h.logger.With("agent_id", a.ID, "role", string(a.Role), "correlation_id", correlationID)
	logger.Debug("Cycle started", "state", string(a.CurrentState()))

	h.summarize.maybeCompress(ctx, a)

	messages := h.assemble(a)
	h.emit(bus.EventAgentThinking, a.ID, correlationID, map[string]any{
		"state": string(a.CurrentState()),
	})

	res := h.streamWithRetry(ctx, a, messages, correlationID, report)

	switch {
	case res.streamErr != nil:
		reason := fmt.Sprintf("llm stream failed: %v", res.streamErr)
		if errors.Is(res.streamErr, context.Canceled) || errors.Is(res.streamErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("cycle canceled: %v", res.streamErr)
		}
		h.failCycle(a, correlationID, report, reason)
	case res.malformed != nil:
		h.handleMalformed(a, correlationID, report, res.malformed)
	default:
		h.health.clearMalformed(a.ID)
		h.finish(ctx, a, correlationID, report, res)
	}

	report.Wall = time.Since(start)
	a.EndCycle(report.Wall, report.Outcome == OutcomeFailed)
	logger.Debug("Cycle finished", "outcome", string(report.Outcome), "wall", report.Wall)
	return report
}

// streamResult accumulates what one stream attempt produced.
type streamResult struct {
	finalText  string
	toolReqs   []agent.ToolRequest
	malformed  *agent.Malformed
	streamErr  error
	progressed bool // any signal was dispatched; side effects may exist
}

// streamWithRetry opens the completion and consumes it, retrying
// transient failures with exponential backoff and model failover. An
// attempt that already produced side effects is never retried.
func (h *Handler) streamWithRetry(ctx context.Context, a *agent.Agent, messages []models.Message, correlationID string, report *Report) *streamResult {
	modelSeq := append([]string{a.Model}, h.cfg.FallbackModels...)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var res *streamResult
	for attempt := 0; attempt < h.cfg.MaxAttempts; attempt++ {
		model := modelSeq[min(attempt, len(modelSeq)-1)]
		res = h.consume(ctx, a, llm.Request{Model: model, Messages: messages}, correlationID, report)

		if res.streamErr == nil || res.progressed {
			return res
		}
		var lerr *llm.Error
		if !errors.As(res.streamErr, &lerr) || !lerr.Retryable || attempt+1 >= h.cfg.MaxAttempts {
			return res
		}
		wait := bo.NextBackOff()
		h.logger.Warn("Transient LLM failure, retrying",
			"agent_id", a.ID, "model", model, "attempt", attempt+1, "wait", wait, "error", res.streamErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return res
		}
	}
	return res
}

// consume runs one agent event stream to its terminal event.
func (h *Handler) consume(ctx context.Context, a *agent.Agent, req llm.Request, correlationID string, report *Report) *streamResult {
	res := &streamResult{}

	stream, err := a.ProcessMessage(ctx, h.provider, req, h.registry.Names())
	if err != nil {
		res.streamErr = err
		return res
	}

	for ev := range stream {
		switch e := ev.(type) {
		case agent.Chunk:
			h.emit(bus.EventResponseChunk, a.ID, correlationID, map[string]any{"text": e.Text})
			h.collector.AddChunk(correlationID, e.Text)
		case agent.Thought:
			h.emit(bus.EventAgentThinking, a.ID, correlationID, map[string]any{"thought": e.Text})
		case agent.ToolRequest:
			// Executed after the stream closes; workflow triggers in the
			// same response take precedence.
			res.toolReqs = append(res.toolReqs, e)
			res.progressed = true
		case agent.WorkflowTrigger:
			res.progressed = true
			report.Triggers = append(report.Triggers, fmt.Sprintf("%T", e.Signal))
			if err := h.workflow.Handle(a, e.Signal); err != nil {
				report.ErrorCount++
				a.AppendMessage(models.NewMessage(models.RoleSystem,
					fmt.Sprintf("Workflow action rejected: %v", err)))
			}
		case agent.StateChangeRequest:
			res.progressed = true
			h.applyStateChange(a, correlationID, report, e.To)
		case agent.Malformed:
			report.ErrorCount++
			res.malformed = &e
			res.progressed = true
		case agent.StreamError:
			res.streamErr = e.Err
		case agent.FinalResponse:
			res.finalText = strings.TrimSpace(e.Text)
		}
		if res.streamErr != nil || res.malformed != nil {
			// Drain remaining events so the producer goroutine exits.
			for range stream {
			}
			break
		}
	}
	// A canceled context truncates the stream without a terminal event;
	// whatever text arrived must not propagate as a completed response.
	if res.streamErr == nil && res.malformed == nil && ctx.Err() != nil {
		res.streamErr = ctx.Err()
	}
	return res
}

// applyStateChange asks the state machine for a requested transition.
func (h *Handler) applyStateChange(a *agent.Agent, correlationID string, report *Report, to statemachine.State) {
	from := a.CurrentState()
	if err := h.machine.Apply(a, to); err != nil {
		report.ErrorCount++
		a.AppendMessage(models.NewMessage(models.RoleSystem, fmt.Sprintf(
			"transition %s→%s is not allowed for role %s", from, to, a.Role)))
		return
	}
}

// finish executes buffered tools, runs the Guardian review on the final
// text, and determines the outcome.
func (h *Handler) finish(ctx context.Context, a *agent.Agent, correlationID string, report *Report, res *streamResult) {
	report.Text = res.finalText

	toolsRan := h.runTools(ctx, a, correlationID, report, res.toolReqs)
	if report.Outcome == OutcomeFailed {
		return
	}

	if res.finalText != "" {
		a.AppendMessage(models.NewMessage(models.RoleAssistant, res.finalText))
	}

	if toolsRan {
		// The agent must process its tool results before a terminal
		// response can exist.
		report.Outcome = OutcomeReschedule
		return
	}

	switch h.health.recordOutput(a.ID, res.finalText, time.Since(report.Start)) {
	case healthWarn:
		a.AppendMessage(models.NewMessage(models.RoleSystem,
			"You appear to be looping; try a different approach."))
	case healthFail:
		h.failCycle(a, correlationID, report, "repeated identical output; agent halted")
		return
	}

	h.review(ctx, a, correlationID, report, res.finalText)

	// A PM mid-pipeline keeps its chain going: the next cycle creates
	// workers or dispatches assignments without an external nudge.
	if report.Outcome == OutcomeCompleted && a.Role == statemachine.RolePM {
		switch a.CurrentState() {
		case statemachine.StateBuildTeamTasks, statemachine.StateActivateWorkers:
			report.Outcome = OutcomeReschedule
		}
	}
}

// runTools executes buffered tool requests in order. Returns whether
// any ran. A tool-loop health failure moves the agent to Error.
func (h *Handler) runTools(ctx context.Context, a *agent.Agent, correlationID string, report *Report, reqs []agent.ToolRequest) bool {
	for _, req := range reqs {
		signature := toolSignature(req)
		switch h.health.recordToolCall(a.ID, signature) {
		case healthWarn:
			a.AppendMessage(models.NewMessage(models.RoleSystem,
				"You are repeating the same tool call; use the result you already have."))
		case healthFail:
			h.failCycle(a, correlationID, report, "repeated identical tool call; agent halted")
			return true
		}

		args := make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			args[k] = v
		}
		if req.Action != "" {
			args["action"] = req.Action
		}

		result := h.executor.Execute(ctx, tools.AgentContext{AgentID: a.ID, Role: a.Role}, correlationID, req.Name, args)
		if result.IsError() {
			report.ErrorCount++
		}
		report.ToolCalls = append(report.ToolCalls, req.Name)

		msg := models.NewMessage(models.RoleTool, result.Content)
		msg.ToolName = req.Name
		a.AppendMessage(msg)
	}
	return len(reqs) > 0
}

// review runs the Guardian on the terminal text and resolves the
// caller's future. Review precedes every propagated ResponseComplete.
func (h *Handler) review(ctx context.Context, a *agent.Agent, correlationID string, report *Report, text string) {
	verdict := h.guardian.Review(ctx, a.ID, a.Role, text)

	if verdict.Pause {
		report.Outcome = OutcomeAwaitingReview
		if err := h.machine.Apply(a, statemachine.StateAwaitingReview); err != nil {
			h.logger.Warn("Pause transition failed", "agent_id", a.ID, "error", err)
		}
		h.emit(bus.EventConstitutionalViolation, a.ID, correlationID, map[string]any{
			"violations": verdict.Violations,
		})
		// The future is left pending: the caller sees a timeout or an
		// explicit cancel once the user decides. The correlation still
		// terminates on the bus so external subscribers can close their
		// stream.
		future := h.collector.Begin(correlationID, 0)
		go func() {
			<-future.Done()
			if _, err := future.Wait(context.Background()); err != nil {
				h.emit(bus.EventResponseCanceled, a.ID, correlationID, map[string]any{"reason": err.Error()})
			}
		}()
		return
	}

	final := text
	if verdict.Redacted != "" {
		final = verdict.Redacted
		h.emit(bus.EventConstitutionalCheck, a.ID, correlationID, map[string]any{
			"violations": verdict.Violations,
			"remediated": true,
		})
	}

	compliant := true
	h.collector.Complete(correlationID, final)
	h.events.Emit(bus.AgentEvent{
		Type:          bus.EventResponseComplete,
		AgentID:       a.ID,
		CorrelationID: correlationID,
		Data:          map[string]any{"text": final},
		Compliant:     &compliant,
	})
	report.Outcome = OutcomeCompleted
	report.Text = final
}

// handleMalformed applies the one-retry rule for unparseable markup.
func (h *Handler) handleMalformed(a *agent.Agent, correlationID string, report *Report, m *agent.Malformed) {
	runs := h.health.recordMalformed(a.ID)
	a.AppendMessage(models.NewMessage(models.RoleSystem, fmt.Sprintf(
		"Your last output contained unparseable markup (%s): %q. Emit well-formed tags.",
		m.Reason, m.Span)))
	if runs <= 1 {
		report.Outcome = OutcomeReschedule
		return
	}
	h.failCycle(a, correlationID, report, "repeated malformed markup")
}

// failCycle moves the agent to Error, fails the future, and emits the
// Error event.
func (h *Handler) failCycle(a *agent.Agent, correlationID string, report *Report, reason string) {
	report.Outcome = OutcomeFailed
	report.ErrorCount++
	if a.Role != statemachine.RoleGuardian && a.CurrentState() != statemachine.StateError {
		if err := h.machine.Apply(a, statemachine.StateError); err != nil {
			h.logger.Warn("Error transition failed", "agent_id", a.ID, "error", err)
		}
	}
	h.collector.Fail(correlationID, fmt.Errorf("cycle failed: %s", reason))
	h.emit(bus.EventError, a.ID, correlationID, map[string]any{"reason": reason})
	h.logger.Error("Cycle failed", "agent_id", a.ID, "reason", reason)
}

// assemble builds the prompt: system message from the role+state table
// plus the agent's history.
func (h *Handler) assemble(a *agent.Agent) []models.Message {
	pctx := prompt.Context{
		Now:         time.Now(),
		AgentName:   a.Name,
		ToolCatalog: h.registry.Describe(),
	}
	switch a.Role {
	case statemachine.RoleWorker:
		pctx.TaskDescription = h.workerTask(a)
	case statemachine.RolePM:
		pctx.TeamRoster = h.pmRoster(a)
	}

	system := prompt.System(a.Role, a.CurrentState(), pctx)
	out := make([]models.Message, 0, a.HistoryLen()+1)
	out = append(out, models.NewMessage(models.RoleSystem, system))
	out = append(out, a.History()...)
	return out
}

// workerTask finds the worker's current assignment on its parent's board.
func (h *Handler) workerTask(a *agent.Agent) string {
	for _, task := range h.workflow.Tasks(a.ParentID) {
		if task.WorkerID == a.ID && task.Status != models.TaskCompleted {
			return fmt.Sprintf("[%s] %s", task.ID, task.Description)
		}
	}
	return ""
}

// pmRoster renders the PM's team and task board.
func (h *Handler) pmRoster(a *agent.Agent) string {
	tasks := h.workflow.Tasks(a.ID)
	workers := h.workflow.Workers(a.ID)
	if len(tasks) == 0 && len(workers) == 0 {
		return ""
	}
	var sb strings.Builder
	roles := make([]string, 0, len(workers))
	for role := range workers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Fprintf(&sb, "- worker %s (role %s)\n", workers[role], role)
	}
	for _, task := range tasks {
		fmt.Fprintf(&sb, "- task %s [%s] → %s: %s\n", task.ID, task.Status, task.WorkerID, task.Description)
	}
	return sb.String()
}

func toolSignature(req agent.ToolRequest) string {
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(req.Name)
	sb.WriteString("|")
	sb.WriteString(req.Action)
	for _, k := range keys {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(req.Params[k])
	}
	return sb.String()
}

func (h *Handler) emit(t bus.EventType, agentID, correlationID string, data map[string]any) {
	h.events.Emit(bus.AgentEvent{
		Type:          t,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Data:          data,
	})
}
