// Package guardian implements the independent reviewer. Every terminal
// response passes through Review before it is propagated; the verdict
// combines deterministic personal-data and credential patterns, a
// policy table of forbidden assertions, and an optional LLM nuance
// check when the deterministic layers pass but heuristics flag
// ambiguity.
package guardian

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexhub/cortex/pkg/llm"
	"github.com/cortexhub/cortex/pkg/models"
	"github.com/cortexhub/cortex/pkg/statemachine"
)

// Kind classifies a violation against the principle set.
type Kind string

const (
	KindPrivacy        Kind = "privacy"
	KindHumanRights    Kind = "human_rights"
	KindCentralization Kind = "centralization"
	KindCommunity      Kind = "community"
	KindSystem         Kind = "system"
)

// Severity orders violations. Low and Medium are auto-remediated; High
// and Critical pause the agent for user review.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Violation is one finding against the principle set.
type Violation struct {
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Principle   string    `json:"principle"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agent_id"`
	Remediation string    `json:"remediation"`
	// Original preserves the offending text for audit when the finding
	// was auto-redacted.
	Original string `json:"original,omitempty"`
}

// Verdict is the review outcome. OK means the text may propagate as-is.
// When Redacted is non-empty the text was rewritten and may propagate
// in that form; Pause means the agent must await user review.
type Verdict struct {
	OK         bool
	Violations []Violation
	Redacted   string
	Pause      bool
}

// MaxSeverity returns the highest severity among the findings.
func (v Verdict) MaxSeverity() Severity {
	var max Severity
	for _, viol := range v.Violations {
		if viol.Severity > max {
			max = viol.Severity
		}
	}
	return max
}

// Guardian is the stateless reviewer. The subject tracks the guardian's
// own Monitoring/Reviewing/Remediating loop on the state machine so the
// review cycle is observable like any other agent.
type Guardian struct {
	machine *statemachine.Machine
	subject statemachine.Subject
	nuance  llm.Provider // optional; nil disables the LLM check
	model   string
	logger  *slog.Logger
}

// New creates a Guardian. machine/subject may be nil in tests; nuance
// may be nil to run deterministic checks only.
func New(machine *statemachine.Machine, subject statemachine.Subject, nuance llm.Provider, model string) *Guardian {
	return &Guardian{
		machine: machine,
		subject: subject,
		nuance:  nuance,
		model:   model,
		logger:  slog.With("component", "guardian"),
	}
}

// Review inspects a final assistant text. The returned verdict never
// carries an error: a failing nuance check degrades to the
// deterministic result.
func (g *Guardian) Review(ctx context.Context, agentID string, role statemachine.Role, text string) Verdict {
	g.transition(statemachine.StateReviewing)

	violations := g.deterministic(agentID, text)

	if len(violations) == 0 && g.nuance != nil && ambiguityHints.MatchString(text) {
		if v := g.nuanceCheck(ctx, agentID, text); v != nil {
			violations = append(violations, *v)
		}
	}

	if len(violations) == 0 {
		g.transition(statemachine.StateMonitoring)
		return Verdict{OK: true}
	}

	verdict := Verdict{Violations: violations}
	if verdict.MaxSeverity() >= SeverityHigh {
		// High and Critical findings pause the agent; no auto-rewrite.
		verdict.Pause = true
		g.logger.Warn("Guardian violation requires user review",
			"agent_id", agentID, "role", string(role),
			"severity", verdict.MaxSeverity().String(),
			"count", len(violations))
		g.transition(statemachine.StateMonitoring)
		return verdict
	}

	g.transition(statemachine.StateRemediating)
	verdict.Redacted = g.redact(text)
	for i := range verdict.Violations {
		verdict.Violations[i].Original = text
	}
	g.logger.Info("Guardian auto-remediated response",
		"agent_id", agentID, "severity", verdict.MaxSeverity().String(),
		"count", len(violations))
	g.transition(statemachine.StateMonitoring)
	return verdict
}

// deterministic runs the pattern and policy layers.
func (g *Guardian) deterministic(agentID, text string) []Violation {
	var out []Violation
	now := time.Now()
	for _, p := range builtinPatterns {
		if p.re.MatchString(text) {
			out = append(out, Violation{
				Kind:        p.kind,
				Severity:    p.severity,
				Principle:   p.principle,
				Description: "response contains " + p.name + " content",
				Timestamp:   now,
				AgentID:     agentID,
				Remediation: "redact " + p.name + " before propagation",
			})
		}
	}
	for _, p := range forbiddenAssertions {
		if p.re.MatchString(text) {
			out = append(out, Violation{
				Kind:        p.kind,
				Severity:    p.severity,
				Principle:   p.principle,
				Description: "response asserts a forbidden claim (" + p.name + ")",
				Timestamp:   now,
				AgentID:     agentID,
				Remediation: "rephrase without the claim",
			})
		}
	}
	return out
}

// redact rewrites the text with pattern replacements. Only patterns
// that carry a replacement participate.
func (g *Guardian) redact(text string) string {
	for _, p := range builtinPatterns {
		if p.replacement != "" {
			text = p.re.ReplaceAllString(text, p.replacement)
		}
	}
	return text
}

const nuancePrompt = `You review one agent response for personal data that identifies a real person (addresses, identity documents, medical or financial records). Answer with exactly "OK" if none is present, otherwise one sentence describing the finding.`

// nuanceCheck asks the review model for a judgment. Any provider error
// or unparseable answer is treated as OK; the deterministic layers
// remain the floor.
func (g *Guardian) nuanceCheck(ctx context.Context, agentID, text string) *Violation {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	stream, err := g.nuance.StreamCompletion(ctx, llm.Request{
		Model: g.model,
		Messages: []models.Message{
			models.NewMessage(models.RoleSystem, nuancePrompt),
			models.NewMessage(models.RoleUser, text),
		},
	})
	if err != nil {
		g.logger.Warn("Guardian nuance check unavailable", "error", err)
		return nil
	}

	var sb strings.Builder
	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			sb.WriteString(c.Content)
		case *llm.ErrorChunk:
			g.logger.Warn("Guardian nuance check failed", "error", c.Message)
			return nil
		}
	}

	answer := strings.TrimSpace(sb.String())
	if answer == "" || strings.EqualFold(answer, "ok") || strings.HasPrefix(strings.ToUpper(answer), "OK") {
		return nil
	}
	return &Violation{
		Kind:        KindPrivacy,
		Severity:    SeverityMedium,
		Principle:   "no-personal-data-egress",
		Description: answer,
		Timestamp:   time.Now(),
		AgentID:     agentID,
		Remediation: "redact the identified personal data",
	}
}

func (g *Guardian) transition(to statemachine.State) {
	if g.machine == nil || g.subject == nil {
		return
	}
	if err := g.machine.Apply(g.subject, to); err != nil {
		g.logger.Debug("Guardian state transition skipped", "to", string(to), "error", err)
	}
}
