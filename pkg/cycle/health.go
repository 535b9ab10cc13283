package cycle

import (
	"sync"
	"time"
)

// Default health thresholds. A corrective message is injected at the
// warn threshold; the fail threshold forces the agent to Error.
const (
	healthWarnAfter = 3
	healthFailAfter = 5
	healthWindow    = 8
)

// healthVerdict is the monitor's per-cycle judgment.
type healthVerdict int

const (
	healthOK healthVerdict = iota
	healthWarn
	healthFail
)

// agentHealth is one agent's sliding window.
type agentHealth struct {
	lastOutput     string
	repeatCount    int // identical (or empty) consecutive final outputs
	lastToolSig    string
	toolRepeat     int // identical consecutive tool calls
	malformedRuns  int // consecutive cycles ending in malformed markup
	lastCycleWalls []time.Duration
}

// healthMonitor tracks per-agent loop indicators: empty responses,
// identical consecutive outputs, repeated identical tool calls, and
// cycle wallclock.
type healthMonitor struct {
	mu     sync.Mutex
	agents map[string]*agentHealth
}

func newHealthMonitor() *healthMonitor {
	return &healthMonitor{agents: make(map[string]*agentHealth)}
}

func (h *healthMonitor) get(agentID string) *agentHealth {
	if a, ok := h.agents[agentID]; ok {
		return a
	}
	a := &agentHealth{}
	h.agents[agentID] = a
	return a
}

// recordOutput folds one cycle's final text into the window and returns
// the verdict.
func (h *healthMonitor) recordOutput(agentID, text string, wall time.Duration) healthVerdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := h.get(agentID)

	if text == a.lastOutput {
		a.repeatCount++
	} else {
		a.repeatCount = 1
		a.lastOutput = text
	}

	a.lastCycleWalls = append(a.lastCycleWalls, wall)
	if len(a.lastCycleWalls) > healthWindow {
		a.lastCycleWalls = a.lastCycleWalls[1:]
	}

	switch {
	case a.repeatCount >= healthFailAfter:
		return healthFail
	case a.repeatCount >= healthWarnAfter:
		return healthWarn
	}
	return healthOK
}

// recordToolCall folds one tool invocation signature into the window.
func (h *healthMonitor) recordToolCall(agentID, signature string) healthVerdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := h.get(agentID)

	if signature == a.lastToolSig {
		a.toolRepeat++
	} else {
		a.toolRepeat = 1
		a.lastToolSig = signature
	}

	switch {
	case a.toolRepeat >= healthFailAfter:
		return healthFail
	case a.toolRepeat >= healthWarnAfter:
		return healthWarn
	}
	return healthOK
}

// recordMalformed counts consecutive cycles that ended in unparseable
// markup. The first occurrence earns a retry, the second does not.
func (h *healthMonitor) recordMalformed(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	a := h.get(agentID)
	a.malformedRuns++
	return a.malformedRuns
}

// clearMalformed resets the malformed run after a clean cycle.
func (h *healthMonitor) clearMalformed(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.get(agentID).malformedRuns = 0
}

// reset drops the window, typically after a manager-initiated agent reset.
func (h *healthMonitor) reset(agentID string) {
	h.mu.Lock()
	delete(h.agents, agentID)
	h.mu.Unlock()
}
