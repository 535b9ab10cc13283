package models

import "time"

// AgentMetrics tracks per-agent execution counters.
// Mutated only inside the owning agent's cycle.
type AgentMetrics struct {
	Cycles        int           `json:"cycles"`
	Errors        int           `json:"errors"`
	LastCycleWall time.Duration `json:"last_cycle_wall"`
	LastCycleAt   time.Time     `json:"last_cycle_at"`
}
