package coordinator

import (
	"sync"
	"time"
)

// Stats accumulates run counters since start.
type Stats struct {
	mu         sync.Mutex
	startedAt  time.Time
	executions int
	successes  int
	products   int
	outcomes   map[Outcome]int
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	StartedAt            time.Time       `json:"started_at"`
	Uptime               string          `json:"uptime"`
	Cycles               int             `json:"cycles"`
	TotalExecutions      int             `json:"total_executions"`
	SuccessfulExecutions int             `json:"successful_executions"`
	SuccessRate          float64         `json:"success_rate"`
	TotalProducts        int             `json:"total_products"`
	Outcomes             map[Outcome]int `json:"outcomes"`
}

func newStats(now time.Time) *Stats {
	return &Stats{startedAt: now, outcomes: make(map[Outcome]int)}
}

func (s *Stats) record(o Outcome, products int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o]++
	if o.Executed() {
		s.executions++
	}
	if o == OutcomeSuccess {
		s.successes++
	}
	s.products += products
}

// snapshot copies the counters. cycles comes from the tier-2 loop.
func (s *Stats) snapshot(now time.Time, cycles int) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		StartedAt:            s.startedAt,
		Uptime:               now.Sub(s.startedAt).Round(time.Second).String(),
		Cycles:               cycles,
		TotalExecutions:      s.executions,
		SuccessfulExecutions: s.successes,
		TotalProducts:        s.products,
		Outcomes:             make(map[Outcome]int, len(s.outcomes)),
	}
	for k, v := range s.outcomes {
		out.Outcomes[k] = v
	}
	if s.executions > 0 {
		out.SuccessRate = float64(s.successes) / float64(s.executions) * 100
	}
	return out
}
