package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tier2Config configures the sweep loop.
type Tier2Config struct {
	Calendar Calendar
	// Concurrency bounds parallel runs within a sweep. Default: 1.
	Concurrency int
	// MinWait is the shortest pause between two sweeps. Default: 5s.
	MinWait time.Duration
	Now     func() time.Time
	// AfterNightSweep, when set, runs after every sweep that ended inside
	// the night window.
	AfterNightSweep func(ctx context.Context)
}

func (c *Tier2Config) defaults() {
	c.Calendar.Defaults()
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MinWait <= 0 {
		c.MinWait = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Sweep summarises one full round.
type Sweep struct {
	Cycle    int           `json:"cycle"`
	Executed int           `json:"executed"`
	Missed   []string      `json:"missed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Tier2 runs every low-priority script once per sweep.
type Tier2 struct {
	cfg     Tier2Config
	scripts []string
	exec    ExecFunc
	logger  *slog.Logger

	mu    sync.Mutex
	retry []string
	cycle int
	last  Sweep
}

// NewTier2 creates the sweep loop for scripts.
func NewTier2(scripts []string, exec ExecFunc, cfg Tier2Config, logger *slog.Logger) *Tier2 {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier2{cfg: cfg, scripts: dedupe(scripts), exec: exec, logger: logger}
}

// Last returns the most recent completed sweep.
func (t *Tier2) Last() Sweep {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Run sweeps until ctx is cancelled. The current sweep stops launching
// new scripts on cancel; runs already started complete first.
func (t *Tier2) Run(ctx context.Context) error {
	t.logger.Info("tier2: started", "scripts", len(t.scripts), "concurrency", t.cfg.Concurrency)
	for {
		if ctx.Err() != nil {
			return nil
		}
		sw := t.SweepOnce(ctx)

		if t.cfg.AfterNightSweep != nil && t.cfg.Calendar.IsNight(t.cfg.Now()) && ctx.Err() == nil {
			t.cfg.AfterNightSweep(ctx)
		}

		wait := max(t.cfg.MinWait, t.cfg.Calendar.Tier2Target(t.cfg.Now())-sw.Duration)
		t.logger.Info("tier2: sweep done",
			"cycle", sw.Cycle, "executed", sw.Executed, "missed", len(sw.Missed),
			"duration", sw.Duration.Round(time.Millisecond), "next_in", wait.Round(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// SweepOnce runs one round: last round's missed scripts first, then the
// rest in configured order.
func (t *Tier2) SweepOnce(ctx context.Context) Sweep {
	t.mu.Lock()
	t.cycle++
	cycle := t.cycle
	queue := t.queue()
	t.mu.Unlock()

	start := t.cfg.Now()
	ran := make([]bool, len(queue))

	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for i, script := range queue {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ran[i] = t.exec(ctx, script)
			return nil
		})
	}
	g.Wait()

	sw := Sweep{Cycle: cycle, Duration: t.cfg.Now().Sub(start)}
	for i, ok := range ran {
		if ok {
			sw.Executed++
		} else {
			sw.Missed = append(sw.Missed, queue[i])
		}
	}

	t.mu.Lock()
	t.retry = sw.Missed
	t.last = sw
	t.mu.Unlock()
	return sw
}

func (t *Tier2) queue() []string {
	first := make(map[string]bool, len(t.retry))
	q := make([]string, 0, len(t.scripts))
	for _, s := range t.retry {
		first[s] = true
		q = append(q, s)
	}
	for _, s := range t.scripts {
		if !first[s] {
			q = append(q, s)
		}
	}
	return q
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Every calls fn every d until ctx is cancelled. The first call happens
// after d, not immediately.
func Every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
