package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ExecFunc runs one script. It reports whether the script actually ran;
// tier 2 retries scripts that did not.
type ExecFunc func(ctx context.Context, script string) bool

// Tier1Config configures the adaptive loop.
type Tier1Config struct {
	Calendar Calendar
	// Tick is how often due scripts are looked for. Default: 5s.
	Tick time.Duration
	// InitialIdle back-dates every site's last notification so the first
	// decision uses the idle interval. Default: 2h.
	InitialIdle time.Duration
	Now         func() time.Time
}

func (c *Tier1Config) defaults() {
	c.Calendar.Defaults()
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.InitialIdle <= 0 {
		c.InitialIdle = 2 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SiteState is the scheduling state of one tier-1 script.
type SiteState struct {
	Script     string        `json:"script"`
	Interval   time.Duration `json:"interval"`
	LastRun    time.Time     `json:"last_run"`
	LastNotify time.Time     `json:"last_notify"`
	Running    bool          `json:"running"`
}

// Tier1 launches every due high-priority script concurrently.
type Tier1 struct {
	cfg    Tier1Config
	exec   ExecFunc
	logger *slog.Logger

	mu    sync.Mutex
	sites map[string]*SiteState
	order []string

	wg sync.WaitGroup
}

// NewTier1 creates the loop for scripts.
func NewTier1(scripts []string, exec ExecFunc, cfg Tier1Config, logger *slog.Logger) *Tier1 {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tier1{cfg: cfg, exec: exec, logger: logger, sites: make(map[string]*SiteState)}

	now := cfg.Now()
	initial := cfg.Calendar.HotInterval
	if cfg.Calendar.IsNight(now) {
		initial = cfg.Calendar.NightInterval
	}
	for _, s := range scripts {
		if _, dup := t.sites[s]; dup {
			continue
		}
		t.order = append(t.order, s)
		t.sites[s] = &SiteState{Script: s, Interval: initial, LastNotify: now.Add(-cfg.InitialIdle)}
	}
	return t
}

// NotifySent marks script as hot: a notification was just sent for it.
func (t *Tier1) NotifySent(script string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sites[script]; ok {
		s.LastNotify = t.cfg.Now()
	}
}

// States returns a copy of every site's state, sorted by script.
func (t *Tier1) States() []SiteState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SiteState, 0, len(t.sites))
	for _, s := range t.sites {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Script < out[j].Script })
	return out
}

// Run ticks until ctx is cancelled, then waits for in-flight runs.
func (t *Tier1) Run(ctx context.Context) error {
	t.logger.Info("tier1: started", "scripts", len(t.order), "tick", t.cfg.Tick)
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	t.launchDue(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tier1: stopping, waiting for in-flight runs")
			t.wg.Wait()
			return nil
		case <-ticker.C:
			t.launchDue(ctx)
		}
	}
}

type intervalChange struct {
	script   string
	from, to time.Duration
}

// launchDue re-evaluates every idle script's interval at now, starts those
// whose interval elapsed and returns how many were started.
func (t *Tier1) launchDue(ctx context.Context) int {
	now := t.cfg.Now()
	var due []string
	var changed []intervalChange

	t.mu.Lock()
	for _, name := range t.order {
		s := t.sites[name]
		if s.Running {
			continue
		}
		if iv := t.cfg.Calendar.Tier1Interval(now, s.LastNotify); iv != s.Interval {
			changed = append(changed, intervalChange{name, s.Interval, iv})
			s.Interval = iv
		}
		if s.LastRun.IsZero() || now.Sub(s.LastRun) >= s.Interval {
			s.Running = true
			s.LastRun = now
			due = append(due, name)
		}
	}
	t.mu.Unlock()

	for _, c := range changed {
		t.logger.Info("tier1: interval changed", "script", c.script, "from", c.from, "to", c.to)
	}

	for _, name := range due {
		t.wg.Add(1)
		go func(name string) {
			defer t.wg.Done()
			t.exec(ctx, name)
			t.finish(name)
		}(name)
	}
	if len(due) > 0 {
		t.logger.Debug("tier1: launched", "count", len(due))
	}
	return len(due)
}

func (t *Tier1) finish(name string) {
	t.mu.Lock()
	t.sites[name].Running = false
	t.mu.Unlock()
}

// Wait blocks until every launched run has returned.
func (t *Tier1) Wait() { t.wg.Wait() }
