// Package schedule decides when each scraper runs.
//
// Tier 1 polls high-priority sites on an adaptive per-site interval. Tier 2
// sweeps the low-priority sites one full round at a time. A night window
// overrides both with one long interval.
package schedule

import "time"

// Calendar holds the interval rules shared by both tiers.
type Calendar struct {
	// NightStart and NightEnd are local hours; night is [NightStart, NightEnd).
	NightStart    int           `yaml:"night_start"`
	NightEnd      int           `yaml:"night_end"`
	NightInterval time.Duration `yaml:"night_interval"`

	// A tier-1 site that notified within HotWindow polls every HotInterval,
	// within WarmWindow every WarmInterval, otherwise every IdleInterval.
	HotWindow    time.Duration `yaml:"hot_window"`
	HotInterval  time.Duration `yaml:"hot_interval"`
	WarmWindow   time.Duration `yaml:"warm_window"`
	WarmInterval time.Duration `yaml:"warm_interval"`
	IdleInterval time.Duration `yaml:"idle_interval"`

	Tier2Interval time.Duration `yaml:"tier2_interval"`
}

// DefaultCalendar is 01:00-08:00 night at 30 minutes; tier 1 at 60s, 5m or
// 1h; tier 2 every 5 minutes.
func DefaultCalendar() Calendar {
	return Calendar{
		NightStart:    1,
		NightEnd:      8,
		NightInterval: 30 * time.Minute,
		HotWindow:     30 * time.Minute,
		HotInterval:   60 * time.Second,
		WarmWindow:    time.Hour,
		WarmInterval:  5 * time.Minute,
		IdleInterval:  time.Hour,
		Tier2Interval: 5 * time.Minute,
	}
}

// Defaults fills zero fields from DefaultCalendar. Equal non-zero
// NightStart and NightEnd disable the night window.
func (c *Calendar) Defaults() {
	d := DefaultCalendar()
	if c.NightStart == 0 && c.NightEnd == 0 {
		c.NightStart, c.NightEnd = d.NightStart, d.NightEnd
	}
	setDur(&c.NightInterval, d.NightInterval)
	setDur(&c.HotWindow, d.HotWindow)
	setDur(&c.HotInterval, d.HotInterval)
	setDur(&c.WarmWindow, d.WarmWindow)
	setDur(&c.WarmInterval, d.WarmInterval)
	setDur(&c.IdleInterval, d.IdleInterval)
	setDur(&c.Tier2Interval, d.Tier2Interval)
}

func setDur(p *time.Duration, v time.Duration) {
	if *p <= 0 {
		*p = v
	}
}

// IsNight reports whether t falls in the night window. A window whose end
// is before its start wraps past midnight.
func (c Calendar) IsNight(t time.Time) bool {
	h := t.Hour()
	if c.NightStart <= c.NightEnd {
		return h >= c.NightStart && h < c.NightEnd
	}
	return h >= c.NightStart || h < c.NightEnd
}

// Tier1Interval returns the polling interval of a tier-1 site whose last
// sent notification was at lastNotify.
func (c Calendar) Tier1Interval(now, lastNotify time.Time) time.Duration {
	if c.IsNight(now) {
		return c.NightInterval
	}
	idle := now.Sub(lastNotify)
	switch {
	case idle < c.HotWindow:
		return c.HotInterval
	case idle < c.WarmWindow:
		return c.WarmInterval
	default:
		return c.IdleInterval
	}
}

// Tier2Target returns the target length of one tier-2 sweep.
func (c Calendar) Tier2Target(now time.Time) time.Duration {
	if c.IsNight(now) {
		return c.NightInterval
	}
	return c.Tier2Interval
}
