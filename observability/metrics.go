// Package observability records what the coordinator did: Prometheus
// collectors for live dashboards and an SQLite run log for history.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the coordinator's collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	Products      prometheus.Counter
	NewItems      *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Suppressed    prometheus.Counter
	BreakerState  *prometheus.GaugeVec
	LimiterSkips  prometheus.Counter
	SnapshotSites prometheus.Gauge
	StaleSites    prometheus.Gauge
}

// NewMetrics constructs and registers every collector, plus the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopwatch_runs_total",
			Help: "Scraper executions by tier and outcome.",
		}, []string{"tier", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopwatch_run_duration_seconds",
			Help:    "Wall-clock duration of scraper executions.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"tier"}),
		Products: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopwatch_products_extracted_total",
			Help: "Product records extracted from scraper output.",
		}),
		NewItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopwatch_new_items_total",
			Help: "Items detected above a remembered leader, by detection kind.",
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopwatch_notifications_total",
			Help: "Notification deliveries by result.",
		}, []string{"result"}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopwatch_notifications_suppressed_total",
			Help: "Items withheld because their key is cooling down.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shopwatch_breaker_open",
			Help: "1 when a script's circuit breaker is not closed.",
		}, []string{"script"}),
		LimiterSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopwatch_limiter_skips_total",
			Help: "Browser scripts skipped for lack of a permit.",
		}),
		SnapshotSites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopwatch_snapshot_sites",
			Help: "Sites with a remembered leader.",
		}),
		StaleSites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopwatch_stale_sites",
			Help: "Sites not refreshed within the staleness threshold at the last report.",
		}),
	}
	reg.MustRegister(
		m.Runs, m.RunDuration, m.Products, m.NewItems, m.Notifications,
		m.Suppressed, m.BreakerState, m.LimiterSkips, m.SnapshotSites, m.StaleSites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun counts one execution.
func (m *Metrics) ObserveRun(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(tier, outcome).Inc()
	if d > 0 {
		m.RunDuration.WithLabelValues(tier).Observe(d.Seconds())
	}
}

// AddProducts counts extracted records.
func (m *Metrics) AddProducts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Products.Add(float64(n))
}

// AddNewItems counts detected items.
func (m *Metrics) AddNewItems(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NewItems.WithLabelValues(kind).Add(float64(n))
}

// IncNotification counts one delivery attempt; result is "sent" or "failed".
func (m *Metrics) IncNotification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// AddSuppressed counts items withheld by the cooldown.
func (m *Metrics) AddSuppressed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Suppressed.Add(float64(n))
}

// SetBreaker records whether script's breaker is open.
func (m *Metrics) SetBreaker(script string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(script).Set(v)
}

// IncLimiterSkip counts a permit timeout.
func (m *Metrics) IncLimiterSkip() {
	if m == nil {
		return
	}
	m.LimiterSkips.Inc()
}

// SetSnapshot records the snapshot gauges.
func (m *Metrics) SetSnapshot(sites, stale int) {
	if m == nil {
		return
	}
	m.SnapshotSites.Set(float64(sites))
	m.StaleSites.Set(float64(stale))
}
