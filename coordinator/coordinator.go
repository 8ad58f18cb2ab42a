// Package coordinator runs the scraper fleet: it schedules scripts in two
// tiers, turns their output into product records, detects items that
// appeared above each site's remembered leader and announces them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/shopwatch/channels"
	"github.com/hazyhaar/shopwatch/connectivity"
	"github.com/hazyhaar/shopwatch/coordinator/internal/dedup"
	"github.com/hazyhaar/shopwatch/coordinator/internal/detect"
	"github.com/hazyhaar/shopwatch/coordinator/internal/extract"
	"github.com/hazyhaar/shopwatch/coordinator/internal/format"
	"github.com/hazyhaar/shopwatch/coordinator/internal/limiter"
	"github.com/hazyhaar/shopwatch/coordinator/internal/report"
	"github.com/hazyhaar/shopwatch/coordinator/internal/runner"
	"github.com/hazyhaar/shopwatch/coordinator/internal/schedule"
	"github.com/hazyhaar/shopwatch/coordinator/internal/snapshot"
	"github.com/hazyhaar/shopwatch/observability"
	"github.com/hazyhaar/shopwatch/shops"
)

// postRunTimeout bounds detection and delivery after a script finished,
// which continue through shutdown.
const postRunTimeout = 2 * time.Minute

// Service wires every coordinator component together.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	shops    *shops.Store
	runner   *runner.Runner
	store    *snapshot.Store
	detector *detect.Detector
	dedup    dedup.Deduper
	limiter  *limiter.Limiter
	breakers *connectivity.BreakerSet
	router   *channels.Router
	runlog   *observability.RunLog
	metrics  *observability.Metrics
	stats    *Stats
	blocked  map[string]bool

	tier1 *schedule.Tier1
	tier2 *schedule.Tier2

	defaultSink channels.Sink
	classifier  func(path string) bool
}

// Option customises New. Options exist mainly for tests.
type Option func(*Service)

// WithDeduper replaces the configured notification history.
func WithDeduper(d dedup.Deduper) Option { return func(s *Service) { s.dedup = d } }

// WithRunLog replaces the configured run log.
func WithRunLog(l *observability.RunLog) Option { return func(s *Service) { s.runlog = l } }

// WithDefaultSink replaces the sink bare room ids are delivered to.
func WithDefaultSink(sink channels.Sink) Option { return func(s *Service) { s.defaultSink = sink } }

// WithClock overrides time.Now for detection, scheduling and statistics.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// WithBrowserClassifier overrides how scripts are recognised as browser
// scripts.
func WithBrowserClassifier(fn func(path string) bool) Option {
	return func(s *Service) { s.classifier = fn }
}

// New builds a Service for the scripts in shopStore. It opens the snapshot
// directory and, unless replaced by options, the notification history and
// the run log.
func New(cfg Config, shopStore *shops.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		shops:   shopStore,
		blocked: make(map[string]bool, len(cfg.BlockedScripts)),
		metrics: observability.NewMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	for _, b := range cfg.BlockedScripts {
		s.blocked[b] = true
	}
	s.stats = newStats(s.now())

	if s.defaultSink == nil {
		switch {
		case cfg.Notify.DryRun:
			s.defaultSink = channels.NewLogSink(logger)
		case cfg.Notify.ChatWorkToken == "":
			return nil, ErrMissingToken
		default:
			s.defaultSink = channels.NewChatWork(channels.ChatWorkConfig{
				Token:   cfg.Notify.ChatWorkToken,
				Timeout: cfg.Notify.HTTPTimeout,
			}, logger)
		}
	}
	s.router = channels.NewRouter(s.defaultSink, logger)
	s.router.Register(channels.NewWebhook(channels.WebhookConfig{
		Secret:       cfg.Notify.WebhookSecret,
		AllowPrivate: cfg.Notify.WebhookAllowPrivate,
		Timeout:      cfg.Notify.HTTPTimeout,
	}, logger))
	if s.defaultSink.Name() != "log" {
		s.router.Register(channels.NewLogSink(logger))
	}

	store, err := snapshot.New(cfg.SnapshotDir, logger)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.detector = detect.New(store, logger, detect.WithClock(s.now))
	s.runner = runner.New(cfg.Runner, logger)

	limOpts := []limiter.Option{limiter.WithWait(cfg.Limiter.Wait)}
	if s.classifier != nil {
		limOpts = append(limOpts, limiter.WithClassifier(s.classifier))
	}
	s.limiter = limiter.New(cfg.Limiter.Permits, logger, limOpts...)

	s.breakers = connectivity.NewBreakerSet(
		connectivity.WithBreakerThreshold(cfg.Breaker.Threshold),
		connectivity.WithBreakerResetTimeout(cfg.Breaker.ResetTimeout),
		connectivity.WithBreakerHalfOpenMax(cfg.Breaker.HalfOpenSuccesses),
		connectivity.WithBreakerClock(s.now),
	)
	s.breakers.OnChange(func(script string, from, to connectivity.BreakerState) {
		logger.Warn("breaker: state change", "script", script, "from", from.String(), "to", to.String())
		s.metrics.SetBreaker(script, to != connectivity.BreakerClosed)
	})

	if s.dedup == nil {
		if s.dedup, err = openDeduper(cfg.Dedup, logger); err != nil {
			return nil, err
		}
	}
	if s.runlog == nil && cfg.RunLog != "" {
		if s.runlog, err = observability.OpenRunLog(cfg.RunLog, logger); err != nil {
			s.dedup.Close()
			return nil, err
		}
	}

	s.tier1 = schedule.NewTier1(shopStore.Active(1), s.execFunc(1), schedule.Tier1Config{
		Calendar: cfg.Calendar,
		Tick:     cfg.Tier1.Tick,
		Now:      s.now,
	}, logger)
	s.tier2 = schedule.NewTier2(shopStore.Active(2), s.execFunc(2), schedule.Tier2Config{
		Calendar:        cfg.Calendar,
		Concurrency:     cfg.Tier2.Concurrency,
		Now:             s.now,
		AfterNightSweep: func(ctx context.Context) { s.SendReport(ctx) },
	}, logger)
	return s, nil
}

func openDeduper(cfg DedupConfig, logger *slog.Logger) (dedup.Deduper, error) {
	if cfg.Backend == BackendRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return dedup.DialRedis(ctx, cfg.RedisAddr, cfg.Cooldown)
	}
	return dedup.OpenSQLite(cfg.Path, logger, dedup.WithCooldown(cfg.Cooldown))
}

// Run starts both tiers and the housekeeping loops and blocks until ctx is
// cancelled and in-flight runs have finished.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("coordinator: starting",
		"tier1", len(s.shops.Active(1)), "tier2", len(s.shops.Active(2)),
		"browser_permits", s.limiter.Permits(), "scraper_timeout", s.runner.Timeout(),
		"snapshot_dir", s.store.Dir(), "dry_run", s.cfg.Notify.DryRun)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.tier1.Run(gctx) })
	g.Go(func() error { return s.tier2.Run(gctx) })
	g.Go(func() error {
		schedule.Every(gctx, s.cfg.Report.Interval, s.SendReport)
		return nil
	})
	g.Go(func() error {
		s.statsLoop(gctx)
		return nil
	})
	g.Go(func() error {
		schedule.Every(gctx, s.cfg.CleanupInterval, s.cleanup)
		return nil
	})
	if s.cfg.Status.Addr != "" {
		g.Go(func() error { return s.serve(gctx) })
	}

	err := g.Wait()
	s.logSummary()
	return err
}

// Close releases the stores.
func (s *Service) Close() error {
	var errs []error
	if s.dedup != nil {
		errs = append(errs, s.dedup.Close())
	}
	if s.runlog != nil {
		errs = append(errs, s.runlog.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) execFunc(tier int) schedule.ExecFunc {
	return func(ctx context.Context, script string) bool {
		return s.Execute(ctx, tier, script).Ran()
	}
}

// Execute runs script once and processes its output. It never returns an
// error: every failure is classified into the outcome and logged.
func (s *Service) Execute(ctx context.Context, tier int, script string) Outcome {
	start := s.now()
	run := observability.Run{Script: script, Tier: tier, StartedAt: start}
	outcome := s.execute(ctx, script, &run)

	run.Outcome = string(outcome)
	if run.Duration == 0 && outcome.Executed() {
		run.Duration = s.now().Sub(start)
	}
	s.stats.record(outcome, run.Records)
	s.metrics.ObserveRun(fmt.Sprint(tier), run.Outcome, run.Duration)
	s.metrics.AddProducts(run.Records)
	if s.runlog != nil {
		s.runlog.Append(context.WithoutCancel(ctx), run)
	}
	return outcome
}

func (s *Service) execute(ctx context.Context, script string, run *observability.Run) Outcome {
	log := s.logger.With("script", script)
	if s.blocked[script] {
		log.Debug("coordinator: blocked script skipped")
		return OutcomeBlocked
	}
	path, err := s.shops.Path(script)
	if err != nil {
		run.Error = err.Error()
		log.Error("coordinator: bad script path", "error", err)
		return OutcomeFailed
	}
	if _, err := os.Stat(path); err != nil {
		run.Error = err.Error()
		log.Error("coordinator: script missing", "path", path)
		return OutcomeMissing
	}

	cb, err := s.breakers.Allow(script)
	if err != nil {
		run.Error = err.Error()
		log.Info("coordinator: circuit open, skipped")
		return OutcomeSkippedCircuit
	}
	release, ok := s.limiter.TryAcquire(ctx, path)
	if !ok {
		s.metrics.IncLimiterSkip()
		return OutcomeSkippedLimiter
	}
	res, runErr := s.runner.Run(ctx, path)
	release()
	run.Duration = res.Duration

	outcome := s.classify(res, runErr, run)

	// Output of a killed run is still parsed; only the statistics call it
	// a failure.
	parsed, err := extract.Extract(res.Stdout, script)
	if err != nil {
		run.Error = err.Error()
		log.Error("coordinator: extraction failed", "error", err)
		outcome = OutcomeFailed
	}
	run.Records = parsed.Count()
	switch {
	case outcome == OutcomeSuccess && !parsed.Success():
		outcome = OutcomeEmpty
	case outcome == OutcomeFailed && runErr == nil && err == nil && parsed.Success():
		// The record count decides, not the exit status.
		log.Warn("coordinator: non-zero exit with records", "exit_code", res.ExitCode)
		outcome = OutcomeSuccess
	}

	if outcome.breakerFailure() {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}

	if parsed.Success() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postRunTimeout)
		run.NewItems, run.Notified = s.process(pctx, script, parsed)
		cancel()
	}
	log.Info("coordinator: run done",
		"outcome", outcome, "records", run.Records, "new", run.NewItems,
		"duration", run.Duration.Round(time.Millisecond))
	return outcome
}

func (s *Service) classify(res runner.Result, err error, run *observability.Run) Outcome {
	var to *runner.ErrTimeout
	switch {
	case errors.As(err, &to):
		run.Error = err.Error()
		return OutcomeTimeout
	case err != nil:
		run.Error = err.Error()
		return OutcomeFailed
	case res.ExitCode != 0:
		run.Error = fmt.Sprintf("exit status %d: %s", res.ExitCode, lastLine(res.Stderr))
		return OutcomeFailed
	}
	return OutcomeSuccess
}

// process runs detection, cooldown filtering and delivery for each
// url_index of a successful scrape. It returns how many items were new and
// how many messages were delivered.
func (s *Service) process(ctx context.Context, script string, parsed extract.Result) (newItems, delivered int) {
	order, groups := parsed.ByURLIndex()
	priority := s.shops.Priority(script)
	keyer := s.detector.Keyer()

	for _, idx := range order {
		uc, ok := s.shops.URLConfig(script, idx)
		if !ok {
			// Each url_index is its own tracked stream; borrowing another
			// row's site key would overwrite that row's leader.
			s.logger.Warn("coordinator: url_index not configured, skipped",
				"script", script, "url_index", idx, "records", len(groups[idx]))
			continue
		}
		site := uc.SiteKey()
		res, err := s.detector.Detect(detect.Input{
			Site:     site,
			Location: snapshot.Location{Script: script, URLIndex: idx, Priority: priority},
			URL:      uc.URL,
			Records:  groups[idx],
		})
		if err != nil {
			s.logger.Error("coordinator: detect failed", "site", site, "error", err)
			continue
		}
		if len(res.New) == 0 {
			continue
		}
		newItems += len(res.New)
		s.metrics.AddNewItems(res.Kind.String(), len(res.New))

		fresh, err := dedup.Filter(ctx, s.dedup, site, res.New, keyer.Key)
		if err != nil {
			s.logger.Error("coordinator: notification history", "site", site, "error", err)
		}
		s.metrics.AddSuppressed(len(res.New) - len(fresh))
		if len(fresh) == 0 {
			continue
		}
		if n, err := s.dedup.Purge(ctx, s.cfg.Dedup.Retention); err != nil {
			s.logger.Warn("coordinator: purge failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("coordinator: purged notification history", "rows", n)
		}
		if len(uc.Destinations) == 0 {
			s.logger.Info("coordinator: new items, no destination", "site", site, "items", len(fresh))
			continue
		}

		msg := format.NewItems(format.Site{
			Display:  uc.DisplayName,
			Category: uc.Category,
			URL:      uc.URL,
			URLIndex: idx,
		}, fresh)
		n, err := s.router.SendAll(ctx, msg, uc.Destinations)
		for range n {
			s.metrics.IncNotification("sent")
		}
		for range len(uc.Destinations) - n {
			s.metrics.IncNotification("failed")
		}
		if err != nil {
			s.logger.Error("coordinator: delivery failed", "site", site, "error", err)
		}
		if n > 0 {
			delivered += n
			s.tier1.NotifySent(script)
			s.logger.Info("coordinator: notified", "site", site, "items", len(fresh), "destinations", n)
		}
	}
	return newItems, delivered
}

// Report builds the staleness report over every snapshot.
func (s *Service) Report() (report.Report, error) {
	all, err := s.store.All()
	if err != nil {
		return report.Report{}, err
	}
	r := report.Generate(all, s.now(), s.cfg.Report.Threshold)
	s.metrics.SetSnapshot(r.Total, len(r.Stale))
	return r, nil
}

// SendReport delivers the staleness report to the admin room.
func (s *Service) SendReport(ctx context.Context) {
	r, err := s.Report()
	if err != nil {
		s.logger.Error("report: generate", "error", err)
		return
	}
	s.logger.Info("report: generated", "total", r.Total, "fresh", len(r.Fresh), "stale", len(r.Stale))
	if s.cfg.Notify.AdminRoom == "" {
		return
	}
	if err := s.router.Send(ctx, report.Format(r), s.cfg.Notify.AdminRoom); err != nil {
		s.logger.Error("report: send", "error", err)
	}
}

// Stats returns the run counters.
func (s *Service) Stats() StatsSnapshot {
	return s.stats.snapshot(s.now(), s.tier2.Last().Cycle)
}

func (s *Service) statsLoop(ctx context.Context) {
	tick := 0
	schedule.Every(ctx, s.cfg.StatsInterval, func(context.Context) {
		tick++
		if tick%3 != 0 {
			return
		}
		st := s.Stats()
		attrs := []any{
			"executions", st.TotalExecutions,
			"success_rate", fmt.Sprintf("%.1f%%", st.SuccessRate),
			"products", st.TotalProducts,
		}
		if ss, err := s.store.Stats(); err == nil {
			attrs = append(attrs, "snapshot_sites", ss.TotalSites, "p1_files", ss.P1Files, "p2_shared", ss.P2Shared)
		}
		s.logger.Info("stats: periodic", attrs...)
	})
}

func (s *Service) cleanup(ctx context.Context) {
	if s.runlog != nil {
		if n, err := s.runlog.Cleanup(ctx, s.cfg.RunRetention, false); err != nil {
			s.logger.Warn("cleanup: run log", "error", err)
		} else if n > 0 {
			s.logger.Info("cleanup: run log", "deleted", n)
		}
	}
	if _, err := s.dedup.Purge(ctx, s.cfg.Dedup.Retention); err != nil {
		s.logger.Warn("cleanup: notification history", "error", err)
	}
}

func (s *Service) logSummary() {
	st := s.Stats()
	s.logger.Info("coordinator: stopped",
		"uptime", st.Uptime, "cycles", st.Cycles,
		"executions", st.TotalExecutions, "successful", st.SuccessfulExecutions,
		"success_rate", fmt.Sprintf("%.1f%%", st.SuccessRate), "products", st.TotalProducts)
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
