package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/shopwatch/coordinator/internal/dedup"
	"github.com/hazyhaar/shopwatch/coordinator/internal/runner"
	"github.com/hazyhaar/shopwatch/dbopen"
	"github.com/hazyhaar/shopwatch/horosafe"
	"github.com/hazyhaar/shopwatch/observability"
	"github.com/hazyhaar/shopwatch/shops"
)

type sent struct {
	text, room string
}

type recordSink struct {
	mu  sync.Mutex
	got []sent
}

func (r *recordSink) Name() string { return "chatwork" }

func (r *recordSink) Send(_ context.Context, text, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sent{text, room})
	return nil
}

func (r *recordSink) messages() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.got...)
}

// countingDeduper counts purges of the wrapped history.
type countingDeduper struct {
	dedup.Deduper
	purges atomic.Int32
}

func (c *countingDeduper) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	c.purges.Add(1)
	return c.Deduper.Purge(ctx, olderThan)
}

type fixture struct {
	svc   *Service
	sink  *recordSink
	dir   string
	now   time.Time
	runs  *observability.RunLog
	dedup *countingDeduper
	clock func() time.Time
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func runnerConfig() runner.Config {
	return runner.Config{Interpreter: "/bin/sh", Timeout: 10 * time.Second, WaitDelay: time.Second}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		sink: &recordSink{},
		dir:  t.TempDir(),
		now:  time.Date(2026, 4, 1, 14, 0, 0, 0, time.Local),
	}
	f.clock = func() time.Time { return f.now }

	rows := []shops.URLConfig{
		{Script: "alpha.py", DisplayName: "AlphaCam", Category: "新着", URL: "https://alpha.example/new",
			Priority: 1, Active: true, Destinations: []string{"385402385"}},
		{Script: "beta.py", DisplayName: "BetaShop", Category: "新着", URL: "https://beta.example/",
			Priority: 2, Active: true},
		{Script: "broken.py", DisplayName: "Broken", Category: "新着", Priority: 2, Active: true},
		{Script: "gone.py", DisplayName: "Gone", Category: "新着", Priority: 2, Active: true},
		{Script: "nope.py", DisplayName: "Nope", Category: "新着", Priority: 2, Active: true},
	}
	f.write(t, "beta.py", "echo 'Pentax MX 25,000円'")
	f.write(t, "broken.py", "echo 'Traceback: boom' >&2\nexit 1")
	f.write(t, "nope.py", "echo 'Pentax MX 25,000円'")

	cfg := Config{
		ScriptDir:      f.dir,
		SnapshotDir:    t.TempDir(),
		Runner:         runnerConfig(),
		Breaker:        BreakerConfig{Threshold: 2},
		BlockedScripts: []string{"nope.py"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.runs = observability.NewRunLog(dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema)), quiet(),
		observability.WithRunLogClock(f.clock))
	f.dedup = &countingDeduper{Deduper: dedup.NewSQLite(dbopen.OpenMemory(t, dbopen.WithSchema(dedup.Schema)), quiet())}

	svc, err := New(cfg, shops.New(f.dir, rows), quiet(),
		WithDefaultSink(f.sink),
		WithDeduper(f.dedup),
		WithRunLog(f.runs),
		WithClock(f.clock),
		WithBrowserClassifier(func(string) bool { return false }),
	)
	if err != nil {
		t.Fatal(err)
	}
	f.svc = svc
	return f
}

func (f *fixture) write(t *testing.T, script, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, script), []byte(body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) products(t *testing.T, script string, lines ...string) {
	t.Helper()
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("echo '" + l + "'\n")
	}
	b.WriteString("echo 'SUCCESS'")
	f.write(t, script, b.String())
}

func TestExecute_DetectAndNotify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// WHAT: first run records the leader silently.
	// WHY: a cold start must not flood every room.
	f.products(t, "alpha.py", "Leica M6 black 280,000円", "Nikon F3 45,000円")
	if got := f.svc.Execute(ctx, 1, "alpha.py"); got != OutcomeSuccess {
		t.Fatalf("first run = %s", got)
	}
	if n := len(f.sink.messages()); n != 0 {
		t.Fatalf("first run sent %d messages", n)
	}

	f.now = f.now.Add(time.Minute)
	f.products(t, "alpha.py", "Canon AE-1 30,000円", "Leica M6 black 280,000円", "Nikon F3 45,000円")
	if got := f.svc.Execute(ctx, 1, "alpha.py"); got != OutcomeSuccess {
		t.Fatalf("second run = %s", got)
	}
	msgs := f.sink.messages()
	if len(msgs) != 1 || msgs[0].room != "385402385" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "Canon AE-1") || strings.Contains(msgs[0].text, "Leica") {
		t.Fatalf("message = %q", msgs[0].text)
	}

	// Same list again: leader unchanged.
	f.now = f.now.Add(time.Minute)
	f.svc.Execute(ctx, 1, "alpha.py")
	if n := len(f.sink.messages()); n != 1 {
		t.Fatalf("unchanged leader sent again, %d messages", n)
	}

	// Leader lost: the top of the list is announced.
	f.now = f.now.Add(time.Minute)
	f.products(t, "alpha.py", "Contax T2 98,000円", "Leica M6 black 280,000円")
	f.svc.Execute(ctx, 1, "alpha.py")
	msgs = f.sink.messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].text, "Contax T2") || !strings.Contains(msgs[1].text, "Leica M6") {
		t.Fatalf("leader lost messages = %+v", msgs)
	}

	// Canon climbs back above the leader but was announced minutes ago.
	f.now = f.now.Add(time.Minute)
	f.products(t, "alpha.py", "Canon AE-1 30,000円", "Contax T2 98,000円")
	f.svc.Execute(ctx, 1, "alpha.py")
	if n := len(f.sink.messages()); n != 2 {
		t.Fatalf("cooling item announced again, %d messages", n)
	}
	// History is purged only after batches that produced a message.
	if n := f.dedup.purges.Load(); n != 2 {
		t.Fatalf("purges = %d, want 2", n)
	}

	st := f.svc.Stats()
	if st.TotalExecutions != 5 || st.SuccessfulExecutions != 5 || st.TotalProducts != 12 {
		t.Fatalf("stats = %+v", st)
	}
	runs, err := f.runs.Recent(ctx, "alpha.py", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 5 || runs[0].NewItems != 1 || runs[0].Notified != 0 || runs[1].NewItems != 2 || runs[1].Notified != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestExecute_Outcomes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if got := f.svc.Execute(ctx, 2, "nope.py"); got != OutcomeBlocked {
		t.Errorf("blocked = %s", got)
	}
	if got := f.svc.Execute(ctx, 2, "gone.py"); got != OutcomeMissing {
		t.Errorf("missing = %s", got)
	}
	f.write(t, "quiet.py", "echo 'nothing today'")
	if got := f.svc.Execute(ctx, 2, "quiet.py"); got != OutcomeEmpty {
		t.Errorf("empty = %s", got)
	}

	// Threshold 2: the third call is refused by the breaker.
	for i := range 2 {
		if got := f.svc.Execute(ctx, 2, "broken.py"); got != OutcomeFailed {
			t.Fatalf("broken run %d = %s", i, got)
		}
	}
	got := f.svc.Execute(ctx, 2, "broken.py")
	if got != OutcomeSkippedCircuit {
		t.Fatalf("after failures = %s", got)
	}
	if got.Ran() {
		t.Fatal("circuit skip must be retried by the next sweep")
	}
	runs, err := f.runs.Recent(ctx, "broken.py", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !strings.Contains(runs[0].Error, "circuit open: broken.py") {
		t.Fatalf("skipped run = %+v", runs)
	}

	st := f.svc.Stats()
	if st.Outcomes[OutcomeFailed] != 2 || st.Outcomes[OutcomeSkippedCircuit] != 1 || st.TotalExecutions != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestExecute_NonZeroExitWithRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "beta.py", "echo 'Pentax MX 25,000円'\nexit 2")
	if got := f.svc.Execute(context.Background(), 2, "beta.py"); got != OutcomeSuccess {
		t.Fatalf("outcome = %s", got)
	}
}

func TestExecute_UnconfiguredURLIndexSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "beta.py", "echo 'Leica M6 black 280,000円'\necho '---URL_INDEX:3---'\necho 'Nikon F3 body 45,000円'")

	// WHAT: an index without a config row never touches the configured stream.
	// WHY: sharing index 0's site key would swap leaders on every run.
	for i := range 3 {
		f.now = f.now.Add(6 * time.Minute)
		if got := f.svc.Execute(ctx, 2, "beta.py"); got != OutcomeSuccess {
			t.Fatalf("run %d = %s", i, got)
		}
	}
	runs, err := f.runs.Recent(ctx, "beta.py", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %+v", runs)
	}
	for _, r := range runs {
		if r.Records != 2 || r.NewItems != 0 {
			t.Fatalf("run = %+v", r)
		}
	}
	all, err := f.svc.store.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Site != "BetaShop_新着" || !strings.Contains(all[0].Entry.Name, "Leica M6") {
		t.Fatalf("snapshots = %+v", all)
	}
}

func TestNew_ValidatesAfterOverrides(t *testing.T) {
	base := func() Config {
		return Config{SnapshotDir: t.TempDir(), Notify: NotifyConfig{DryRun: true}}
	}
	memDedup := func() Option {
		return WithDeduper(dedup.NewSQLite(dbopen.OpenMemory(t, dbopen.WithSchema(dedup.Schema)), quiet()))
	}
	store := shops.New(t.TempDir(), nil)

	cfg := base()
	cfg.Dedup.Backend = BackendRedis
	if _, err := New(cfg, store, quiet(), memDedup()); err == nil {
		t.Fatal("redis backend without address accepted")
	}
	cfg.Dedup.RedisAddr = "redis:6379"
	cfg.RunLog = filepath.Join(t.TempDir(), "runs.db")
	svc, err := New(cfg, store, quiet(), memDedup())
	if err != nil {
		t.Fatalf("redis backend with address: %v", err)
	}
	svc.Close()

	cfg = base()
	cfg.Dedup.Backend = "etcd"
	if _, err := New(cfg, store, quiet(), memDedup()); err == nil {
		t.Fatal("unknown backend accepted")
	}

	cfg = base()
	cfg.Notify.WebhookSecret = "short"
	if _, err := New(cfg, store, quiet(), memDedup()); !errors.Is(err, horosafe.ErrSecretTooShort) {
		t.Fatalf("short webhook secret: %v", err)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{SnapshotDir: t.TempDir()}, shops.New(t.TempDir(), nil), quiet())
	if err != ErrMissingToken {
		t.Fatalf("err = %v", err)
	}
}

func TestSendReport(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Notify.AdminRoom = "999" })
	ctx := context.Background()
	f.svc.Execute(ctx, 2, "beta.py")
	f.products(t, "alpha.py", "Leica M6 black 280,000円")
	f.svc.Execute(ctx, 1, "alpha.py")

	f.now = f.now.Add(45 * time.Minute)
	f.svc.SendReport(ctx)
	msgs := f.sink.messages()
	if len(msgs) != 1 || msgs[0].room != "999" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "[P1] AlphaCam_新着") || !strings.Contains(msgs[0].text, "[P2] BetaShop_新着") {
		t.Fatalf("report = %q", msgs[0].text)
	}
}

func TestHandler(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "shopwatch.log")
	os.WriteFile(logFile, []byte("one\ntwo\nthree\n"), 0o644)
	f := newFixture(t, func(c *Config) { c.Log.File = logFile })
	f.svc.Execute(context.Background(), 2, "beta.py")

	srv := httptest.NewServer(f.svc.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Fatalf("/healthz = %d", code)
	}

	code, body := get("/api/stats")
	var st StatsSnapshot
	if code != http.StatusOK || json.Unmarshal([]byte(body), &st) != nil || st.TotalExecutions != 1 {
		t.Fatalf("/api/stats = %d %s", code, body)
	}

	code, body = get("/api/runs?limit=5")
	var runs []observability.Run
	if code != http.StatusOK || json.Unmarshal([]byte(body), &runs) != nil || len(runs) != 1 || runs[0].Script != "beta.py" {
		t.Fatalf("/api/runs = %d %s", code, body)
	}

	var sum struct {
		Outcomes map[string]int `json:"outcomes"`
	}
	code, body = get("/api/runs/summary?hours=1")
	if code != http.StatusOK || json.Unmarshal([]byte(body), &sum) != nil || sum.Outcomes["success"] != 1 {
		t.Fatalf("/api/runs/summary = %d %s", code, body)
	}
	var shopList map[string][]shops.URLConfig
	code, body = get("/api/shops")
	if code != http.StatusOK || json.Unmarshal([]byte(body), &shopList) != nil ||
		len(shopList) != 5 || shopList["alpha.py"][0].DisplayName != "AlphaCam" {
		t.Fatalf("/api/shops = %d %s", code, body)
	}

	if code, body = get("/api/snapshots"); code != http.StatusOK || !strings.Contains(body, "BetaShop_新着") {
		t.Fatalf("/api/snapshots = %d %s", code, body)
	}
	if code, body = get("/api/report?format=text"); code != http.StatusOK || !strings.Contains(body, "全サイト正常更新中") {
		t.Fatalf("/api/report = %d %s", code, body)
	}
	if code, body = get("/api/schedule"); code != http.StatusOK || !strings.Contains(body, "alpha.py") {
		t.Fatalf("/api/schedule = %d %s", code, body)
	}
	if code, body = get("/logs/tail?n=2"); code != http.StatusOK || body != "two\nthree\n" {
		t.Fatalf("/logs/tail = %d %q", code, body)
	}
	if code, body = get("/metrics"); code != http.StatusOK || !strings.Contains(body, `shopwatch_runs_total{outcome="success",tier="2"} 1`) {
		t.Fatalf("/metrics = %d", code)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfigFile(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Limiter.Permits != 3 || cfg.Dedup.Cooldown != 6*time.Hour || cfg.Runner.Timeout != 0 {
		t.Fatalf("defaults = %+v", cfg)
	}

	p := filepath.Join(dir, "shopwatch.yaml")
	os.WriteFile(p, []byte(`
shop_file: shops.yaml
runner:
  interpreter: python3.12
  timeout: 90s
calendar:
  night_start: 2
  night_end: 6
limiter:
  permits: 2
notify:
  admin_room: "123"
  dry_run: true
blocked_scripts: [old.py]
`), 0o644)
	cfg, err = LoadConfigFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ShopFile != "shops.yaml" || cfg.Runner.Timeout != 90*time.Second || cfg.Calendar.NightEnd != 6 ||
		cfg.Limiter.Permits != 2 || !cfg.Notify.DryRun || cfg.BlockedScripts[0] != "old.py" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Calendar.HotInterval != time.Minute {
		t.Fatalf("calendar defaults not applied: %+v", cfg.Calendar)
	}

	// Backend checks wait for New: the address may come from REDIS_ADDR.
	os.WriteFile(p, []byte("dedup:\n  backend: redis\n"), 0o644)
	if cfg, err = LoadConfigFile(p); err != nil || cfg.Dedup.Backend != BackendRedis {
		t.Fatalf("redis config without address: %+v, %v", cfg.Dedup, err)
	}
}
