package coordinator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/shopwatch/coordinator/internal/runner"
	"github.com/hazyhaar/shopwatch/coordinator/internal/schedule"
	"github.com/hazyhaar/shopwatch/horosafe"
)

// Config is the coordinator configuration, usually read from YAML.
// Durations are Go duration strings ("120s", "6h").
type Config struct {
	ShopFile    string `yaml:"shop_file"`
	ScriptDir   string `yaml:"script_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	RunLog      string `yaml:"run_log"`

	Runner   runner.Config     `yaml:"runner"`
	Calendar schedule.Calendar `yaml:"calendar"`
	Tier1    Tier1Config       `yaml:"tier1"`
	Tier2    Tier2Config       `yaml:"tier2"`
	Limiter  LimiterConfig     `yaml:"limiter"`
	Breaker  BreakerConfig     `yaml:"breaker"`
	Dedup    DedupConfig       `yaml:"dedup"`
	Notify   NotifyConfig      `yaml:"notify"`
	Report   ReportConfig      `yaml:"report"`
	Status   StatusConfig      `yaml:"status"`
	Log      LogConfig         `yaml:"log"`

	StatsInterval time.Duration `yaml:"stats_interval"`
	// RunRetention is how long run log rows are kept; CleanupInterval is
	// how often old rows and notification records are purged.
	RunRetention    time.Duration `yaml:"run_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// BlockedScripts are never executed.
	BlockedScripts []string `yaml:"blocked_scripts"`
}

// Tier1Config tunes the adaptive loop.
type Tier1Config struct {
	Tick time.Duration `yaml:"tick"`
}

// Tier2Config tunes the sweep loop.
type Tier2Config struct {
	Concurrency int `yaml:"concurrency"`
}

// LimiterConfig bounds concurrent browser scripts.
type LimiterConfig struct {
	Permits int           `yaml:"permits"`
	Wait    time.Duration `yaml:"wait"`
}

// BreakerConfig is applied to every per-script breaker.
type BreakerConfig struct {
	Threshold         int           `yaml:"threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
}

// DedupConfig selects and tunes the notification history.
type DedupConfig struct {
	// Backend is "sqlite" or "redis".
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	RedisAddr string        `yaml:"redis_addr"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Retention time.Duration `yaml:"retention"`
}

// NotifyConfig configures outbound messages.
type NotifyConfig struct {
	// ChatWorkToken is normally injected from CHATWORK_TOKEN.
	ChatWorkToken string `yaml:"-"`
	// DefaultRoom replaces "true" in a shop row's notification_enabled.
	DefaultRoom string `yaml:"default_room"`
	// AdminRoom receives staleness reports. Empty disables them.
	AdminRoom string `yaml:"admin_room"`
	// DryRun logs messages instead of sending them.
	DryRun      bool          `yaml:"dry_run"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	WebhookSecret       string `yaml:"webhook_secret"`
	WebhookAllowPrivate bool   `yaml:"webhook_allow_private"`
}

// ReportConfig schedules the staleness report.
type ReportConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold time.Duration `yaml:"threshold"`
}

// StatusConfig configures the status HTTP server. An empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig names the rotated log file that /logs/tail reads.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Dedup backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// LoadConfigFile reads path. A missing file yields the defaults. The result
// is validated by New, after environment overrides.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("coordinator: read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("coordinator: parse config %s: %w", path, err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) defaults() {
	if c.ShopFile == "" {
		c.ShopFile = "shop_config.json"
	}
	if c.ScriptDir == "" {
		c.ScriptDir = "."
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "snapshots"
	}
	if c.RunLog == "" {
		c.RunLog = "data/runs.db"
	}
	c.Calendar.Defaults()
	if c.Limiter.Permits <= 0 {
		c.Limiter.Permits = 3
	}
	if c.Limiter.Wait <= 0 {
		c.Limiter.Wait = 5 * time.Second
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 10 * time.Minute
	}
	if c.Breaker.HalfOpenSuccesses <= 0 {
		c.Breaker.HalfOpenSuccesses = 3
	}
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = BackendSQLite
	}
	if c.Dedup.Path == "" {
		c.Dedup.Path = "data/notification_history.db"
	}
	if c.Dedup.Cooldown <= 0 {
		c.Dedup.Cooldown = 6 * time.Hour
	}
	if c.Dedup.Retention <= 0 {
		c.Dedup.Retention = 24 * time.Hour
	}
	if c.Notify.HTTPTimeout <= 0 {
		c.Notify.HTTPTimeout = 10 * time.Second
	}
	if c.Report.Interval <= 0 {
		c.Report.Interval = 30 * time.Minute
	}
	if c.Report.Threshold <= 0 {
		c.Report.Threshold = 30 * time.Minute
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 2
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Minute
	}
	if c.RunRetention <= 0 {
		c.RunRetention = 7 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Dedup.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Dedup.RedisAddr == "" {
			return errors.New("coordinator: dedup backend redis needs redis_addr")
		}
	default:
		return fmt.Errorf("coordinator: unknown dedup backend %q", c.Dedup.Backend)
	}
	if c.Notify.WebhookSecret != "" {
		if err := horosafe.ValidateSecret([]byte(c.Notify.WebhookSecret)); err != nil {
			return fmt.Errorf("coordinator: notify.webhook_secret: %w", err)
		}
	}
	return nil
}
