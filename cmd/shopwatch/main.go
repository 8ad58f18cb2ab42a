// Command shopwatch runs the scraper coordinator in the foreground until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/shopwatch/coordinator"
	"github.com/hazyhaar/shopwatch/shops"
)

func main() {
	cfg, err := coordinator.LoadConfigFile(env("SHOPWATCH_CONFIG", "shopwatch.yaml"))
	if err != nil {
		fatal("config", err)
	}
	applyEnv(&cfg, os.Getenv)

	logger, closeLog := newLogger(env("LOG_LEVEL", "info"), cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shopStore, err := shops.Open(cfg.ShopFile, cfg.ScriptDir, shops.LoadOptions{DefaultRoom: cfg.Notify.DefaultRoom})
	if err != nil {
		fatal("shop config", err)
	}

	svc, err := coordinator.New(cfg, shopStore, logger)
	if err != nil {
		fatal("coordinator", err)
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		slog.Error("coordinator stopped with error", "error", err)
		svc.Close()
		os.Exit(1)
	}
}

// newLogger builds a JSON logger on stdout, teed to a rotated file when
// one is configured.
func newLogger(level string, lc coordinator.LogConfig) (*slog.Logger, func()) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			fatal("log dir", err)
		}
		rot := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
		}
		w = io.MultiWriter(os.Stdout, rot)
		closeFn = func() { rot.Close() }
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn
}

// applyEnv overrides file settings with the environment. Validation happens
// afterwards, in coordinator.New.
func applyEnv(cfg *coordinator.Config, getenv func(string) string) {
	if v := envSeconds(getenv("SCRAPER_TIMEOUT")); v > 0 {
		cfg.Runner.Timeout = v
	}
	if v := envSeconds(getenv("HTTP_TIMEOUT")); v > 0 {
		cfg.Notify.HTTPTimeout = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Dedup.RedisAddr = v
	}
	if v := getenv("STATUS_ADDR"); v != "" {
		cfg.Status.Addr = v
	}
	cfg.Notify.ChatWorkToken = getenv("CHATWORK_TOKEN")
}

func fatal(what string, err error) {
	slog.Error(what, "error", err)
	os.Exit(1)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envSeconds(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
