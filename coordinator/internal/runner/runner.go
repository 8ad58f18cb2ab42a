// Package runner executes one scraper script as a child process.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Defaults.
const (
	DefaultInterpreter = "python3"
	DefaultTimeout     = 120 * time.Second

	// maxCapture bounds what is kept of stdout. It is well above what the
	// extractor accepts, so an oversized run is still reported as such.
	maxCapture = 4 << 20
)

// Config controls how scripts are launched.
type Config struct {
	Interpreter string        `yaml:"interpreter"`
	Timeout     time.Duration `yaml:"timeout"`
	// WaitDelay bounds how long Run waits for output pipes after the
	// process was killed.
	WaitDelay time.Duration `yaml:"wait_delay"`
	Env       []string      `yaml:"env"`
}

func (c *Config) defaults() {
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 5 * time.Second
	}
}

// Result is the outcome of one execution.
type Result struct {
	Script   string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner launches scripts.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Timeout returns the per-run timeout.
func (r *Runner) Timeout() time.Duration { return r.cfg.Timeout }

// Run executes script with no arguments and waits for it.
//
// Cancelling ctx does not kill a running child: shutdown lets in-flight
// runs finish or time out. A non-zero exit is reported in Result, not as an
// error. On timeout the child is killed and Result carries whatever stdout
// was flushed before the kill, together with an *ErrTimeout.
func (r *Runner) Run(ctx context.Context, script string) (Result, error) {
	res := Result{Script: script, ExitCode: -1}

	abs, err := filepath.Abs(script)
	if err != nil {
		return res, fmt.Errorf("runner: %s: %w", script, err)
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, r.cfg.Interpreter, "-u", abs)
	cmd.Dir = filepath.Dir(abs)
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, r.cfg.Env...)
	cmd.WaitDelay = r.cfg.WaitDelay

	var stdout, stderr capped
	stdout.limit, stderr.limit = maxCapture, 64<<10
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = decode(stdout.Bytes())
	res.Stderr = decode(stderr.Bytes())
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		r.logger.Warn("runner: timeout, killed",
			"script", script, "timeout", r.cfg.Timeout, "partial_bytes", stdout.Len())
		return res, &ErrTimeout{Script: script, Timeout: r.cfg.Timeout}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		r.logger.Debug("runner: non-zero exit", "script", script, "code", res.ExitCode)
	default:
		return res, fmt.Errorf("runner: start %s: %w", script, err)
	}
	if stdout.dropped > 0 {
		r.logger.Warn("runner: stdout truncated", "script", script, "dropped_bytes", stdout.dropped)
	}
	return res, nil
}

// decode turns child output into valid UTF-8, replacing invalid sequences
// with U+FFFD.
func decode(b []byte) string {
	out, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(out)
}

// capped is a buffer that silently drops bytes past limit.
type capped struct {
	bytes.Buffer
	limit   int
	dropped int
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.limit - c.Buffer.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.dropped += len(p) - room
		c.Buffer.Write(p[:room])
		return len(p), nil
	}
	return c.Buffer.Write(p)
}
