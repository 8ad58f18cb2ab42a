// Package limiter caps how many browser-driven scrapers run at once.
//
// Whether a script drives a browser is decided once, by reading its source
// for a browser-automation import. Plain HTTP scrapers never take a permit.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults.
const (
	DefaultPermits = 2
	DefaultWait    = 5 * time.Second
)

var browserMarkers = []string{"playwright", "async_playwright", "browser.new_page"}

// IsBrowserScript reports whether the script source at path references a
// browser-automation library. Unreadable files are treated as plain.
func IsBrowserScript(path string) bool {
	src, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	s := string(src)
	for _, m := range browserMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Limiter is a counting permit pool for browser scripts.
type Limiter struct {
	sem     *semaphore.Weighted
	permits int
	wait    time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	browser  map[string]bool
	classify func(string) bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWait sets how long TryAcquire waits for a permit.
func WithWait(d time.Duration) Option { return func(l *Limiter) { l.wait = d } }

// WithClassifier replaces the source-reading classification.
func WithClassifier(fn func(path string) bool) Option {
	return func(l *Limiter) { l.classify = fn }
}

// New returns a Limiter with permits slots (DefaultPermits when <= 0).
func New(permits int, logger *slog.Logger, opts ...Option) *Limiter {
	if permits <= 0 {
		permits = DefaultPermits
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		sem:      semaphore.NewWeighted(int64(permits)),
		permits:  permits,
		wait:     DefaultWait,
		logger:   logger,
		browser:  make(map[string]bool),
		classify: IsBrowserScript,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Permits returns the pool size.
func (l *Limiter) Permits() int { return l.permits }

// IsBrowser returns the cached classification of path.
func (l *Limiter) IsBrowser(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.browser[path]
	if !ok {
		b = l.classify(path)
		l.browser[path] = b
		if b {
			l.logger.Debug("limiter: browser script", "script", path)
		}
	}
	return b
}

// TryAcquire takes a permit for a browser script, waiting at most the
// configured wait. Non-browser scripts always succeed without a permit.
// ok=false means the script should be skipped this tick. release is never
// nil and must be called once.
func (l *Limiter) TryAcquire(ctx context.Context, path string) (release func(), ok bool) {
	if !l.IsBrowser(path) {
		return func() {}, true
	}
	wctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := l.sem.Acquire(wctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.Warn("limiter: no browser slot, skipping", "script", path, "wait", l.wait)
		}
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, true
}
