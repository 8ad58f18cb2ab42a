package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// IsBusy reports whether err indicates lock contention on the database.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "locked")
}

// Retry is the backoff policy applied by RunTx when a transaction hits
// lock contention: Base doubled per attempt, plus up to Jitter, capped at Max.
type Retry struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   time.Duration

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultRetry returns 10 attempts, 50ms base, 100ms jitter, 5s cap.
func DefaultRetry() Retry {
	return Retry{
		Attempts: 10,
		Base:     50 * time.Millisecond,
		Max:      5 * time.Second,
		Jitter:   100 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (r Retry) Delay(attempt int) time.Duration {
	d := r.Base
	for i := 0; i < attempt && (r.Max <= 0 || d < r.Max); i++ {
		d *= 2
	}
	if r.Jitter > 0 {
		rnd := rand.Float64
		if r.Rand != nil {
			rnd = r.Rand
		}
		d += time.Duration(rnd() * float64(r.Jitter))
	}
	if r.Max > 0 && d > r.Max {
		d = r.Max
	}
	return d
}

// ErrRetriesExhausted is returned when every attempt hit lock contention.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("dbopen: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// RunTx executes fn inside a transaction, retrying the whole transaction
// while the failure is lock contention. onRetry, when non-nil, is told
// about each retry before the wait.
func RunTx(ctx context.Context, db *sql.DB, r Retry, fn func(*sql.Tx) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := range attempts {
		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		last = err
		if i == attempts-1 {
			break
		}
		wait := r.Delay(i)
		if onRetry != nil {
			onRetry(i+1, wait, err)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return fmt.Errorf("dbopen: context cancelled during retry: %w", err)
		}
	}
	return &ErrRetriesExhausted{Attempts: attempts, Last: last}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
