package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/shopwatch/dbopen"
)

// Schema is the notification history table.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
	product_key TEXT PRIMARY KEY,
	site_name   TEXT NOT NULL,
	notified_at TIMESTAMP NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_notified_at ON notifications(notified_at);
`

// vacuumAfter is the purge size above which the file is compacted.
const vacuumAfter = 100

// timeLayout is fixed-width UTC so string comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is a Deduper backed by an SQLite table.
type SQLite struct {
	db       *sql.DB
	cooldown time.Duration
	retry    dbopen.Retry
	now      func() time.Time
	logger   *slog.Logger
}

// SQLiteOption configures an SQLite deduper.
type SQLiteOption func(*SQLite)

// WithCooldown sets the re-announcement window. Default 6h.
func WithCooldown(d time.Duration) SQLiteOption { return func(s *SQLite) { s.cooldown = d } }

// WithRetry sets the lock-contention backoff policy.
func WithRetry(r dbopen.Retry) SQLiteOption { return func(s *SQLite) { s.retry = r } }

// WithClock sets the time source.
func WithClock(fn func() time.Time) SQLiteOption { return func(s *SQLite) { s.now = fn } }

// NewSQLite wraps db. The schema must already exist; OpenSQLite creates it.
func NewSQLite(db *sql.DB, logger *slog.Logger, opts ...SQLiteOption) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLite{
		db:       db,
		cooldown: DefaultCooldown,
		retry:    dbopen.DefaultRetry(),
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenSQLite opens (creating if needed) the history database at path.
func OpenSQLite(path string, logger *slog.Logger, opts ...SQLiteOption) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	return NewSQLite(db, logger, opts...), nil
}

// ShouldNotify is a plain read against the cooldown window.
func (s *SQLite) ShouldNotify(ctx context.Context, key string) (bool, error) {
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT notified_at FROM notifications WHERE product_key = ?`, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup: should notify: %w", err)
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		s.logger.Warn("dedup: unparseable notified_at, allowing", "key", key, "value", at)
		return true, nil
	}
	return s.now().Sub(t) >= s.cooldown, nil
}

// Record upserts key with the current time.
func (s *SQLite) Record(ctx context.Context, key, site string) error {
	at := stamp(s.now())
	err := dbopen.RunTx(ctx, s.db, s.retry, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO notifications (product_key, site_name, notified_at) VALUES (?, ?, ?)`,
			key, site, at)
		return err
	}, s.onRetry("record"))
	if err != nil {
		return fmt.Errorf("dedup: record %s: %w", key, err)
	}
	return nil
}

// Purge deletes records older than olderThan, then vacuums when more than
// a hundred rows went.
func (s *SQLite) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := stamp(s.now().Add(-olderThan))
	var n int64
	err := dbopen.RunTx(ctx, s.db, s.retry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE notified_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}, s.onRetry("purge"))
	if err != nil {
		return 0, fmt.Errorf("dedup: purge: %w", err)
	}
	if n > vacuumAfter {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			s.logger.Warn("dedup: vacuum failed", "error", err)
		} else {
			s.logger.Info("dedup: vacuumed", "purged", n)
		}
	}
	if n > 0 {
		s.logger.Debug("dedup: purged", "rows", n)
	}
	return int(n), nil
}

// Count returns the number of remembered keys.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dedup: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) onRetry(op string) func(int, time.Duration, error) {
	return func(attempt int, wait time.Duration, err error) {
		s.logger.Warn("dedup: database locked, retrying",
			"op", op, "attempt", attempt, "wait", wait, "error", err)
	}
}

func stamp(t time.Time) string { return t.UTC().Format(timeLayout) }
