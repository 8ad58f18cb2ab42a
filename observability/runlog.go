package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/shopwatch/dbopen"
	"github.com/hazyhaar/shopwatch/idgen"
)

// DefaultRetention is how long run rows are kept by Cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// Run is one scraper execution as recorded in the run log.
type Run struct {
	ID        string        `json:"run_id"`
	Script    string        `json:"script"`
	Tier      int           `json:"tier"`
	Outcome   string        `json:"outcome"`
	Records   int           `json:"records"`
	NewItems  int           `json:"new_items"`
	Notified  int           `json:"notified"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// RunLog writes run rows and manages their retention. Write failures are
// logged, never returned to the caller: a broken history store must not
// stop scraping.
type RunLog struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// RunLogOption configures a RunLog.
type RunLogOption func(*RunLog)

// WithRunIDGenerator sets the generator for run IDs.
func WithRunIDGenerator(gen idgen.Generator) RunLogOption {
	return func(l *RunLog) { l.newID = gen }
}

// WithRunLogClock overrides time.Now.
func WithRunLogClock(fn func() time.Time) RunLogOption {
	return func(l *RunLog) { l.now = fn }
}

// NewRunLog returns a RunLog over db. The schema must already be applied.
func NewRunLog(db *sql.DB, logger *slog.Logger, opts ...RunLogOption) *RunLog {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RunLog{
		db:     db,
		newID:  idgen.Prefixed("run_", idgen.Default),
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OpenRunLog opens (creating if needed) the SQLite file at path.
func OpenRunLog(path string, logger *slog.Logger, opts ...RunLogOption) (*RunLog, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("observability: open run log: %w", err)
	}
	return NewRunLog(db, logger, opts...), nil
}

// Close closes the underlying database.
func (l *RunLog) Close() error { return l.db.Close() }

// Append stores r, assigning an ID and a start time when missing, and
// returns the ID.
func (l *RunLog) Append(ctx context.Context, r Run) string {
	if r.ID == "" {
		r.ID = l.newID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = l.now()
	}
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, script, tier, outcome, records, new_items, notified,
			duration_ms, error, started_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Script, r.Tier, r.Outcome, r.Records, r.NewItems, r.Notified,
		r.Duration.Milliseconds(), errText, r.StartedAt.UnixMilli())
	if err != nil {
		l.logger.Error("run log: append failed", "error", err, "script", r.Script)
	}
	return r.ID
}

// Recent returns up to limit rows, newest first. A non-empty script
// restricts the result to that script.
func (l *RunLog) Recent(ctx context.Context, script string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, script, tier, outcome, records, new_items, notified,
		duration_ms, error, started_at FROM runs`
	args := []any{}
	if script != "" {
		q += ` WHERE script = ?`
		args = append(args, script)
	}
	q += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			ms, at  int64
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Script, &r.Tier, &r.Outcome, &r.Records,
			&r.NewItems, &r.Notified, &ms, &errText, &at); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errText.String
		r.StartedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary counts runs per outcome since the given time.
func (l *RunLog) Summary(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM runs WHERE started_at >= ? GROUP BY outcome`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: summary: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than retention (DefaultRetention when zero)
// and returns how many went. vacuum compacts the file afterwards.
func (l *RunLog) Cleanup(ctx context.Context, retention time.Duration, vacuum bool) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := l.now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if vacuum && n > 0 {
		if _, err := l.db.ExecContext(ctx, "VACUUM"); err != nil {
			return n, fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return n, nil
}
