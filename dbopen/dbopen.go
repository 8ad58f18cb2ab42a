// Package dbopen opens the SQLite files shopwatch keeps (notification
// history, run log). Every handle gets WAL journaling, a 30s busy timeout
// and synchronous=NORMAL before any schema runs.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/notification_history.db", dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
//
// Tests use OpenMemory(t).
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const busyTimeoutMs = 30_000

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
	"PRAGMA synchronous = NORMAL",
}

type options struct {
	mkdirAll bool
	schemas  []string
}

// Option customises Open.
type Option func(*options)

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema queues DDL to run after the pragmas. It should be idempotent.
func WithSchema(ddl string) Option {
	return func(o *options) { o.schemas = append(o.schemas, ddl) }
}

// Open opens path with the "sqlite" driver. The caller blank-imports
// modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := setup(db, o.schemas); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(db *sql.DB, schemas []string) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

// OpenMemory opens a private in-memory database closed by t.Cleanup.
// It holds a single connection: each ":memory:" connection is its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
