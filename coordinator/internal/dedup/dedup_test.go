package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/shopwatch/dbopen"
)

func newSQLite(t *testing.T, now *time.Time) *SQLite {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewSQLite(db, nil, WithClock(func() time.Time { return *now }))
}

func TestSQLiteCooldown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newSQLite(t, &now)

	ok, err := d.ShouldNotify(ctx, "abcd1234")
	if err != nil || !ok {
		t.Fatalf("unknown key: ok=%v err=%v", ok, err)
	}
	if err := d.Record(ctx, "abcd1234", "AlphaCam_新着"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(5*time.Hour + 59*time.Minute)
	if ok, _ := d.ShouldNotify(ctx, "abcd1234"); ok {
		t.Fatal("key recorded under 6h ago must be suppressed")
	}

	now = now.Add(time.Minute)
	if ok, _ := d.ShouldNotify(ctx, "abcd1234"); !ok {
		t.Fatal("key must be announceable once the cooldown elapsed")
	}
}

func TestSQLiteRecordReplaces(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := newSQLite(t, &now)

	d.Record(ctx, "k", "A")
	now = now.Add(7 * time.Hour)
	d.Record(ctx, "k", "B")

	n, err := d.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d err=%v, want 1", n, err)
	}
	if ok, _ := d.ShouldNotify(ctx, "k"); ok {
		t.Fatal("re-recorded key must restart its cooldown")
	}
}

func TestSQLitePurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := newSQLite(t, &now)

	for i := 0; i < 120; i++ {
		d.Record(ctx, fmt.Sprintf("old%03d", i), "S")
	}
	now = now.Add(20 * time.Hour)
	d.Record(ctx, "fresh", "S")

	now = now.Add(5 * time.Hour)
	n, err := d.Purge(ctx, DefaultRetention)
	if err != nil {
		t.Fatal(err)
	}
	if n != 120 {
		t.Fatalf("purged = %d, want 120", n)
	}
	left, _ := d.Count(ctx)
	if left != 1 {
		t.Fatalf("left = %d, want 1", left)
	}
}

// WHAT: Record survives transient lock contention.
// WHY: concurrent detections of several sites write the same table.
func TestSQLiteRecordRetriesOnLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR REPLACE INTO notifications").
		WithArgs("k", "site", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fast := dbopen.Retry{Attempts: 10, Base: time.Millisecond, Max: 5 * time.Millisecond}
	d := NewSQLite(db, nil, WithRetry(fast))
	if err := d.Record(context.Background(), "k", "site"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteRecordGivesUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for range 3 {
		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	}

	d := NewSQLite(db, nil, WithRetry(dbopen.Retry{Attempts: 3, Base: time.Millisecond}))
	err = d.Record(context.Background(), "k", "site")
	var ex *dbopen.ErrRetriesExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	d := newSQLite(t, &now)
	d.Record(ctx, "b", "S")

	items := []string{"a", "b", "c", "a"}
	got, err := Filter(ctx, d, "S", items, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}
	// "b" is cooling down; the second "a" was recorded by the first.
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("got %v, want [a c]", got)
	}
}

// fakeRedis implements the two commands the deduper uses.
type fakeRedis struct {
	redis.Cmdable
	keys map[string]time.Duration
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SetEx(ctx context.Context, key string, _ interface{}, ttl time.Duration) *redis.StatusCmd {
	f.keys[key] = ttl
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func TestRedis(t *testing.T) {
	ctx := context.Background()
	f := &fakeRedis{keys: map[string]time.Duration{}}
	d := NewRedis(f, 0)

	if ok, err := d.ShouldNotify(ctx, "k"); err != nil || !ok {
		t.Fatalf("unknown key: ok=%v err=%v", ok, err)
	}
	if err := d.Record(ctx, "k", "site"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.ShouldNotify(ctx, "k"); ok {
		t.Fatal("recorded key must be suppressed")
	}
	if ttl := f.keys[redisPrefix+"k"]; ttl != DefaultCooldown {
		t.Fatalf("ttl = %v, want %v", ttl, DefaultCooldown)
	}
	if n, err := d.Purge(ctx, DefaultRetention); n != 0 || err != nil {
		t.Fatalf("purge = %d, %v", n, err)
	}
}
