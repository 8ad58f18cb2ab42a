// Package dedup remembers which product keys were already announced and
// enforces a cooldown before the same key may be announced again.
package dedup

import (
	"context"
	"time"
)

// Default windows.
const (
	DefaultCooldown  = 6 * time.Hour
	DefaultRetention = 24 * time.Hour
)

// Deduper is a durable announcement history.
type Deduper interface {
	// ShouldNotify reports whether key has not been recorded within the
	// cooldown window.
	ShouldNotify(ctx context.Context, key string) (bool, error)
	// Record marks key as announced now on behalf of site.
	Record(ctx context.Context, key, site string) error
	// Purge drops records older than olderThan and returns how many went.
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Filter keeps the items whose key may be announced and records each kept
// key before returning, so a concurrent detection of the same key sees it.
// An error from the store stops filtering; the items kept so far are
// returned alongside it.
func Filter[T any](ctx context.Context, d Deduper, site string, items []T, key func(T) string) ([]T, error) {
	var out []T
	for _, it := range items {
		k := key(it)
		ok, err := d.ShouldNotify(ctx, k)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if err := d.Record(ctx, k, site); err != nil {
			return out, err
		}
		out = append(out, it)
	}
	return out, nil
}
