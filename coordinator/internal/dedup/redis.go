package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "shopwatch:notified:"

// Redis is a Deduper over a shared Redis instance. Entries expire on their
// own after the cooldown, so Purge has nothing to do.
type Redis struct {
	client   redis.Cmdable
	closer   func() error
	cooldown time.Duration
}

// NewRedis wraps client. cooldown <= 0 means DefaultCooldown.
func NewRedis(client redis.Cmdable, cooldown time.Duration) *Redis {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	r := &Redis{client: client, cooldown: cooldown, closer: func() error { return nil }}
	if c, ok := client.(interface{ Close() error }); ok {
		r.closer = c.Close
	}
	return r
}

// DialRedis connects to addr and checks it answers.
func DialRedis(ctx context.Context, addr string, cooldown time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedup: redis ping %s: %w", addr, err)
	}
	return NewRedis(client, cooldown), nil
}

func (r *Redis) key(k string) string { return redisPrefix + k }

// ShouldNotify reports whether the key has expired or was never set.
func (r *Redis) ShouldNotify(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis exists: %w", err)
	}
	return n == 0, nil
}

// Record sets the key with the cooldown as its TTL.
func (r *Redis) Record(ctx context.Context, key, site string) error {
	if err := r.client.SetEx(ctx, r.key(key), site, r.cooldown).Err(); err != nil {
		return fmt.Errorf("dedup: redis set: %w", err)
	}
	return nil
}

// Purge is a no-op: Redis expires keys itself.
func (r *Redis) Purge(context.Context, time.Duration) (int, error) { return 0, nil }

// Close closes the client when it owns one.
func (r *Redis) Close() error { return r.closer() }
