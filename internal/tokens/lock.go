package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// NoopLocker runs fn directly. Used when no Redis is configured.
type NoopLocker struct{}

func (NoopLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// RedisLocker holds a redsync mutex for the duration of fn.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: 30 * time.Second,
		tries:  40,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(250*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	defer mutex.UnlockContext(context.WithoutCancel(ctx))

	return fn(ctx)
}
