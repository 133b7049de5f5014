package dispatch

import (
	"context"
	"fmt"
	"time"

	"collections-voice/internal/queue"
	"collections-voice/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ErrThrottled means the campaign already has its maximum number of
// placement requests in flight. It wraps queue.ErrDeferred so the job waits
// for a slot without using up its retries.
var ErrThrottled = fmt.Errorf("dispatch: placement slots exhausted: %w", queue.ErrDeferred)

// Limiter bounds concurrent placement requests per key.
type Limiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLimiter shares placement slots across dispatcher instances.
type RedisLimiter struct {
	RDB    redis.Scripter
	Prefix string
	Limit  int
	// TTL bounds how long a slot survives a crashed holder.
	TTL time.Duration
}

func (l *RedisLimiter) key(k string) string {
	p := l.Prefix
	if p == "" {
		p = "dispatch:inflight:"
	}
	return p + k
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return utils.AcquireConcurrencyCap(ctx, l.RDB, l.key(key), l.Limit, ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.RDB, l.key(key))
}
