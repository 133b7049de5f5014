package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a delayed, retrying job queue on Redis.
//
// Layout under prefix:
//   - <prefix>:jobs    HASH id -> job JSON
//   - <prefix>:pending ZSET id scored by the unix millis it becomes due
//   - <prefix>:dead    LIST of dead-lettered job JSON
//
// Claiming re-scores members to now+visibility, so a crashed consumer's
// jobs become due again.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	clock  func() time.Time
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "queue:calls"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, opts: opts.withDefaults(), clock: time.Now}
}

func (q *RedisQueue) jobsKey() string    { return q.prefix + ":jobs" }
func (q *RedisQueue) pendingKey() string { return q.prefix + ":pending" }
func (q *RedisQueue) deadKey() string    { return q.prefix + ":dead" }

func (q *RedisQueue) Publish(ctx context.Context, job Job, opts PublishOptions) (string, error) {
	job = q.opts.prepare(job, opts, q.clock(), uuid.NewString)
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobsKey(), job.ID, b)
		p.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue publish: %w", err)
	}
	return job.ID, nil
}

func (q *RedisQueue) PublishBatch(ctx context.Context, jobs []Job, opts PublishOptions) (BatchResult, error) {
	return publishBatch(ctx, jobs, opts, q.Publish)
}

var claimScript = redis.NewScript(`
-- KEYS[1] = pending zset
-- ARGV[1] = now_ms, ARGV[2] = lease_until_ms, ARGV[3] = max
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZADD', KEYS[1], ARGV[2], id)
end
return ids
`)

func (q *RedisQueue) Claim(ctx context.Context, max int) ([]Job, error) {
	if max <= 0 {
		max = 1
	}
	now := q.clock()
	leaseUntil := now.Add(q.opts.VisibilityTimeout)
	ids, err := claimScript.Run(ctx, q.rdb, []string{q.pendingKey()}, now.UnixMilli(), leaseUntil.UnixMilli(), max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := q.rdb.HMGet(ctx, q.jobsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue claim payloads: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// payload gone; drop the orphaned member
			_ = q.rdb.ZRem(ctx, q.pendingKey(), ids[i]).Err()
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			_ = q.deadLetter(ctx, ids[i], s)
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.pendingKey(), id)
		p.HDel(ctx, q.jobsKey(), id)
		return nil
	})
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, job Job, cause error) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempts > job.MaxRetries {
		if err := q.deadLetter(ctx, job.ID, string(b)); err != nil {
			return err
		}
		return ErrRetriesExhausted
	}

	next := q.clock().Add(Backoff(job.Attempts, q.opts.BackoffBase, q.opts.BackoffMax))
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobsKey(), job.ID, b)
		p.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Defer(ctx context.Context, job Job, delay time.Duration) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	next := q.clock().Add(delay)
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobsKey(), job.ID, b)
		p.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) deadLetter(ctx context.Context, id, payload string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.pendingKey(), id)
		p.HDel(ctx, q.jobsKey(), id)
		p.RPush(ctx, q.deadKey(), payload)
		return nil
	})
	return err
}

// Dead returns up to n dead-lettered jobs, oldest first.
func (q *RedisQueue) Dead(ctx context.Context, n int64) ([]Job, error) {
	raw, err := q.rdb.LRange(ctx, q.deadKey(), 0, n-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Job, 0, len(raw))
	for _, s := range raw {
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

// Depth returns the number of pending (including leased) jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.pendingKey()).Result()
}
