package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps transcripts in Redis so any API instance can serve the
// next turn of a call. The system message lives in a string key and turns
// in a capped list; both expire together.
type RedisStore struct {
	rdb         redis.UniversalClient
	prefix      string
	maxMessages int
	ttl         time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, maxMessages int, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: "conv:", maxMessages: maxMessages, ttl: ttl}
}

func (s *RedisStore) systemKey(callID string) string { return s.prefix + callID + ":system" }
func (s *RedisStore) turnsKey(callID string) string  { return s.prefix + callID + ":turns" }

// TranscriptRef is the key operators can use to find a live transcript.
func (s *RedisStore) TranscriptRef(callID string) string { return s.prefix + callID }

func (s *RedisStore) Seed(ctx context.Context, callID string, system Message) (bool, error) {
	raw, err := json.Marshal(system)
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.systemKey(callID), raw, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: seed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Append(ctx context.Context, callID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	n, err := s.rdb.Exists(ctx, s.systemKey(callID)).Result()
	if err != nil {
		return fmt.Errorf("conversation: append: %w", err)
	}
	if n == 0 {
		return ErrNoTranscript
	}
	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals = append(vals, raw)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.turnsKey(callID), vals...)
		if s.maxMessages > 1 {
			p.LTrim(ctx, s.turnsKey(callID), int64(-(s.maxMessages - 1)), -1)
		}
		p.Expire(ctx, s.turnsKey(callID), s.ttl)
		p.Expire(ctx, s.systemKey(callID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("conversation: append: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, callID string) ([]Message, error) {
	raw, err := s.rdb.Get(ctx, s.systemKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTranscript
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	var system Message
	if err := json.Unmarshal(raw, &system); err != nil {
		return nil, fmt.Errorf("conversation: decode system message: %w", err)
	}
	items, err := s.rdb.LRange(ctx, s.turnsKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	out := make([]Message, 0, len(items)+1)
	out = append(out, system)
	for _, it := range items {
		var m Message
		if err := json.Unmarshal([]byte(it), &m); err != nil {
			return nil, fmt.Errorf("conversation: decode turn: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Drop(ctx context.Context, callID string) error {
	return s.rdb.Del(ctx, s.systemKey(callID), s.turnsKey(callID)).Err()
}
