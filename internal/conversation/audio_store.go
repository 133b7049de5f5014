package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrAudioNotFound = errors.New("conversation: audio not found")

// AudioStore keeps synthesized replies until the carrier fetches them.
type AudioStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, id string) (Audio, error)
}

const defaultAudioTTL = 15 * time.Minute

type MemoryAudioStore struct {
	ttl   time.Duration
	clock func() time.Time

	mu    sync.Mutex
	items map[string]Audio
}

func NewMemoryAudioStore(ttl time.Duration) *MemoryAudioStore {
	if ttl <= 0 {
		ttl = defaultAudioTTL
	}
	return &MemoryAudioStore{ttl: ttl, clock: time.Now, items: map[string]Audio{}}
}

func (s *MemoryAudioStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, a := range s.items {
		if now.Sub(a.CreatedAt) > s.ttl {
			delete(s.items, id)
		}
	}
	a := Audio{ID: uuid.NewString(), ContentType: contentType, Data: data, CreatedAt: now}
	s.items[a.ID] = a
	return a.ID, nil
}

func (s *MemoryAudioStore) Get(ctx context.Context, id string) (Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok || s.clock().Sub(a.CreatedAt) > s.ttl {
		return Audio{}, ErrAudioNotFound
	}
	return a, nil
}

// RedisAudioStore shares synthesized audio across API instances; the
// carrier's fetch may land on a different instance than the turn.
type RedisAudioStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisAudioStore(rdb redis.UniversalClient, ttl time.Duration) *RedisAudioStore {
	if ttl <= 0 {
		ttl = defaultAudioTTL
	}
	return &RedisAudioStore{rdb: rdb, ttl: ttl}
}

func audioKey(id string) string { return "tts:" + id }

func (s *RedisAudioStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	id := uuid.NewString()
	key := audioKey(id)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "ct", contentType, "data", data, "at", time.Now().UTC().Unix())
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("conversation: store audio: %w", err)
	}
	return id, nil
}

func (s *RedisAudioStore) Get(ctx context.Context, id string) (Audio, error) {
	vals, err := s.rdb.HGetAll(ctx, audioKey(id)).Result()
	if err != nil {
		return Audio{}, fmt.Errorf("conversation: load audio: %w", err)
	}
	data, ok := vals["data"]
	if !ok {
		return Audio{}, ErrAudioNotFound
	}
	a := Audio{ID: id, ContentType: vals["ct"], Data: []byte(data)}
	if a.ContentType == "" {
		a.ContentType = "audio/mpeg"
	}
	if at, err := strconv.ParseInt(vals["at"], 10, 64); err == nil {
		a.CreatedAt = time.Unix(at, 0).UTC()
	}
	return a, nil
}
