package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries relay traffic over Redis pub/sub so the telephony leg and
// the AI leg can run on different instances.
type RedisBus struct {
	rdb redis.UniversalClient
	// BufferSize bounds per-subscription buffering.
	BufferSize int
	Log        *slog.Logger
}

func NewRedisBus(rdb redis.UniversalClient, bufferSize int) *RedisBus {
	return &RedisBus{rdb: rdb, BufferSize: bufferSize}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	// Wait for the subscribe confirmation; messages published before it
	// would otherwise be lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}
	size := b.BufferSize
	if size <= 0 {
		size = 256
	}
	s := &redisSubscription{ps: ps, out: make(chan Message, size), done: make(chan struct{})}
	go s.pump(ps.Channel(redis.WithChannelSize(size)), b.log())
	return s, nil
}

func (b *RedisBus) log() *slog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return slog.Default()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message, log *slog.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn("relay: dropping undecodable envelope", "channel", m.Channel, "err", err)
				continue
			}
			select {
			case s.out <- Message{Channel: m.Channel, Envelope: env}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) C() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
