package relay

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance runs.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
	size int
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{subs: map[string]map[*memorySubscription]struct{}{}, size: bufferSize}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(Message{Channel: channel, Envelope: env})
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{bus: b, channels: channels, out: make(chan Message, b.size)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = map[*memorySubscription]struct{}{}
		}
		b.subs[ch][s] = struct{}{}
	}
	return s, nil
}

// Subscribers reports how many subscriptions listen on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range s.channels {
		delete(b.subs[ch], s)
		if len(b.subs[ch]) == 0 {
			delete(b.subs, ch)
		}
	}
}

type memorySubscription struct {
	bus      *MemoryBus
	channels []string
	out      chan Message

	mu      sync.Mutex
	closed  bool
	dropped int
}

// deliver never blocks the publisher: a full buffer drops the message, the
// same at-most-once behaviour Redis pub/sub has for slow consumers.
func (s *memorySubscription) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- m:
	default:
		s.dropped++
	}
}

func (s *memorySubscription) C() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
