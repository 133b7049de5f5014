package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoTranscript is returned for calls that were never seeded or whose
// transcript expired.
var ErrNoTranscript = errors.New("conversation: no transcript for call")

// Store holds one transcript per call. Implementations keep the system
// message and the most recent turns up to their message limit.
type Store interface {
	// Seed stores the system message if the call has none and reports
	// whether it did.
	Seed(ctx context.Context, callID string, system Message) (bool, error)
	Append(ctx context.Context, callID string, msgs ...Message) error
	History(ctx context.Context, callID string) ([]Message, error)
	Drop(ctx context.Context, callID string) error
}

// MemoryStore is a Store for tests and single-process runs. Transcripts of
// calls that never reached Drop are swept once expired, whenever a new call
// is seeded.
type MemoryStore struct {
	maxMessages int
	ttl         time.Duration
	clock       func() time.Time

	mu    sync.Mutex
	convs map[string]*memoryConv
}

type memoryConv struct {
	system  Message
	turns   []Message
	expires time.Time
}

func NewMemoryStore(maxMessages int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{maxMessages: maxMessages, ttl: ttl, clock: time.Now, convs: map[string]*memoryConv{}}
}

func (s *MemoryStore) get(callID string) (*memoryConv, bool) {
	c, ok := s.convs[callID]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && s.clock().After(c.expires) {
		delete(s.convs, callID)
		return nil, false
	}
	return c, true
}

func (s *MemoryStore) Seed(ctx context.Context, callID string, system Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(callID); ok {
		return false, nil
	}
	s.sweep()
	s.convs[callID] = &memoryConv{system: system, expires: s.clock().Add(s.ttl)}
	return true, nil
}

func (s *MemoryStore) Append(ctx context.Context, callID string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(callID)
	if !ok {
		return ErrNoTranscript
	}
	c.turns = trimTurns(append(c.turns, msgs...), s.maxMessages)
	c.expires = s.clock().Add(s.ttl)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, callID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(callID)
	if !ok {
		return nil, ErrNoTranscript
	}
	out := make([]Message, 0, len(c.turns)+1)
	out = append(out, c.system)
	return append(out, c.turns...), nil
}

func (s *MemoryStore) sweep() {
	if s.ttl <= 0 {
		return
	}
	now := s.clock()
	for id, c := range s.convs {
		if now.After(c.expires) {
			delete(s.convs, id)
		}
	}
}

// Len reports how many transcripts are held, expired ones included until
// the next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *MemoryStore) Drop(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, callID)
	return nil
}

// trimTurns keeps the newest turns so the transcript, system message
// included, stays within limit.
func trimTurns(turns []Message, limit int) []Message {
	if limit <= 1 || len(turns) <= limit-1 {
		return turns
	}
	keep := turns[len(turns)-(limit-1):]
	out := make([]Message, len(keep))
	copy(out, keep)
	return out
}
