package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"collections-voice/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ErrStreamInUse is returned when a stream or call already has an active
// session. The first owner wins.
var ErrStreamInUse = errors.New("relay: stream already bound")

// Claimer is the cross-instance ownership lock for a stream.
type Claimer interface {
	Claim(ctx context.Context, key, owner string) (bool, error)
	// Renew extends a held claim. It reports false once owner lost it.
	Renew(ctx context.Context, key, owner string) (bool, error)
	Release(ctx context.Context, key, owner string) error
	// Held reports whether anyone holds key.
	Held(ctx context.Context, key string) (bool, error)
}

// RedisClaimer holds ownership as a Redis lease. TTL bounds how long a
// crashed owner blocks the stream.
type RedisClaimer struct {
	RDB    redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func (c *RedisClaimer) key(k string) string {
	p := c.Prefix
	if p == "" {
		p = "relay:owner:"
	}
	return p + k
}

func (c *RedisClaimer) ttl() time.Duration {
	if c.TTL <= 0 {
		return 2 * time.Hour
	}
	return c.TTL
}

func (c *RedisClaimer) Claim(ctx context.Context, key, owner string) (bool, error) {
	return utils.AcquireLease(ctx, c.RDB, c.key(key), owner, c.ttl())
}

func (c *RedisClaimer) Renew(ctx context.Context, key, owner string) (bool, error) {
	return utils.RenewLease(ctx, c.RDB, c.key(key), owner, c.ttl())
}

func (c *RedisClaimer) Release(ctx context.Context, key, owner string) error {
	return utils.ReleaseLease(ctx, c.RDB, c.key(key), owner)
}

func (c *RedisClaimer) Held(ctx context.Context, key string) (bool, error) {
	n, err := c.RDB.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

// MemoryClaimer is a single-process Claimer.
type MemoryClaimer struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryClaimer() *MemoryClaimer { return &MemoryClaimer{owners: map[string]string{}} }

func (c *MemoryClaimer) Claim(ctx context.Context, key, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[key]; ok && cur != owner {
		return false, nil
	}
	c.owners[key] = owner
	return true, nil
}

func (c *MemoryClaimer) Renew(ctx context.Context, key, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[key] == owner, nil
}

func (c *MemoryClaimer) Release(ctx context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[key] == owner {
		delete(c.owners, key)
	}
	return nil
}

func (c *MemoryClaimer) Held(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owners[key]
	return ok, nil
}

type binding struct {
	session *StreamSession
	callSID string
	owner   string
}

// Registry tracks the sessions bound on this instance and enforces one
// active session per stream and per call.
type Registry struct {
	claimer Claimer

	mu       sync.Mutex
	byStream map[string]binding
	byCall   map[string]string
}

func NewRegistry(claimer Claimer) *Registry {
	if claimer == nil {
		claimer = NewMemoryClaimer()
	}
	return &Registry{claimer: claimer, byStream: map[string]binding{}, byCall: map[string]string{}}
}

func callKey(callSID string) string { return "call:" + callSID }

// Bind registers s under streamID for owner. A second bind for the same
// stream or call, on this instance or another sharing the claimer, returns
// ErrStreamInUse.
func (r *Registry) Bind(ctx context.Context, streamID, callSID, owner string, s *StreamSession) error {
	if streamID == "" {
		return errors.New("relay: stream id is required")
	}
	r.mu.Lock()
	if _, ok := r.byStream[streamID]; ok {
		r.mu.Unlock()
		return ErrStreamInUse
	}
	if callSID != "" {
		if _, ok := r.byCall[callSID]; ok {
			r.mu.Unlock()
			return ErrStreamInUse
		}
	}
	// Reserve locally before the remote claim so concurrent binds on this
	// instance cannot both reach Redis.
	r.byStream[streamID] = binding{session: s, callSID: callSID, owner: owner}
	if callSID != "" {
		r.byCall[callSID] = streamID
	}
	r.mu.Unlock()

	ok, err := r.claimer.Claim(ctx, streamID, owner)
	if err != nil || !ok {
		r.drop(streamID)
		if err != nil {
			return err
		}
		return ErrStreamInUse
	}
	if callSID == "" {
		return nil
	}
	ok, err = r.claimer.Claim(ctx, callKey(callSID), owner)
	if err != nil || !ok {
		r.drop(streamID)
		_ = r.claimer.Release(context.WithoutCancel(ctx), streamID, owner)
		if err != nil {
			return err
		}
		return ErrStreamInUse
	}
	return nil
}

// Renew extends owner's claims on streamID and its call. It reports false
// when either claim was lost.
func (r *Registry) Renew(ctx context.Context, streamID, owner string) (bool, error) {
	r.mu.Lock()
	b, ok := r.byStream[streamID]
	r.mu.Unlock()
	if !ok || b.owner != owner {
		return false, nil
	}
	held, err := r.claimer.Renew(ctx, streamID, owner)
	if err != nil || !held || b.callSID == "" {
		return held, err
	}
	return r.claimer.Renew(ctx, callKey(b.callSID), owner)
}

// Unbind releases streamID if owner holds it.
func (r *Registry) Unbind(ctx context.Context, streamID, owner string) error {
	r.mu.Lock()
	b, ok := r.byStream[streamID]
	r.mu.Unlock()
	if !ok || b.owner != owner {
		return nil
	}
	r.drop(streamID)
	err := r.claimer.Release(ctx, streamID, owner)
	if b.callSID != "" {
		err = errors.Join(err, r.claimer.Release(ctx, callKey(b.callSID), owner))
	}
	return err
}

func (r *Registry) drop(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byStream[streamID]; ok {
		if b.callSID != "" && r.byCall[b.callSID] == streamID {
			delete(r.byCall, b.callSID)
		}
		delete(r.byStream, streamID)
	}
}

func (r *Registry) Get(streamID string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byStream[streamID]
	return b.session, ok
}

// Active returns the number of sessions bound on this instance.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}
