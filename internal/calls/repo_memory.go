package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
	dedup map[string]string // dedup key -> id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: map[string]Call{}, dedup: map[string]string{}}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return ErrDuplicate
	}
	if c.DedupKey != "" {
		if _, ok := r.dedup[c.DedupKey]; ok {
			return ErrDuplicate
		}
		r.dedup[c.DedupKey] = c.ID
	}
	r.calls[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return clone(c), nil
}

func (r *MemoryRepo) FindByDedupKey(ctx context.Context, key string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.dedup[key]
	if !ok {
		return Call{}, ErrNotFound
	}
	return clone(r.calls[id]), nil
}

func (r *MemoryRepo) Advance(ctx context.Context, id string, u Update, now time.Time) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if !CanTransition(c.Status, u.Status) {
		return clone(c), false, nil
	}
	c.Status = u.Status
	if u.Duration != nil {
		d := *u.Duration
		c.Duration = &d
	}
	if c.StartTime == nil && u.StartTime != nil {
		t := *u.StartTime
		c.StartTime = &t
	}
	if c.EndTime == nil && u.EndTime != nil {
		t := *u.EndTime
		c.EndTime = &t
	}
	c.Metadata = mergeMeta(c.Metadata, u.Metadata)
	c.UpdatedAt = now
	r.calls[id] = c
	return clone(c), true, nil
}

func (r *MemoryRepo) BackfillDuration(ctx context.Context, id string, seconds int, now time.Time) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, false, ErrNotFound
	}
	if !IsTerminal(c.Status) || c.Duration != nil {
		return clone(c), false, nil
	}
	c.Duration = &seconds
	c.UpdatedAt = now
	r.calls[id] = c
	return clone(c), true, nil
}

func (r *MemoryRepo) Rekey(ctx context.Context, oldID, newID string, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[oldID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if oldID == newID {
		return clone(c), nil
	}
	if _, taken := r.calls[newID]; taken {
		return Call{}, ErrDuplicate
	}
	delete(r.calls, oldID)
	c.ID = newID
	c.Metadata = mergeMeta(c.Metadata, map[string]any{MetaInternalID: oldID, MetaProviderCallSID: newID})
	c.UpdatedAt = now
	r.calls[newID] = c
	if c.DedupKey != "" {
		r.dedup[c.DedupKey] = newID
	}
	return clone(c), nil
}

func (r *MemoryRepo) MarkPlacementFailed(ctx context.Context, id, reason string, now time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if IsTerminal(c.Status) {
		return clone(c), nil
	}
	if c.DedupKey != "" {
		delete(r.dedup, c.DedupKey)
		c.DedupKey = ""
	}
	c.Status = CallStatusFailed
	if c.EndTime == nil {
		c.EndTime = &now
	}
	c.Metadata = mergeMeta(c.Metadata, map[string]any{MetaFailureReason: reason})
	c.UpdatedAt = now
	r.calls[id] = c
	return clone(c), nil
}

func (r *MemoryRepo) MergeMetadata(ctx context.Context, id string, meta map[string]any, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	c.Metadata = mergeMeta(c.Metadata, meta)
	c.UpdatedAt = now
	r.calls[id] = c
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.calls {
		if f.matches(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func clone(c Call) Call {
	out := c
	if c.Duration != nil {
		d := *c.Duration
		out.Duration = &d
	}
	if c.StartTime != nil {
		t := *c.StartTime
		out.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	out.Metadata = mergeMeta(nil, c.Metadata)
	return out
}
