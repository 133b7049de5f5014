package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue mirrors RedisQueue semantics in process. Used by tests and
// local runs without Redis.
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	clock   func() time.Time
	jobs    map[string]Job
	dueAt   map[string]time.Time
	dead    []Job
	failFor map[string]error
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		clock:   time.Now,
		jobs:    map[string]Job{},
		dueAt:   map[string]time.Time{},
		failFor: map[string]error{},
	}
}

// WithClock replaces the time source.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

// FailPublishFor makes Publish fail for jobs with the given receivable id.
func (q *MemoryQueue) FailPublishFor(receivableID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failFor[receivableID] = err
}

func (q *MemoryQueue) Publish(ctx context.Context, job Job, opts PublishOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failFor[job.ReceivableID]; err != nil {
		return "", err
	}
	job = q.opts.prepare(job, opts, q.clock(), uuid.NewString)
	q.jobs[job.ID] = job
	q.dueAt[job.ID] = job.NotBefore
	return job.ID, nil
}

func (q *MemoryQueue) PublishBatch(ctx context.Context, jobs []Job, opts PublishOptions) (BatchResult, error) {
	return publishBatch(ctx, jobs, opts, q.Publish)
}

func (q *MemoryQueue) Claim(ctx context.Context, max int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	now := q.clock()
	ids := make([]string, 0)
	for id, due := range q.dueAt {
		if !due.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return q.dueAt[ids[i]].Before(q.dueAt[ids[j]]) })
	if len(ids) > max {
		ids = ids[:max]
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		q.dueAt[id] = now.Add(q.opts.VisibilityTimeout)
		out = append(out, q.jobs[id])
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	delete(q.dueAt, id)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	delete(q.dueAt, job.ID)
	if job.Attempts > job.MaxRetries {
		delete(q.jobs, job.ID)
		q.dead = append(q.dead, job)
		return ErrRetriesExhausted
	}
	q.jobs[job.ID] = job
	q.dueAt[job.ID] = q.clock().Add(Backoff(job.Attempts, q.opts.BackoffBase, q.opts.BackoffMax))
	return nil
}

func (q *MemoryQueue) Defer(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		return nil
	}
	q.jobs[job.ID] = job
	q.dueAt[job.ID] = q.clock().Add(delay)
	return nil
}

// Pending returns queued jobs ordered by due time.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return q.dueAt[out[i].ID].Before(q.dueAt[out[k].ID]) })
	return out
}

func (q *MemoryQueue) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}
