package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Mode selects how the placed call carries the conversation.
type Mode string

const (
	// ModeStream bridges a live media stream to the voice-AI socket.
	ModeStream Mode = "stream"
	// ModeTurn uses discrete speech-gather turns.
	ModeTurn Mode = "turn"
)

// Contact is the conversation context carried with a job.
type Contact struct {
	Name      string  `json:"name,omitempty"`
	AmountDue float64 `json:"amountDue,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	DueDate   string  `json:"dueDate,omitempty"`
}

// Job is one call intent. Delivered at-least-once.
type Job struct {
	ID           string  `json:"id"`
	ReceivableID string  `json:"receivableId"`
	CampaignID   string  `json:"campaignId"`
	PhoneNumber  string  `json:"phoneNumber"`
	TriggerType  string  `json:"triggerType,omitempty"`
	Mode         Mode    `json:"mode,omitempty"`
	Contact      Contact `json:"contact,omitempty"`

	Attempts   int       `json:"attempts,omitempty"`
	MaxRetries int       `json:"maxRetries,omitempty"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// DedupKey is the idempotency key consumers use before creating a Call
// Record. Scheduled jobs key on (receivable, campaign, trigger); manual jobs
// key on the job id so redeliveries collapse.
func (j Job) DedupKey() string {
	if j.TriggerType != "" {
		return strings.Join([]string{j.ReceivableID, j.CampaignID, j.TriggerType}, "|")
	}
	if j.ID != "" {
		return "job:" + j.ID
	}
	return ""
}

// PublishOptions controls delivery of a published job. Zero values fall back
// to the queue's defaults.
type PublishOptions struct {
	NotBefore  time.Time
	MaxRetries int
}

// FailedJob is a job that was not queued by PublishBatch.
type FailedJob struct {
	Index int
	Job   Job
	Err   error
}

// BatchResult reports per-job outcome of PublishBatch. IDs is indexed like
// the input; failed entries hold "".
type BatchResult struct {
	IDs    []string
	Failed []FailedJob
}

// ErrBatchPartial is returned by PublishBatch when at least one job failed.
var ErrBatchPartial = errors.New("queue: batch partially published")

// ErrRetriesExhausted marks a job moved to the dead list.
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

// ErrDeferred marks a job that could not start yet. Handlers wrap it so the
// worker reschedules the job without spending one of its attempts.
var ErrDeferred = errors.New("queue: deferred")

// Publisher hands call intents to the queue.
type Publisher interface {
	Publish(ctx context.Context, job Job, opts PublishOptions) (string, error)
	PublishBatch(ctx context.Context, jobs []Job, opts PublishOptions) (BatchResult, error)
}

// Consumer is the pull side used by Worker.
type Consumer interface {
	// Claim leases up to max due jobs. Unacked jobs become due again after
	// the visibility timeout.
	Claim(ctx context.Context, max int) ([]Job, error)
	Ack(ctx context.Context, id string) error
	// Retry reschedules job with backoff, or dead-letters it once its
	// attempts exceed MaxRetries (returning ErrRetriesExhausted).
	Retry(ctx context.Context, job Job, cause error) error
	// Defer makes job due again after delay. Attempts is left unchanged.
	Defer(ctx context.Context, job Job, delay time.Duration) error
}

// Backoff returns base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Options are shared queue defaults.
type Options struct {
	MinDelay          time.Duration
	MaxRetries        int
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MinDelay < 0 {
		out.MinDelay = 0
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = 2 * time.Minute
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 10 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 10 * time.Minute
	}
	return out
}

// prepare fills the delivery fields of job from opts and queue defaults.
func (o Options) prepare(job Job, opts PublishOptions, now time.Time, newID func() string) Job {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Mode == "" {
		job.Mode = ModeStream
	}
	job.MaxRetries = o.MaxRetries
	if opts.MaxRetries > 0 {
		job.MaxRetries = opts.MaxRetries
	}
	// The latest of the queue minimum, opts and the job's own notBefore wins.
	earliest := now.Add(o.MinDelay)
	requested := job.NotBefore
	if opts.NotBefore.After(requested) {
		requested = opts.NotBefore
	}
	job.NotBefore = earliest
	if requested.After(earliest) {
		job.NotBefore = requested
	}
	return job
}
