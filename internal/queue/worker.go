package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"
)

// Handler processes one job. Errors are classified with errs.Retryable:
// validation failures are dropped, everything else is retried.
type Handler func(ctx context.Context, job Job) error

// Worker polls a Consumer and feeds claimed jobs to a Handler.
type Worker struct {
	Consumer     Consumer
	Handler      Handler
	PollInterval time.Duration
	BatchSize    int
	// DeferDelay is how long a job returning ErrDeferred waits before it
	// is due again.
	DeferDelay time.Duration
	Log        *slog.Logger

	// OnExhausted runs after a job is dead-lettered.
	OnExhausted func(ctx context.Context, job Job, cause error)
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log().Info("queue worker started", "poll_interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			w.log().Info("queue worker exiting")
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				w.log().Error("queue poll failed", "err", err)
			}
		}
	}
}

// ProcessOnce claims one batch and handles it. It returns how many jobs
// were handled.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 10
	}
	jobs, err := w.Consumer.Claim(ctx, batch)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.handle(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) handle(ctx context.Context, job Job) {
	log := logger.ForCall(w.log(), logger.CallRef{ReceivableID: job.ReceivableID, CampaignID: job.CampaignID}).
		With("job_id", job.ID, "attempt", job.Attempts+1)

	err := w.Handler(ctx, job)
	if err == nil {
		if err := w.Consumer.Ack(ctx, job.ID); err != nil {
			log.Error("queue ack failed", "err", err)
		}
		return
	}

	if errors.Is(err, ErrDeferred) {
		delay := w.DeferDelay
		if delay <= 0 {
			delay = 5 * time.Second
		}
		if derr := w.Consumer.Defer(ctx, job, delay); derr != nil {
			log.Error("queue defer failed", "err", derr, "cause", err)
			return
		}
		log.Info("job deferred", "reason", err.Error(), "delay", delay.String())
		return
	}

	if !errs.Retryable(err) {
		log.Warn("job rejected", "err", err)
		if err := w.Consumer.Ack(ctx, job.ID); err != nil {
			log.Error("queue ack failed", "err", err)
		}
		return
	}

	rerr := w.Consumer.Retry(ctx, job, err)
	switch {
	case errors.Is(rerr, ErrRetriesExhausted):
		log.Error("job retries exhausted", "err", err, "max_retries", job.MaxRetries)
		if w.OnExhausted != nil {
			w.OnExhausted(ctx, job, err)
		}
	case rerr != nil:
		log.Error("queue retry failed", "err", rerr, "cause", err)
	default:
		log.Warn("job failed, retry scheduled", "err", err)
	}
}

func (w *Worker) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}
