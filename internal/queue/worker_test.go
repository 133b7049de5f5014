package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"
)

func TestJob_DedupKey(t *testing.T) {
	j := Job{ID: "m1", ReceivableID: "r1", CampaignID: "c1", TriggerType: "first_notice"}
	if got := j.DedupKey(); got != "r1|c1|first_notice" {
		t.Fatalf("unexpected key %q", got)
	}
	j.TriggerType = ""
	if got := j.DedupKey(); got != "job:m1" {
		t.Fatalf("manual job should key on id, got %q", got)
	}
}

func TestBackoff_Capped(t *testing.T) {
	if got := Backoff(1, time.Second, time.Minute); got != time.Second {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := Backoff(3, time.Second, time.Minute); got != 4*time.Second {
		t.Fatalf("attempt 3: %v", got)
	}
	if got := Backoff(20, time.Second, time.Minute); got != time.Minute {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestMemoryQueue_PublishBatchReportsFailures(t *testing.T) {
	q := NewMemoryQueue(Options{})
	q.FailPublishFor("r2", errors.New("quota"))

	res, err := q.PublishBatch(context.Background(), []Job{{ReceivableID: "r1"}, {ReceivableID: "r2"}, {ReceivableID: "r3"}}, PublishOptions{})
	if !errors.Is(err, ErrBatchPartial) {
		t.Fatalf("expected partial error, got %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Index != 1 || res.Failed[0].Job.ReceivableID != "r2" {
		t.Fatalf("unexpected failures %+v", res.Failed)
	}
	if res.IDs[0] == "" || res.IDs[1] != "" || res.IDs[2] == "" {
		t.Fatalf("unexpected ids %v", res.IDs)
	}
	if len(q.Pending()) != 2 {
		t.Fatalf("expected 2 queued jobs")
	}
}

func TestMemoryQueue_NotBeforeNeverEarlierThanMinDelay(t *testing.T) {
	now := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Options{MinDelay: 30 * time.Second}).WithClock(func() time.Time { return now })

	_, _ = q.Publish(context.Background(), Job{ReceivableID: "r1"}, PublishOptions{NotBefore: now.Add(time.Second)})
	_, _ = q.Publish(context.Background(), Job{ReceivableID: "r2"}, PublishOptions{NotBefore: now.Add(2 * time.Minute)})

	p := q.Pending()
	if !p[0].NotBefore.Equal(now.Add(30*time.Second)) || !p[1].NotBefore.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected notBefore %v %v", p[0].NotBefore, p[1].NotBefore)
	}
}

func TestWorker_AcksSuccessAndValidationRetriesTransient(t *testing.T) {
	now := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Options{MaxRetries: 1}).WithClock(func() time.Time { return now })
	ctx := context.Background()
	_, _ = q.Publish(ctx, Job{ID: "ok", ReceivableID: "r1"}, PublishOptions{})
	_, _ = q.Publish(ctx, Job{ID: "bad", ReceivableID: "r2"}, PublishOptions{})
	_, _ = q.Publish(ctx, Job{ID: "flaky", ReceivableID: "r3"}, PublishOptions{})

	var exhausted []string
	w := &Worker{
		Consumer: q,
		Log:      logger.Discard(),
		Handler: func(ctx context.Context, job Job) error {
			switch job.ID {
			case "bad":
				return errs.Validation("dispatch.validate", "phoneNumber is required")
			case "flaky":
				return errs.Call("dispatch.place_call", errors.New("503"))
			}
			return nil
		},
		OnExhausted: func(ctx context.Context, job Job, cause error) { exhausted = append(exhausted, job.ID) },
	}

	n, err := w.ProcessOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("process: n=%d err=%v", n, err)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != "flaky" || pending[0].Attempts != 1 {
		t.Fatalf("only the transient failure should remain, got %+v", pending)
	}

	now = now.Add(time.Hour)
	_, _ = w.ProcessOnce(ctx)
	if len(exhausted) != 1 || exhausted[0] != "flaky" {
		t.Fatalf("expected exhaustion callback, got %v", exhausted)
	}
	if len(q.Dead()) != 1 {
		t.Fatalf("expected dead-lettered job")
	}
}

func TestWorker_DeferredJobKeepsItsAttempts(t *testing.T) {
	now := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(Options{MaxRetries: 1}).WithClock(func() time.Time { return now })
	ctx := context.Background()
	_, _ = q.Publish(ctx, Job{ID: "busy", ReceivableID: "r1"}, PublishOptions{})

	var exhausted int
	w := &Worker{
		Consumer:    q,
		Log:         logger.Discard(),
		DeferDelay:  time.Minute,
		Handler:     func(ctx context.Context, job Job) error { return errs.Call("dispatch.place_call", ErrDeferred) },
		OnExhausted: func(ctx context.Context, job Job, cause error) { exhausted++ },
	}

	for i := 0; i < 5; i++ {
		if _, err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
		now = now.Add(time.Minute)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("deferred job must stay queued with no attempts spent, got %+v", pending)
	}
	if exhausted != 0 || len(q.Dead()) != 0 {
		t.Fatal("deferred job must never be dead-lettered")
	}

	jobs, _ := q.Claim(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("job must be due after the defer delay, got %d", len(jobs))
	}
}
