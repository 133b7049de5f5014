package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService() (*Service, *MemoryRepo) {
	repo := NewMemoryRepo()
	now := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	return NewService(repo).WithClock(func() time.Time { return now }), repo
}

func intPtr(n int) *int { return &n }

func TestService_CreateStartsScheduled(t *testing.T) {
	svc, _ := newTestService()
	c, err := svc.Create(context.Background(), Call{ReceivableID: "r1", CampaignID: "c1", DedupKey: "r1|c1|first_notice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" || c.Status != CallStatusScheduled || c.Duration != nil {
		t.Fatalf("unexpected record %+v", c)
	}
}

func TestService_CreateRequiresReceivable(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Create(context.Background(), Call{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestService_CreateRejectsDuplicateDedupKey(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, Call{ReceivableID: "r1", DedupKey: "k"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, Call{ReceivableID: "r1", DedupKey: "k"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestService_TransitionMonotonic(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, Call{ID: "CA1", ReceivableID: "r1"})

	if _, out, _ := svc.Transition(ctx, c.ID, Update{Status: CallStatusInProgress}); out != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out)
	}
	if _, out, _ := svc.Transition(ctx, c.ID, Update{Status: CallStatusScheduled}); out != OutcomeIgnored {
		t.Fatalf("regression must be ignored, got %s", out)
	}
	got, out, err := svc.Transition(ctx, c.ID, Update{Status: CallStatusCompleted, Duration: intPtr(187)})
	if err != nil || out != OutcomeApplied {
		t.Fatalf("complete: out=%s err=%v", out, err)
	}
	if got.Status != CallStatusCompleted || got.Duration == nil || *got.Duration != 187 {
		t.Fatalf("unexpected record %+v", got)
	}

	// terminal -> terminal is rejected, duration already set so no backfill
	got, out, _ = svc.Transition(ctx, c.ID, Update{Status: CallStatusFailed, Duration: intPtr(3)})
	if out != OutcomeIgnored || got.Status != CallStatusCompleted || *got.Duration != 187 {
		t.Fatalf("terminal record mutated: out=%s %+v", out, got)
	}
}

func TestService_DurationBackfillAfterRelayEnd(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, Call{ID: "CA2", ReceivableID: "r1"})

	end := time.Date(2024, 8, 15, 10, 5, 0, 0, time.UTC)
	if _, out, _ := svc.Transition(ctx, c.ID, Update{Status: CallStatusCompleted, EndTime: &end}); out != OutcomeApplied {
		t.Fatalf("relay end should apply, got %s", out)
	}
	got, out, err := svc.Transition(ctx, c.ID, Update{Status: CallStatusCompleted, Duration: intPtr(42)})
	if err != nil || out != OutcomeBackfilled {
		t.Fatalf("expected backfill, out=%s err=%v", out, err)
	}
	if *got.Duration != 42 || got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestService_TransitionUnknownCall(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.Transition(context.Background(), "missing", Update{Status: CallStatusCompleted}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ConcurrentWritersNeverRegress(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, Call{ID: "CA3", ReceivableID: "r1"})

	statuses := []CallStatus{CallStatusInProgress, CallStatusCompleted, CallStatusNoAnswer, CallStatusScheduled, CallStatusBusy}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = svc.Transition(ctx, c.ID, Update{Status: statuses[i%len(statuses)]})
		}(i)
	}
	wg.Wait()

	got, _ := svc.Get(ctx, c.ID)
	if !IsTerminal(got.Status) {
		t.Fatalf("expected terminal status, got %s", got.Status)
	}
}

func TestService_RekeyAndPlacementFailure(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, Call{ReceivableID: "r1", DedupKey: "r1|c1|t"})

	rk, err := svc.Rekey(ctx, c.ID, "CA9")
	if err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if rk.ID != "CA9" || rk.Metadata[MetaInternalID] != c.ID {
		t.Fatalf("unexpected rekeyed record %+v", rk)
	}
	if _, err := svc.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old id must be gone")
	}
	byKey, err := svc.FindByDedupKey(ctx, "r1|c1|t")
	if err != nil || byKey.ID != "CA9" {
		t.Fatalf("dedup index not rekeyed: %+v %v", byKey, err)
	}

	failed, err := svc.MarkPlacementFailed(ctx, "CA9", "placement failed")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != CallStatusFailed || failed.DedupKey != "" {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if ok, _ := svc.Exists(ctx, "r1|c1|t"); ok {
		t.Fatalf("dedup key should be released")
	}
	if _, err := svc.Create(ctx, Call{ReceivableID: "r1", DedupKey: "r1|c1|t"}); err != nil {
		t.Fatalf("retry should be able to create a new record: %v", err)
	}
}

func TestService_ListFiltersByCampaign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.Create(ctx, Call{ReceivableID: "r1", CampaignID: "a"})
	_, _ = svc.Create(ctx, Call{ReceivableID: "r2", CampaignID: "b"})

	got, err := svc.List(ctx, ListFilter{CampaignID: "a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].CampaignID != "a" {
		t.Fatalf("unexpected list %+v", got)
	}
}
