package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"collections-voice/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(r.vals))
	}
	for i, v := range r.vals {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *CallStatus:
			*d = CallStatus(v.(string))
		case *[]byte:
			if v != nil {
				*d = v.([]byte)
			}
		case *time.Time:
			*d = v.(time.Time)
		case interface{ Scan(any) error }:
			if err := d.Scan(v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("scan: unsupported dest %T", dest[i])
		}
	}
	return nil
}

func TestScanCall_NullableColumns(t *testing.T) {
	created := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	start := created.Add(5 * time.Second)

	c, err := scanCall(fakeRow{vals: []any{
		"CA1", "r1", "c1", "+15550001111", "IN_PROGRESS",
		nil, start, nil,
		"r1|c1|first_notice",
		[]byte(`{"mode":"stream","attempt":2}`),
		created, created,
	}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if c.Status != CallStatusInProgress || c.Duration != nil || c.EndTime != nil {
		t.Fatalf("unexpected record %+v", c)
	}
	if c.StartTime == nil || !c.StartTime.Equal(start) {
		t.Fatalf("start time = %v", c.StartTime)
	}
	if c.Metadata["mode"] != "stream" || c.Metadata["attempt"] != float64(2) {
		t.Fatalf("metadata = %v", c.Metadata)
	}

	c, err = scanCall(fakeRow{vals: []any{
		"CA2", "r2", "", "+1555", "COMPLETED",
		int64(187), start, start.Add(187 * time.Second),
		"", nil, created, created,
	}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if c.Duration == nil || *c.Duration != 187 || c.EndTime == nil || c.Metadata != nil {
		t.Fatalf("unexpected terminal record %+v", c)
	}
}

func TestScanCall_NoRowsIsNotFound(t *testing.T) {
	if _, err := scanCall(fakeRow{err: sql.ErrNoRows}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkPlacementFailedGuard(t *testing.T) {
	got := statusStrings(lowerRanked(CallStatusFailed))
	if len(got) != 2 || got[0] != "SCHEDULED" || got[1] != "IN_PROGRESS" {
		t.Fatalf("placement failure may only close open records, got %v", got)
	}
}

// newPostgresService runs against a real database when
// CALLS_POSTGRES_DSN_INTEGRATION is set.
func newPostgresService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("CALLS_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set CALLS_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewService(repo)
}

func TestPostgresRepoIntegration_Lifecycle(t *testing.T) {
	svc := newPostgresService(t)
	ctx := context.Background()
	run := time.Now().UTC().Format("20060102150405.000000")
	campaign := "itest-" + run
	key := "r1|" + campaign + "|first_notice"

	c, err := svc.Create(ctx, Call{ReceivableID: "r1", CampaignID: campaign, PhoneNumber: "+15550001111", DedupKey: key,
		Metadata: map[string]any{MetaMode: "stream"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, Call{ReceivableID: "r1", CampaignID: campaign, DedupKey: key}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for active dedup key, got %v", err)
	}

	sid := "CA-" + run
	rk, err := svc.Rekey(ctx, c.ID, sid)
	if err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if rk.ID != sid || rk.Metadata[MetaInternalID] != c.ID || rk.Metadata[MetaMode] != "stream" {
		t.Fatalf("rekeyed record = %+v", rk)
	}

	if _, out, err := svc.Transition(ctx, sid, Update{Status: CallStatusInProgress}); err != nil || out != OutcomeApplied {
		t.Fatalf("in progress: out=%s err=%v", out, err)
	}
	if got, out, err := svc.Transition(ctx, sid, Update{Status: CallStatusScheduled}); err != nil || out != OutcomeIgnored || got.Status != CallStatusInProgress {
		t.Fatalf("regression must be ignored: out=%s status=%s err=%v", out, got.Status, err)
	}

	var wg sync.WaitGroup
	for _, s := range []CallStatus{CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed} {
		wg.Add(1)
		go func(s CallStatus) {
			defer wg.Done()
			_, _, _ = svc.Transition(ctx, sid, Update{Status: s})
		}(s)
	}
	wg.Wait()
	final, err := svc.Get(ctx, sid)
	if err != nil || !IsTerminal(final.Status) {
		t.Fatalf("final = %+v err=%v", final, err)
	}

	dur := 42
	if got, _, err := svc.Transition(ctx, sid, Update{Status: CallStatusCompleted, Duration: &dur}); err != nil || got.Duration == nil || *got.Duration != 42 {
		t.Fatalf("duration backfill: %+v err=%v", got, err)
	}

	if err := svc.MergeMetadata(ctx, sid, map[string]any{"relay_faults": 1}); err != nil {
		t.Fatalf("merge metadata: %v", err)
	}
	if err := svc.MergeMetadata(ctx, "CA-missing-"+run, map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("merge on missing record: %v", err)
	}

	list, err := svc.List(ctx, ListFilter{CampaignID: campaign})
	if err != nil || len(list) != 1 || list[0].Metadata["relay_faults"] != float64(1) {
		t.Fatalf("list = %+v err=%v", list, err)
	}
}

func TestPostgresRepoIntegration_PlacementFailureReleasesDedupKey(t *testing.T) {
	svc := newPostgresService(t)
	ctx := context.Background()
	run := time.Now().UTC().Format("20060102150405.000000")
	key := "r2|itest-" + run + "|first_notice"

	c, err := svc.Create(ctx, Call{ReceivableID: "r2", CampaignID: "itest-" + run, PhoneNumber: "+1555", DedupKey: key})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	failed, err := svc.MarkPlacementFailed(ctx, c.ID, "placement failed")
	if err != nil || failed.Status != CallStatusFailed || failed.DedupKey != "" {
		t.Fatalf("mark failed: %+v err=%v", failed, err)
	}
	if ok, _ := svc.Exists(ctx, key); ok {
		t.Fatal("dedup key must be released")
	}
	if _, err := svc.Create(ctx, Call{ReceivableID: "r2", CampaignID: "itest-" + run, PhoneNumber: "+1555", DedupKey: key}); err != nil {
		t.Fatalf("retry create: %v", err)
	}
}
