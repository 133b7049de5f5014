package campaigns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collections-voice/internal/queue"
	"collections-voice/pkg/logger"

	"github.com/robfig/cron/v3"
)

// DedupChecker reports whether a Call Record already holds a dedup key.
type DedupChecker interface {
	Exists(ctx context.Context, dedupKey string) (bool, error)
}

// PassReport summarises one scheduling pass.
type PassReport struct {
	Evaluated int `json:"evaluated"`
	Eligible  int `json:"eligible"`
	Queued    int `json:"queued"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Scheduler decides which (contact, receivable, trigger) tuples get a call
// and enqueues them. It never talks to the telephony provider.
type Scheduler struct {
	Catalog Catalog
	Queue   queue.Publisher
	Calls   DedupChecker

	// MinDelay is added to every job's notBefore; Spacing separates
	// consecutive jobs of one pass.
	MinDelay time.Duration
	Spacing  time.Duration

	Clock func() time.Time
	Log   *slog.Logger
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a cron expression ("@hourly", "0 * * * *").
func ValidateSpec(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// Start runs RunPass on spec until ctx is cancelled. Overlapping ticks are
// skipped while a pass is still running.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.log().Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunPass(ctx); err != nil {
			s.log().Error("scheduler pass failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}
	c.Start()
	s.log().Info("scheduler started", "cron", spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.log().Info("scheduler stopped")
	}()
	return nil
}

type candidate struct {
	job  queue.Job
	ref  logger.CallRef
	skip bool
}

// RunPass evaluates every active automated campaign once. A failure on one
// tuple is logged and counted; the pass continues.
func (s *Scheduler) RunPass(ctx context.Context) (PassReport, error) {
	var rep PassReport
	if s.Catalog == nil || s.Queue == nil {
		return rep, errors.New("scheduler: catalog and queue are required")
	}
	now := s.now()

	cs, err := s.Catalog.Campaigns(ctx)
	if err != nil {
		if len(cs) == 0 {
			return rep, err
		}
		s.log().Warn("campaign catalog reload failed", "err", err)
	}

	var todo []candidate
	for _, c := range cs {
		if !c.Active || !c.Automated {
			continue
		}
		if !InWindow(now, c.StartHour, c.EndHour, c.Location()) {
			s.log().Debug("campaign outside hour window", "campaign_id", c.ID)
			continue
		}
		for _, ct := range c.Contacts {
			for _, r := range ct.Receivables {
				if !r.IsOpen() {
					continue
				}
				for _, t := range c.Triggers {
					rep.Evaluated++
					cand, ok, err := s.evaluate(ctx, now, c, ct, r, t)
					switch {
					case err != nil:
						rep.Errors++
						logger.ForCall(s.log(), logger.CallRef{ReceivableID: r.ID, CampaignID: c.ID}).
							Warn("trigger evaluation failed", "trigger_type", t.TriggerType, "err", err)
					case !ok:
					case cand.skip:
						rep.Skipped++
					default:
						rep.Eligible++
						todo = append(todo, cand)
					}
				}
			}
		}
	}
	if len(todo) == 0 {
		return rep, nil
	}

	// Spacing staggers the pass so it does not burst the provider.
	jobs := make([]queue.Job, len(todo))
	for i, cand := range todo {
		jobs[i] = cand.job
		jobs[i].NotBefore = now.Add(s.MinDelay + time.Duration(i)*s.Spacing)
	}
	res, err := s.Queue.PublishBatch(ctx, jobs, queue.PublishOptions{})
	if err != nil && !errors.Is(err, queue.ErrBatchPartial) {
		return rep, fmt.Errorf("scheduler: publish: %w", err)
	}
	for _, f := range res.Failed {
		rep.Errors++
		logger.ForCall(s.log(), todo[f.Index].ref).
			Error("enqueue failed", "trigger_type", f.Job.TriggerType, "err", f.Err)
	}
	for i, id := range res.IDs {
		if id == "" {
			continue
		}
		rep.Queued++
		logger.ForCall(s.log(), todo[i].ref).Info("call queued",
			"job_id", id,
			"trigger_type", jobs[i].TriggerType,
			"not_before", jobs[i].NotBefore.Format(time.RFC3339),
		)
	}
	s.log().Info("scheduler pass complete",
		"evaluated", rep.Evaluated,
		"eligible", rep.Eligible,
		"queued", rep.Queued,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
	)
	return rep, nil
}

// evaluate decides one tuple. Panics are converted to errors so a bad row
// cannot abort the pass.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time, c Campaign, ct Contact, r Receivable, t Trigger) (cand candidate, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			ok = false
		}
	}()

	due, err := r.Due(c.Location())
	if err != nil {
		return candidate{}, false, fmt.Errorf("due date %q: %w", r.DueDate, err)
	}
	if !Eligible(now, due, t, c) {
		return candidate{}, false, nil
	}
	if ct.PhoneNumber == "" {
		return candidate{}, false, errors.New("contact has no phone number")
	}

	job := queue.Job{
		ReceivableID: r.ID,
		CampaignID:   c.ID,
		PhoneNumber:  ct.PhoneNumber,
		TriggerType:  t.TriggerType,
		Mode:         c.Mode,
		Contact: queue.Contact{
			Name:      ct.Name,
			AmountDue: r.AmountDue,
			Currency:  r.Currency,
			DueDate:   r.DueDate,
		},
	}
	ref := logger.CallRef{ReceivableID: r.ID, CampaignID: c.ID}
	if s.Calls != nil {
		exists, err := s.Calls.Exists(ctx, job.DedupKey())
		if err != nil {
			return candidate{}, false, fmt.Errorf("dedup lookup: %w", err)
		}
		if exists {
			return candidate{job: job, ref: ref, skip: true}, true, nil
		}
	}
	return candidate{job: job, ref: ref}, true, nil
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
