package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/calls"
	"collections-voice/internal/queue"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"
)

// CallStore is the slice of calls.Service the dispatcher writes through.
type CallStore interface {
	Create(ctx context.Context, c calls.Call) (calls.Call, error)
	FindByDedupKey(ctx context.Context, key string) (calls.Call, error)
	Rekey(ctx context.Context, oldID, newID string) (calls.Call, error)
	MarkPlacementFailed(ctx context.Context, id, reason string) (calls.Call, error)
	MergeMetadata(ctx context.Context, id string, meta map[string]any) error
}

// Config carries the placement endpoints. URLs are absolute and public.
type Config struct {
	FromNumber        string
	StatusCallbackURL string
	// StreamURL is the media-stream websocket for ModeStream calls.
	StreamURL string
	// TurnAnswerURL answers ModeTurn calls with the first gather.
	TurnAnswerURL string
	RingTimeout   time.Duration
}

// Result describes one dispatch.
type Result struct {
	CallID    string           `json:"call_id"`
	StreamID  string           `json:"stream_id,omitempty"`
	Status    calls.CallStatus `json:"status"`
	Duplicate bool             `json:"duplicate"`
}

// Dispatcher turns one queued job into a placed call and a Call Record.
// Every entry point (queue worker, queue webhook, operator API) goes
// through Dispatch.
type Dispatcher struct {
	Calls    CallStore
	Provider telephony.Provider
	Audit    *audit.Service
	// Limiter is optional; nil disables the per-campaign cap.
	Limiter Limiter
	Config  Config

	Clock func() time.Time
	Log   *slog.Logger
}

// Stream parameter names passed to the media stream.
const (
	ParamStreamID     = "streamId"
	ParamCallID       = "callId"
	ParamReceivableID = "receivableId"
	ParamCampaignID   = "campaignId"
	ParamContactName  = "contactName"
	ParamAmountDue    = "amountDue"
	ParamCurrency     = "currency"
	ParamDueDate      = "dueDate"
)

// failureReason is what operators see on a FAILED record. Provider detail
// stays in the logs.
const failureReason = "call placement failed"

// Validate checks the fields every job needs.
func Validate(job queue.Job) error {
	const op = "dispatch.validate"
	if strings.TrimSpace(job.ReceivableID) == "" {
		return errs.Validation(op, "receivableId is required")
	}
	if strings.TrimSpace(job.PhoneNumber) == "" {
		return errs.Validation(op, "phoneNumber is required")
	}
	switch job.Mode {
	case "", queue.ModeStream, queue.ModeTurn:
	default:
		return errs.Validation(op, "mode must be stream or turn")
	}
	return nil
}

// Dispatch validates job, records it at SCHEDULED, and places the call.
// A job whose dedup key already holds a record is a no-op Duplicate.
func (d *Dispatcher) Dispatch(ctx context.Context, job queue.Job) (Result, error) {
	const op = "dispatch.place_call"
	if err := Validate(job); err != nil {
		return Result{}, err
	}
	if d.Calls == nil || d.Provider == nil {
		return Result{}, errs.Internal(op, errors.New("dispatcher not configured"))
	}
	if job.Mode == "" {
		job.Mode = queue.ModeStream
	}
	log := logger.ForCall(d.log(), logger.CallRef{ReceivableID: job.ReceivableID, CampaignID: job.CampaignID}).
		With("job_id", job.ID)

	if d.Limiter != nil {
		slot := job.CampaignID
		if slot == "" {
			slot = "manual"
		}
		ok, err := d.Limiter.Acquire(ctx, slot)
		if err != nil {
			return Result{}, errs.Internal(op, fmt.Errorf("acquire placement slot: %w", err))
		}
		if !ok {
			log.Info("placement throttled")
			return Result{}, errs.Call(op, ErrThrottled)
		}
		defer func() {
			if err := d.Limiter.Release(context.WithoutCancel(ctx), slot); err != nil {
				log.Warn("release placement slot failed", "err", err)
			}
		}()
	}

	now := d.now()
	streamID := fmt.Sprintf("%s-%d", job.ReceivableID, now.UnixNano())
	rec, err := d.Calls.Create(ctx, calls.Call{
		ReceivableID: job.ReceivableID,
		CampaignID:   job.CampaignID,
		PhoneNumber:  job.PhoneNumber,
		DedupKey:     job.DedupKey(),
		Metadata: map[string]any{
			calls.MetaTriggerType: job.TriggerType,
			calls.MetaMode:        string(job.Mode),
			calls.MetaStreamID:    streamID,
			"job_id":              job.ID,
		},
	})
	if errors.Is(err, calls.ErrDuplicate) {
		existing, ferr := d.Calls.FindByDedupKey(ctx, job.DedupKey())
		if ferr != nil {
			log.Warn("duplicate job without visible record", "err", ferr)
		}
		log.Info("duplicate job ignored", "call_id", existing.ID)
		d.Audit.Record(ctx, audit.Event{
			Type:         audit.EventTypeDispatchDuplicate,
			CallID:       existing.ID,
			ReceivableID: job.ReceivableID,
			CampaignID:   job.CampaignID,
			Message:      "duplicate delivery ignored",
		})
		return Result{CallID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, errs.Internal(op, fmt.Errorf("create call record: %w", err))
	}
	log = log.With("call_id", rec.ID, "stream_id", streamID)

	req := d.placement(job, rec.ID, streamID)
	placed, err := d.Provider.PlaceCall(ctx, req)
	if err != nil {
		log.Error("call placement failed", "provider", d.Provider.Name(), "err", err)
		if _, merr := d.Calls.MarkPlacementFailed(context.WithoutCancel(ctx), rec.ID, failureReason); merr != nil {
			log.Error("mark placement failed", "err", merr)
		}
		d.Audit.Record(ctx, audit.Event{
			Type:         audit.EventTypeCallFailed,
			CallID:       rec.ID,
			ReceivableID: job.ReceivableID,
			CampaignID:   job.CampaignID,
			StreamID:     streamID,
			Message:      "placement request failed",
			Metadata:     audit.Meta(map[string]any{"error": err.Error(), "attempt": job.Attempts + 1}),
		})
		return Result{}, errs.Call(op, err)
	}

	callID := placed.ProviderCallID
	c, err := d.Calls.Rekey(ctx, rec.ID, callID)
	if err != nil {
		// The call is live; retrying would dial twice. Keep the sid in
		// metadata so the record can be reconciled.
		log.Error("rekey to provider call id failed", "provider_call_id", callID, "err", err)
		if merr := d.Calls.MergeMetadata(context.WithoutCancel(ctx), rec.ID, map[string]any{calls.MetaProviderCallSID: callID}); merr != nil {
			log.Error("record provider call id failed", "provider_call_id", callID, "err", merr)
		}
		c = rec
		callID = rec.ID
	}

	log.Info("call placed", "provider_call_id", placed.ProviderCallID, "mode", string(job.Mode))
	d.Audit.Record(ctx, audit.Event{
		Type:         audit.EventTypeCallDispatched,
		CallID:       callID,
		ReceivableID: job.ReceivableID,
		CampaignID:   job.CampaignID,
		StreamID:     streamID,
		Message:      "call placed",
		Metadata:     audit.Meta(map[string]any{"mode": string(job.Mode), "trigger_type": job.TriggerType}),
	})
	return Result{CallID: callID, StreamID: streamID, Status: c.Status}, nil
}

func (d *Dispatcher) placement(job queue.Job, callID, streamID string) telephony.PlaceCallRequest {
	params := map[string]string{
		ParamStreamID:     streamID,
		ParamCallID:       callID,
		ParamReceivableID: job.ReceivableID,
	}
	if job.CampaignID != "" {
		params[ParamCampaignID] = job.CampaignID
	}
	if job.Contact.Name != "" {
		params[ParamContactName] = job.Contact.Name
	}
	if job.Contact.AmountDue > 0 {
		params[ParamAmountDue] = strconv.FormatFloat(job.Contact.AmountDue, 'f', 2, 64)
	}
	if job.Contact.Currency != "" {
		params[ParamCurrency] = job.Contact.Currency
	}
	if job.Contact.DueDate != "" {
		params[ParamDueDate] = job.Contact.DueDate
	}

	req := telephony.PlaceCallRequest{
		To:                 job.PhoneNumber,
		From:               d.Config.FromNumber,
		StatusCallbackURL:  d.Config.StatusCallbackURL,
		RingTimeoutSeconds: int(d.Config.RingTimeout / time.Second),
	}
	if job.Mode == queue.ModeTurn {
		req.AnswerURL = withQuery(d.Config.TurnAnswerURL, params)
	} else {
		req.StreamURL = d.Config.StreamURL
		req.Parameters = params
	}
	return req
}

func withQuery(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Handle adapts Dispatch to queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	_, err := d.Dispatch(ctx, job)
	return err
}

// OnExhausted runs after a job is dead-lettered. A record still holding the
// job's dedup key is moved to FAILED.
func (d *Dispatcher) OnExhausted(ctx context.Context, job queue.Job, cause error) {
	log := logger.ForCall(d.log(), logger.CallRef{ReceivableID: job.ReceivableID, CampaignID: job.CampaignID})
	var callID string
	if key := job.DedupKey(); key != "" && d.Calls != nil {
		if c, err := d.Calls.FindByDedupKey(ctx, key); err == nil {
			callID = c.ID
			if !calls.IsTerminal(c.Status) {
				if _, err := d.Calls.MarkPlacementFailed(ctx, c.ID, failureReason); err != nil {
					log.Error("mark exhausted call failed", "call_id", c.ID, "err", err)
				}
			}
		}
	}
	log.Error("call job exhausted retries", "job_id", job.ID, "call_id", callID, "attempts", job.Attempts, "err", cause)
	d.Audit.Record(ctx, audit.Event{
		Type:         audit.EventTypeDispatchExhausted,
		CallID:       callID,
		ReceivableID: job.ReceivableID,
		CampaignID:   job.CampaignID,
		Message:      "retries exhausted",
		Metadata:     audit.Meta(map[string]any{"error": errString(cause), "attempts": job.Attempts}),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}
