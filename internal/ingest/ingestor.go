package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collections-voice/internal/calls"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"
)

// ErrUnknownCall is returned for callbacks whose provider id has no Call
// Record. Callers report it; it is not fatal.
var ErrUnknownCall = errors.New("ingest: unknown call")

// CallStore is the slice of calls.Service the ingestor writes through.
type CallStore interface {
	Transition(ctx context.Context, id string, u calls.Update) (calls.Call, calls.Outcome, error)
}

// Callback is a provider-neutral status callback.
type Callback struct {
	ProviderCallID string
	Status         string
	Duration       string
}

type Result struct {
	Status  calls.CallStatus `json:"status"`
	Known   bool             `json:"known_status"`
	Outcome calls.Outcome    `json:"outcome"`
	Call    calls.Call       `json:"-"`
}

// Ingestor normalises status callbacks into Call Record writes.
type Ingestor struct {
	Calls CallStore
	Clock func() time.Time
	Log   *slog.Logger
}

// Ingest updates exactly one Call Record. Rejected transitions are not
// errors; they come back as OutcomeIgnored.
func (i *Ingestor) Ingest(ctx context.Context, cb Callback) (Result, error) {
	const op = "ingest.status_callback"
	if cb.ProviderCallID == "" {
		return Result{}, errs.Validation(op, "provider call id is required")
	}
	status, known := MapStatus(cb.Status)
	dur := ParseDuration(cb.Duration)
	log := logger.ForCall(i.log(), logger.CallRef{CallID: cb.ProviderCallID})
	if !known {
		log.Warn("unrecognised provider status", "provider_status", cb.Status)
	}
	if cb.Duration != "" && dur == nil {
		log.Warn("unparsable call duration", "raw_duration", cb.Duration)
	}

	now := i.now().UTC()
	u := calls.Update{Status: status, Duration: dur}
	switch {
	case status == calls.CallStatusInProgress:
		u.StartTime = &now
	case calls.IsTerminal(status):
		u.EndTime = &now
	}

	c, outcome, err := i.Calls.Transition(ctx, cb.ProviderCallID, u)
	if errors.Is(err, calls.ErrNotFound) {
		log.Warn("status callback for unknown call", "provider_status", cb.Status)
		return Result{Status: status, Known: known, Outcome: calls.OutcomeIgnored}, ErrUnknownCall
	}
	if err != nil {
		return Result{}, errs.Internal(op, err)
	}

	log.Info("status callback ingested",
		"provider_status", cb.Status,
		"status", string(status),
		"outcome", string(outcome),
		"stored_status", string(c.Status),
	)
	return Result{Status: status, Known: known, Outcome: outcome, Call: c}, nil
}

func (i *Ingestor) now() time.Time {
	if i.Clock != nil {
		return i.Clock()
	}
	return time.Now()
}

func (i *Ingestor) log() *slog.Logger {
	if i.Log != nil {
		return i.Log
	}
	return slog.Default()
}
