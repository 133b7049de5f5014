package reporting

import (
	"context"
	"errors"

	"collections-voice/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallSource lists Call Records. *calls.Service satisfies it.
type CallSource interface {
	List(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

type Service struct {
	calls CallSource
}

func NewService(src CallSource) *Service { return &Service{calls: src} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.CampaignID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: call source not configured")
	}

	rows, err := s.calls.List(ctx, calls.ListFilter{CampaignID: req.CampaignID, From: req.Range.From, To: req.Range.To})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CampaignID: req.CampaignID, Range: req.Range}
	receivables := map[string]struct{}{}
	timed := 0
	terminal := 0
	for _, c := range rows {
		out.TotalCalls++
		receivables[c.ReceivableID] = struct{}{}
		if c.Duration != nil {
			out.TotalDurationSeconds += *c.Duration
			timed++
		}
		switch c.Status {
		case calls.CallStatusScheduled:
			out.ScheduledCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		}
		if calls.IsTerminal(c.Status) {
			terminal++
		}
		if n, ok := asInt(c.Metadata["relay_faults"]); ok && n > 0 {
			out.RelayFaultCalls++
		}
		if v, ok := c.Metadata["turn_error"]; ok && v != nil && v != "" {
			out.TurnErrorCalls++
		}
	}
	out.Receivables = len(receivables)
	if timed > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / timed
	}
	if terminal > 0 {
		out.ContactRate = float64(out.CompletedCalls) / float64(terminal)
	}
	return out, nil
}

// asInt reads a metadata number whether it came from memory (int) or from
// decoded JSON (float64).
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
