package calls

import "time"

// Call is one outbound dialing attempt.
//
// ID is the provider call identifier once the call has been placed, or an
// internally generated id while the placement request is in flight.
// Records are never deleted by the pipeline.
type Call struct {
	ID           string `json:"id" db:"id"`
	ReceivableID string `json:"receivable_id" db:"receivable_id"`
	CampaignID   string `json:"campaign_id,omitempty" db:"campaign_id"`
	PhoneNumber  string `json:"phone_number" db:"phone_number"`

	Status CallStatus `json:"status" db:"status"`

	// Duration is in seconds; nil until a terminal callback reports it.
	Duration *int `json:"duration" db:"duration"`

	StartTime *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	// DedupKey is receivable|campaign|trigger for scheduled jobs. It is
	// cleared when placement fails so a redelivery can try again.
	DedupKey string `json:"-" db:"dedup_key"`

	// Metadata holds provider call SID, stream id, transcript reference and
	// turn counters. Opaque to the store.
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusScheduled  CallStatus = "SCHEDULED"
	CallStatusInProgress CallStatus = "IN_PROGRESS"
	CallStatusCompleted  CallStatus = "COMPLETED"
	CallStatusFailed     CallStatus = "FAILED"
	CallStatusNoAnswer   CallStatus = "NO_ANSWER"
	CallStatusBusy       CallStatus = "BUSY"
)

// AllStatuses lists every status in rank order.
var AllStatuses = []CallStatus{
	CallStatusScheduled,
	CallStatusInProgress,
	CallStatusCompleted,
	CallStatusFailed,
	CallStatusNoAnswer,
	CallStatusBusy,
}

// Metadata keys written by the pipeline.
const (
	MetaProviderCallSID = "provider_call_sid"
	MetaInternalID      = "internal_id"
	MetaStreamID        = "stream_id"
	MetaTriggerType     = "trigger_type"
	MetaMode            = "mode"
	MetaFailureReason   = "failure_reason"
	MetaTranscriptRef   = "transcript_ref"
	MetaTurns           = "turns"
	MetaRelayFaults     = "relay_faults"
	MetaBytesRelayed    = "bytes_relayed"
)

// Update is a status write from one of the independent writers
// (status callback, relay end-of-stream, dispatcher).
type Update struct {
	Status    CallStatus
	Duration  *int
	StartTime *time.Time
	EndTime   *time.Time
	Metadata  map[string]any
}

// Outcome reports what a conditional write did.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeBackfilled Outcome = "backfilled"
	OutcomeIgnored    Outcome = "ignored"
)

// ListFilter selects records for reporting.
type ListFilter struct {
	CampaignID string
	From       time.Time
	To         time.Time
}

func (f ListFilter) matches(c Call) bool {
	if f.CampaignID != "" && c.CampaignID != f.CampaignID {
		return false
	}
	if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !c.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
