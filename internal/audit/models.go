package audit

import (
	"encoding/json"
	"time"
)

// Event is an immutable, append-only audit log record for the call pipeline.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names the receivable or call it concerns.
// - Recording is best-effort; do not block dispatch or relay on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is set for operator-initiated events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CallID       string `json:"call_id,omitempty" db:"call_id"`
	ReceivableID string `json:"receivable_id,omitempty" db:"receivable_id"`
	CampaignID   string `json:"campaign_id,omitempty" db:"campaign_id"`
	StreamID     string `json:"stream_id,omitempty" db:"stream_id"`

	// Message is a short description for internal ops. Never shown to
	// operators verbatim.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallDispatched    EventType = "call_dispatched"
	EventTypeCallFailed        EventType = "call_failed"
	EventTypeDispatchDuplicate EventType = "dispatch_duplicate"
	EventTypeDispatchExhausted EventType = "dispatch_exhausted"
	EventTypeManualDispatch    EventType = "manual_dispatch"
	EventTypeRelayFault        EventType = "relay_fault"
	EventTypeTurnFailed        EventType = "turn_failed"
)

// Meta encodes m as the Metadata column. Unencodable values yield "".
func Meta(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
