package conversation

import "time"

// Role is a transcript speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. The JSON shape matches the chat
// completion wire format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CallContext is what the agent knows about the debt when the call starts.
type CallContext struct {
	CallID       string
	ReceivableID string
	CampaignID   string
	ContactName  string
	AmountDue    string
	Currency     string
	DueDate      string
}

// Audio is a synthesized reply waiting to be fetched by the carrier.
type Audio struct {
	ID          string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}
