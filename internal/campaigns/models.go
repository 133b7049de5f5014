package campaigns

import (
	"time"

	"collections-voice/internal/queue"
)

// Campaign is read-only configuration evaluated by the Scheduler.
type Campaign struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Active    bool   `yaml:"active" json:"active"`
	Automated bool   `yaml:"automated" json:"automated"`

	// Business-hour window [StartHour, EndHour) in Timezone.
	StartHour int    `yaml:"start_hour" json:"start_hour"`
	EndHour   int    `yaml:"end_hour" json:"end_hour"`
	Timezone  string `yaml:"timezone" json:"timezone"`

	Mode queue.Mode `yaml:"mode" json:"mode"`

	Triggers []Trigger `yaml:"triggers" json:"triggers"`
	Contacts []Contact `yaml:"contacts" json:"contacts"`

	location *time.Location
}

// Location returns the parsed campaign timezone (UTC when unset).
func (c Campaign) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	return time.UTC
}

// Trigger maps a due-date offset to an automated call.
type Trigger struct {
	DaysOffsetFromDueDate int    `yaml:"days_offset_from_due_date" json:"days_offset_from_due_date"`
	TriggerType           string `yaml:"trigger_type" json:"trigger_type"`
}

type Contact struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	PhoneNumber string       `yaml:"phone_number" json:"phone_number"`
	Receivables []Receivable `yaml:"receivables" json:"receivables"`
}

type ReceivableStatus string

const (
	ReceivableOpen    ReceivableStatus = "open"
	ReceivablePaid    ReceivableStatus = "paid"
	ReceivableClosed  ReceivableStatus = "closed"
	ReceivableDispute ReceivableStatus = "disputed"
)

type Receivable struct {
	ID        string           `yaml:"id" json:"id"`
	AmountDue float64          `yaml:"amount_due" json:"amount_due"`
	Currency  string           `yaml:"currency" json:"currency"`
	DueDate   string           `yaml:"due_date" json:"due_date"` // YYYY-MM-DD
	Status    ReceivableStatus `yaml:"status" json:"status"`
}

// IsOpen reports whether the receivable still takes collection calls.
func (r Receivable) IsOpen() bool {
	return r.Status == "" || r.Status == ReceivableOpen
}

const dueDateLayout = "2006-01-02"

// Due parses DueDate as a calendar day in loc.
func (r Receivable) Due(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dueDateLayout, r.DueDate, loc)
}
