package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call outcomes for one campaign.
type CallsSummaryRequest struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`
}

type CallsSummary struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	ScheduledCalls  int `json:"scheduled_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`

	// Receivables counts distinct receivables attempted in the range.
	Receivables int `json:"receivables"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// ContactRate is completed calls over calls that reached a terminal
	// status.
	ContactRate float64 `json:"contact_rate"`
	// RelayFaultCalls counts calls whose audio relay recorded faults.
	RelayFaultCalls int `json:"relay_fault_calls"`
	// TurnErrorCalls counts turn-mode calls ended by a failed turn.
	TurnErrorCalls int `json:"turn_error_calls"`
}
