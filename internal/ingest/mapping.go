package ingest

import (
	"strconv"
	"strings"

	"collections-voice/internal/calls"
)

// ProviderStatusTable maps every Twilio CallStatus value to the internal
// status. Anything not listed maps to DefaultStatus, which can never move a
// record backwards because status writes are rank-guarded.
var ProviderStatusTable = map[string]calls.CallStatus{
	"queued":      calls.CallStatusScheduled,
	"initiated":   calls.CallStatusScheduled,
	"ringing":     calls.CallStatusScheduled,
	"in-progress": calls.CallStatusInProgress,
	"completed":   calls.CallStatusCompleted,
	"busy":        calls.CallStatusBusy,
	"failed":      calls.CallStatusFailed,
	"canceled":    calls.CallStatusFailed,
	"no-answer":   calls.CallStatusNoAnswer,
}

// DefaultStatus is used for unrecognised provider statuses.
const DefaultStatus = calls.CallStatusScheduled

// MapStatus normalises a provider status. known is false when the default
// was applied.
func MapStatus(providerStatus string) (status calls.CallStatus, known bool) {
	s, ok := ProviderStatusTable[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return DefaultStatus, false
	}
	return s, true
}

// ParseDuration reads CallDuration in whole seconds. Missing, non-numeric or
// negative values yield nil.
func ParseDuration(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
