package telephony

import (
	"net/http"
	"strings"

	"collections-voice/pkg/errs"
)

// StatusCallback captures the subset of Twilio status-callback fields the
// ingestor uses. Twilio posts application/x-www-form-urlencoded.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type StatusCallback struct {
	CallSid        string
	AccountSid     string
	CallStatus     string
	CallDuration   string
	Timestamp      string
	SequenceNumber string
	From           string
	To             string
}

// ParseStatusCallback parses a status callback. CallDuration is kept raw;
// interpreting it is the ingestor's job.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, errs.Validation("telephony.parse_status", "invalid form")
	}
	f := StatusCallback{
		CallSid:        strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:     r.PostFormValue("AccountSid"),
		CallStatus:     strings.TrimSpace(r.PostFormValue("CallStatus")),
		CallDuration:   r.PostFormValue("CallDuration"),
		Timestamp:      r.PostFormValue("Timestamp"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
		From:           normalizePhone(r.PostFormValue("From")),
		To:             normalizePhone(r.PostFormValue("To")),
	}
	if f.CallSid == "" {
		return f, errs.Validation("telephony.parse_status", "CallSid is required")
	}
	return f, nil
}

// GatherCallback is the result of a speech <Gather>.
type GatherCallback struct {
	CallSid      string
	SpeechResult string
	Confidence   string
}

func ParseGatherCallback(r *http.Request) (GatherCallback, error) {
	if err := r.ParseForm(); err != nil {
		return GatherCallback{}, errs.Validation("telephony.parse_gather", "invalid form")
	}
	f := GatherCallback{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		SpeechResult: strings.TrimSpace(r.PostFormValue("SpeechResult")),
		Confidence:   r.PostFormValue("Confidence"),
	}
	if f.CallSid == "" {
		return f, errs.Validation("telephony.parse_gather", "CallSid is required")
	}
	return f, nil
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}
