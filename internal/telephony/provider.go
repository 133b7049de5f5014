package telephony

import (
	"context"
	"errors"
)

// Provider is the provider-agnostic interface used by the dispatcher, relay
// and turn controller.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic; raw provider payloads go
//   into Call Record metadata when needed.
type Provider interface {
	Name() string

	// PlaceCall starts an outbound call. The returned ProviderCallID is stored
	// verbatim as the Call Record id.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// UpdateCall replaces the live call's instructions with twiml.
	UpdateCall(ctx context.Context, providerCallID, twiml string) error

	Hangup(ctx context.Context, providerCallID string) error
}

// PlaceCallRequest is the single outbound placement contract. Exactly one of
// StreamURL or AnswerURL is set.
type PlaceCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`

	// StatusCallbackURL receives asynchronous call-status callbacks.
	StatusCallbackURL string `json:"status_callback_url"`

	// StreamURL is the media-stream websocket for streaming calls.
	StreamURL string `json:"stream_url,omitempty"`
	// AnswerURL returns TwiML for turn-based calls.
	AnswerURL string `json:"answer_url,omitempty"`

	// Parameters are passed to the media stream as custom parameters.
	Parameters map[string]string `json:"parameters,omitempty"`

	// RingTimeoutSeconds bounds how long the callee's phone rings.
	RingTimeoutSeconds int `json:"ring_timeout_seconds,omitempty"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	// Status is the provider's initial status ("queued" for Twilio).
	Status string `json:"status"`
}

var (
	ErrNotConfigured = errors.New("telephony: provider not configured")
	ErrBadRequest    = errors.New("telephony: invalid placement request")
)

func (r PlaceCallRequest) validate() error {
	switch {
	case r.To == "":
		return errors.Join(ErrBadRequest, errors.New("to is required"))
	case r.From == "":
		return errors.Join(ErrBadRequest, errors.New("from is required"))
	case r.StreamURL == "" && r.AnswerURL == "":
		return errors.Join(ErrBadRequest, errors.New("stream_url or answer_url is required"))
	case r.StreamURL != "" && r.AnswerURL != "":
		return errors.Join(ErrBadRequest, errors.New("stream_url and answer_url are exclusive"))
	}
	return nil
}
