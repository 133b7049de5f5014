package telephony

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callAPI is the slice of the Twilio REST surface the adapter uses.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// statusEvents are the progress callbacks requested for every call.
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioProvider places and controls calls through the Twilio REST API.
type TwilioProvider struct {
	api        callAPI
	accountSID string
}

// NewTwilioProvider builds a provider authenticated with the account's auth
// token.
func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{api: rc.Api, accountSID: accountSID}
}

func newTwilioProviderWithAPI(api callAPI, accountSID string) *TwilioProvider {
	return &TwilioProvider{api: api, accountSID: accountSID}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if p == nil || p.api == nil {
		return PlaceCallResult{}, ErrNotConfigured
	}
	if err := req.validate(); err != nil {
		return PlaceCallResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PlaceCallResult{}, err
	}

	params := &twilioApi.CreateCallParams{}
	if p.accountSID != "" {
		params.SetPathAccountSid(p.accountSID)
	}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	if req.StreamURL != "" {
		twiml, err := NewResponse().ConnectStream(req.StreamURL, req.Parameters).Render()
		if err != nil {
			return PlaceCallResult{}, fmt.Errorf("telephony: render stream twiml: %w", err)
		}
		params.SetTwiml(twiml)
	} else {
		params.SetUrl(req.AnswerURL)
		params.SetMethod("POST")
	}
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(statusEvents)
	}
	if req.RingTimeoutSeconds > 0 {
		params.SetTimeout(req.RingTimeoutSeconds)
	}

	resp, err := p.api.CreateCall(params)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio create call returned no sid")
	}
	out := PlaceCallResult{ProviderCallID: *resp.Sid}
	if resp.Status != nil {
		out.Status = *resp.Status
	}
	return out, nil
}

func (p *TwilioProvider) UpdateCall(ctx context.Context, providerCallID, twiml string) error {
	if p == nil || p.api == nil {
		return ErrNotConfigured
	}
	if providerCallID == "" || twiml == "" {
		return ErrBadRequest
	}
	params := &twilioApi.UpdateCallParams{}
	if p.accountSID != "" {
		params.SetPathAccountSid(p.accountSID)
	}
	params.SetTwiml(twiml)
	if _, err := p.api.UpdateCall(providerCallID, params); err != nil {
		return fmt.Errorf("telephony: twilio update call: %w", err)
	}
	return nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, providerCallID string) error {
	if p == nil || p.api == nil {
		return ErrNotConfigured
	}
	if providerCallID == "" {
		return ErrBadRequest
	}
	params := &twilioApi.UpdateCallParams{}
	if p.accountSID != "" {
		params.SetPathAccountSid(p.accountSID)
	}
	params.SetStatus("completed")
	if _, err := p.api.UpdateCall(providerCallID, params); err != nil {
		return fmt.Errorf("telephony: twilio hangup: %w", err)
	}
	return nil
}
