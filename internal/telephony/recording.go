package telephony

import (
	"context"
	"fmt"
	"sync"
)

// RecordingProvider is an in-process Provider that records every request.
// It backs local runs without carrier credentials and the dispatcher and
// turn-controller tests.
type RecordingProvider struct {
	mu      sync.Mutex
	seq     int
	Placed  []PlaceCallRequest
	Updates map[string][]string
	HungUp  []string

	// PlaceErr, when set, fails every PlaceCall.
	PlaceErr error
	// UpdateErr, when set, fails every UpdateCall and Hangup.
	UpdateErr error
}

func NewRecordingProvider() *RecordingProvider {
	return &RecordingProvider{Updates: map[string][]string{}}
}

func (p *RecordingProvider) Name() string { return "recording" }

func (p *RecordingProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := req.validate(); err != nil {
		return PlaceCallResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlaceErr != nil {
		return PlaceCallResult{}, p.PlaceErr
	}
	p.seq++
	p.Placed = append(p.Placed, req)
	return PlaceCallResult{ProviderCallID: fmt.Sprintf("CA%032d", p.seq), Status: "queued"}, nil
}

func (p *RecordingProvider) UpdateCall(ctx context.Context, providerCallID, twiml string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UpdateErr != nil {
		return p.UpdateErr
	}
	if p.Updates == nil {
		p.Updates = map[string][]string{}
	}
	p.Updates[providerCallID] = append(p.Updates[providerCallID], twiml)
	return nil
}

func (p *RecordingProvider) Hangup(ctx context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UpdateErr != nil {
		return p.UpdateErr
	}
	p.HungUp = append(p.HungUp, providerCallID)
	return nil
}

// PlacedCalls returns a copy of the recorded placements.
func (p *RecordingProvider) PlacedCalls() []PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlaceCallRequest, len(p.Placed))
	copy(out, p.Placed)
	return out
}

// UpdatesFor returns a copy of the TwiML sent to providerCallID.
func (p *RecordingProvider) UpdatesFor(providerCallID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Updates[providerCallID]...)
}

// HungUpCalls returns a copy of the hung-up call ids.
func (p *RecordingProvider) HungUpCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.HungUp...)
}
