package relay

import (
	"testing"
	"time"
)

func TestStreamSession_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStreamSession(now)
	if s.State() != StateConnecting {
		t.Fatalf("initial state = %s", s.State())
	}
	for _, to := range []State{StateConnected, StateStreaming, StatePaused, StateStreaming} {
		if err := s.Move(to, now); err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
	}
	if err := s.Move(StateConnecting, now); err == nil {
		t.Fatal("streaming -> connecting must be rejected")
	}
	if !s.End(false, "carrier stop", now.Add(time.Minute)) {
		t.Fatal("first End must report true")
	}
	if s.End(true, "late failure", now.Add(2*time.Minute)) {
		t.Fatal("End after end must report false")
	}
	snap := s.Snapshot()
	if snap.State != StateEnded || snap.EndReason != "carrier stop" || !snap.EndTime.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := s.Move(StateStreaming, now); err == nil {
		t.Fatal("terminal sessions must not move")
	}
}

func TestStreamSession_FailedFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []State{StateConnecting, StateConnected, StateStreaming, StatePaused} {
		if !CanMove(from, StateFailed) {
			t.Fatalf("%s -> failed must be allowed", from)
		}
	}
	for _, from := range []State{StateEnded, StateFailed} {
		if CanMove(from, StateFailed) {
			t.Fatalf("%s is terminal", from)
		}
	}
}

func TestStreamSession_FaultsAreCapped(t *testing.T) {
	s := NewStreamSession(time.Now())
	for i := 0; i < maxFaults+10; i++ {
		s.Fault("publish", "boom", time.Now())
	}
	s.AddBytes(160)
	s.AddBytes(160)
	snap := s.Snapshot()
	if snap.FaultCount != maxFaults+10 || len(snap.Faults) != maxFaults {
		t.Fatalf("faults: count=%d kept=%d", snap.FaultCount, len(snap.Faults))
	}
	if snap.BytesTransferred != 320 {
		t.Fatalf("bytes = %d", snap.BytesTransferred)
	}
}
