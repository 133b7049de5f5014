package relay

import (
	"fmt"
	"sync"
	"time"
)

// State is a StreamSession lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateStreaming  State = "streaming"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// transitions lists the allowed next states. failed is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	StateConnecting: {StateConnected, StateEnded, StateFailed},
	StateConnected:  {StateStreaming, StateEnded, StateFailed},
	StateStreaming:  {StatePaused, StateEnded, StateFailed},
	StatePaused:     {StateStreaming, StateEnded, StateFailed},
}

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// CanMove reports whether from may move to to.
func CanMove(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// maxFaults caps per-session fault history.
const maxFaults = 32

// Fault is a recorded relay problem that did not end the session on its own.
type Fault struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StreamSession is the ephemeral state of one live audio bridge. It is
// owned by one telephony leg and never persisted.
type StreamSession struct {
	mu sync.Mutex

	streamID  string
	callSID   string
	streamSID string
	state     State
	bytes     int64
	faults    []Fault
	faultsN   int
	startTime time.Time
	endTime   time.Time
	endReason string
}

func NewStreamSession(now time.Time) *StreamSession {
	return &StreamSession{state: StateConnecting, startTime: now}
}

// Bind records the identifiers learned from the carrier's start event.
func (s *StreamSession) Bind(streamID, callSID, streamSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID, s.callSID, s.streamSID = streamID, callSID, streamSID
}

// Move transitions the session. Moving to the current state is a no-op.
func (s *StreamSession) Move(to State, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if !CanMove(s.state, to) {
		return fmt.Errorf("relay: invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	if to.Terminal() {
		s.endTime = now
	}
	return nil
}

// End moves the session to ended or failed once and records why.
// It reports false when the session had already ended.
func (s *StreamSession) End(failed bool, reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = StateEnded
	if failed {
		s.state = StateFailed
	}
	s.endTime = now
	s.endReason = reason
	return true
}

func (s *StreamSession) AddBytes(n int) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.mu.Unlock()
}

func (s *StreamSession) Fault(kind, msg string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultsN++
	if len(s.faults) < maxFaults {
		s.faults = append(s.faults, Fault{Kind: kind, Message: msg, At: now})
	}
}

func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot is a copy of session state for logging and the Call Record.
type Snapshot struct {
	StreamID         string    `json:"stream_id"`
	CallSID          string    `json:"call_sid"`
	StreamSID        string    `json:"stream_sid"`
	State            State     `json:"state"`
	BytesTransferred int64     `json:"bytes_transferred"`
	FaultCount       int       `json:"fault_count"`
	Faults           []Fault   `json:"faults,omitempty"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`
	EndReason        string    `json:"end_reason,omitempty"`
}

func (s *StreamSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	faults := make([]Fault, len(s.faults))
	copy(faults, s.faults)
	return Snapshot{
		StreamID:         s.streamID,
		CallSID:          s.callSID,
		StreamSID:        s.streamSID,
		State:            s.state,
		BytesTransferred: s.bytes,
		FaultCount:       s.faultsN,
		Faults:           faults,
		StartTime:        s.startTime,
		EndTime:          s.endTime,
		EndReason:        s.endReason,
	}
}
