package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/calls"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
)

type legFixture struct {
	bus      *MemoryBus
	claimer  *MemoryClaimer
	registry *Registry
	calls    *calls.Service
	audits   *audit.MemoryRepo
	carrier  *telephony.RecordingProvider
	leg      *TelephonyLeg
}

func newLegFixture(t *testing.T, callIDs ...string) *legFixture {
	t.Helper()
	f := &legFixture{
		bus:     NewMemoryBus(64),
		claimer: NewMemoryClaimer(),
		calls:   calls.NewService(calls.NewMemoryRepo()),
		audits:  audit.NewMemoryRepo(),
		carrier: telephony.NewRecordingProvider(),
	}
	f.registry = NewRegistry(f.claimer)
	for _, id := range callIDs {
		if _, err := f.calls.Create(context.Background(), calls.Call{ID: id, ReceivableID: "r1", CampaignID: "c1"}); err != nil {
			t.Fatalf("seed call: %v", err)
		}
	}
	f.leg = &TelephonyLeg{
		Bus:            f.bus,
		Registry:       f.registry,
		Calls:          f.calls,
		Audit:          audit.NewService(f.audits, nil),
		Carrier:        f.carrier,
		Instance:       "test",
		IdleTimeout:    2 * time.Second,
		OutboundBuffer: 16,
	}
	return f
}

func (f *legFixture) serve(conn Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.leg.Serve(context.Background(), conn) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func TestTelephonyLeg_RelaysBothDirections(t *testing.T) {
	f := newLegFixture(t, "CA1")
	ctx := context.Background()

	sessions, _ := f.bus.Subscribe(ctx, SessionsChannel)
	defer sessions.Close()
	media, _ := f.bus.Subscribe(ctx, Channel("r1-1", TopicMedia), Channel("r1-1", TopicStop))
	defer media.Close()

	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, map[string]any{"event": "connected", "protocol": "Call"})
	conn.send(t, startFrame("r1-1", "CA1"))

	ann := receive(t, sessions).Envelope.Session
	if ann == nil || ann.StreamID != "r1-1" || ann.CallSID != "CA1" || ann.Parameters["contactName"] != "Ana" {
		t.Fatalf("announcement = %+v", ann)
	}
	eventually(t, "call in progress", func() bool {
		c, _ := f.calls.Get(ctx, "CA1")
		return c.Status == calls.CallStatusInProgress && c.StartTime != nil
	})

	conn.send(t, mediaFrame("AAECAw=="))
	if m := receive(t, media); m.Envelope.Topic != TopicMedia || m.Envelope.Payload != "AAECAw==" || m.Envelope.Source != SourceTelephony {
		t.Fatalf("media envelope = %+v", m.Envelope)
	}

	_ = f.bus.Publish(ctx, Channel("r1-1", TopicAudio), Envelope{StreamID: "r1-1", Topic: TopicAudio, Payload: "BBBB", Source: SourceAI})
	eventually(t, "outbound media frame", func() bool {
		return hasFrame(conn.frames(), func(m map[string]any) bool {
			media, _ := m["media"].(map[string]any)
			return m["event"] == "media" && m["streamSid"] == "MZCA1" && media["payload"] == "BBBB"
		})
	})

	_ = f.bus.Publish(ctx, Channel("r1-1", TopicClear), Envelope{StreamID: "r1-1", Topic: TopicClear, Source: SourceAI})
	eventually(t, "clear frame", func() bool {
		return hasFrame(conn.frames(), func(m map[string]any) bool { return m["event"] == "clear" })
	})

	conn.send(t, map[string]any{"event": "stop"})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if m := receive(t, media); m.Envelope.Topic != TopicStop || m.Envelope.Source != SourceTelephony {
		t.Fatalf("expected stop, got %+v", m.Envelope)
	}

	c, _ := f.calls.Get(ctx, "CA1")
	if c.Status != calls.CallStatusCompleted || c.EndTime == nil {
		t.Fatalf("call after stop = %+v", c)
	}
	if c.Metadata["stream_id"] != "r1-1" || c.Metadata["bytes_relayed"] == nil {
		t.Fatalf("metadata = %v", c.Metadata)
	}
	if f.registry.Active() != 0 {
		t.Fatal("stream still bound after stop")
	}
	if n := f.bus.Subscribers(Channel("r1-1", TopicAudio)); n != 0 {
		t.Fatalf("audio subscribers after stop = %d", n)
	}
	if !conn.isClosed() {
		t.Fatal("carrier socket not closed")
	}
}

func TestTelephonyLeg_DuplicateStartIsIgnored(t *testing.T) {
	f := newLegFixture(t, "CA1")
	ctx := context.Background()

	first := newFakeSocket()
	firstDone := f.serve(first)
	first.send(t, startFrame("r1-1", "CA1"))
	eventually(t, "first bind", func() bool { return f.registry.Active() == 1 })

	impatient := *f.leg
	impatient.IdleTimeout = 200 * time.Millisecond
	second := newFakeSocket()
	secondDone := make(chan error, 1)
	go func() { secondDone <- impatient.Serve(ctx, second) }()
	second.send(t, startFrame("r1-1", "CA1"))

	// The second socket never binds and ends on idle.
	if err := waitDone(t, secondDone); err == nil {
		t.Fatal("unbound socket should end failed on idle timeout")
	}
	if _, ok := f.registry.Get("r1-1"); !ok {
		t.Fatal("first owner lost the stream")
	}
	c, _ := f.calls.Get(ctx, "CA1")
	if c.Status != calls.CallStatusInProgress {
		t.Fatalf("duplicate start must not touch the call: %s", c.Status)
	}

	first.send(t, map[string]any{"event": "stop"})
	if err := waitDone(t, firstDone); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
}

func TestTelephonyLeg_AgentStopEndsCall(t *testing.T) {
	f := newLegFixture(t, "CA1")
	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, startFrame("r1-1", "CA1"))
	eventually(t, "bind", func() bool { return f.registry.Active() == 1 })

	_ = f.bus.Publish(context.Background(), Channel("r1-1", TopicStop), Envelope{StreamID: "r1-1", Topic: TopicStop, Reason: "agent closed", Source: SourceAI})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("agent stop must close the carrier socket")
	}
}

func TestTelephonyLeg_IdleTimeoutFailsCallAndAudits(t *testing.T) {
	f := newLegFixture(t, "CA1")
	f.leg.IdleTimeout = 150 * time.Millisecond
	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, startFrame("r1-1", "CA1"))

	err := waitDone(t, done)
	if errs.KindOf(err) != errs.KindStream {
		t.Fatalf("idle timeout should report a stream failure, got %v", err)
	}
	c, _ := f.calls.Get(context.Background(), "CA1")
	if c.Status != calls.CallStatusFailed {
		t.Fatalf("status = %s, want FAILED", c.Status)
	}
	updates := f.carrier.UpdatesFor("CA1")
	if len(updates) != 1 || !strings.Contains(updates[0], "<Hangup") {
		t.Fatalf("failed relay must hang up the live call, updates = %v", updates)
	}
	events := f.audits.OfType(audit.EventTypeRelayFault)
	if len(events) != 1 || events[0].StreamID != "r1-1" || events[0].CallID != "CA1" {
		t.Fatalf("relay fault events = %+v", events)
	}
}

func TestTelephonyLeg_FallsBackToInternalCallID(t *testing.T) {
	f := newLegFixture(t, "internal-1")
	conn := newFakeSocket()
	done := f.serve(conn)
	start := startFrame("r1-1", "CA404")
	start["start"].(map[string]any)["customParameters"].(map[string]string)["callId"] = "internal-1"
	conn.send(t, start)

	eventually(t, "in-progress via internal id", func() bool {
		c, err := f.calls.Get(context.Background(), "internal-1")
		return err == nil && c.Status == calls.CallStatusInProgress
	})
	conn.Close()
	_ = waitDone(t, done)
	c, _ := f.calls.Get(context.Background(), "internal-1")
	if !calls.IsTerminal(c.Status) {
		t.Fatalf("status = %s, want terminal", c.Status)
	}
}

func TestTelephonyLeg_BadFramesAreFaultsNotFatal(t *testing.T) {
	f := newLegFixture(t, "CA1")
	conn := newFakeSocket()
	done := f.serve(conn)
	conn.in <- []byte("{not json")
	conn.send(t, startFrame("r1-1", "CA1"))
	conn.send(t, mediaFrame("%%%"))
	conn.send(t, map[string]any{"event": "stop"})

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	c, _ := f.calls.Get(context.Background(), "CA1")
	if c.Status != calls.CallStatusCompleted {
		t.Fatalf("status = %s", c.Status)
	}
	if faults, _ := c.Metadata["relay_faults"].(int); faults != 2 {
		t.Fatalf("relay_faults = %v, want 2", c.Metadata["relay_faults"])
	}
}

type redirectFailsCarrier struct {
	mu      sync.Mutex
	hungUp  []string
	updates int
}

func (c *redirectFailsCarrier) UpdateCall(ctx context.Context, providerCallID, twiml string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	return errors.New("call not in-progress")
}

func (c *redirectFailsCarrier) Hangup(ctx context.Context, providerCallID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp = append(c.hungUp, providerCallID)
	return nil
}

func TestTelephonyLeg_FailedRelayFallsBackToHangup(t *testing.T) {
	f := newLegFixture(t, "CA1")
	carrier := &redirectFailsCarrier{}
	f.leg.Carrier = carrier
	f.leg.IdleTimeout = 150 * time.Millisecond

	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, startFrame("r1-1", "CA1"))
	if err := waitDone(t, done); err == nil {
		t.Fatal("expected failed stream")
	}

	carrier.mu.Lock()
	defer carrier.mu.Unlock()
	if carrier.updates != 1 || len(carrier.hungUp) != 1 || carrier.hungUp[0] != "CA1" {
		t.Fatalf("updates=%d hungUp=%v", carrier.updates, carrier.hungUp)
	}
}

func TestTelephonyLeg_CleanStopLeavesCallAlone(t *testing.T) {
	f := newLegFixture(t, "CA1")
	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, startFrame("r1-1", "CA1"))
	conn.send(t, map[string]any{"event": "stop"})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(f.carrier.UpdatesFor("CA1")) != 0 || len(f.carrier.HungUpCalls()) != 0 {
		t.Fatal("carrier touched on clean stop")
	}
}

func TestTelephonyLeg_RenewsOwnershipAndYieldsWhenLost(t *testing.T) {
	f := newLegFixture(t, "CA1")
	f.leg.RenewEvery = 20 * time.Millisecond
	conn := newFakeSocket()
	done := f.serve(conn)
	conn.send(t, startFrame("r1-1", "CA1"))
	eventually(t, "bind", func() bool { return f.registry.Active() == 1 })

	// Several renewals pass while the lease is ours.
	time.Sleep(80 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Serve ended while owning the stream: %v", err)
	default:
	}

	f.claimer.mu.Lock()
	f.claimer.owners["r1-1"] = "other-instance"
	f.claimer.mu.Unlock()

	if err := waitDone(t, done); err == nil {
		t.Fatal("lost ownership should end the stream failed")
	}
	c, _ := f.calls.Get(context.Background(), "CA1")
	if c.Status != calls.CallStatusInProgress {
		t.Fatalf("call now owned elsewhere must not be finalized: %s", c.Status)
	}
	if len(f.carrier.UpdatesFor("CA1")) != 0 || len(f.carrier.HungUpCalls()) != 0 {
		t.Fatal("call owned elsewhere must not be hung up")
	}
	if held, _ := f.claimer.Held(context.Background(), "r1-1"); !held {
		t.Fatal("the new owner's claim must survive our teardown")
	}
}
