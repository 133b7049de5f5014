package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/calls"
	"collections-voice/internal/dispatch"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the carrier side of a media stream. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// CallStore is the Call Record surface the relay writes.
type CallStore interface {
	Transition(ctx context.Context, id string, u calls.Update) (calls.Call, calls.Outcome, error)
	MergeMetadata(ctx context.Context, id string, meta map[string]any) error
}

// CallControl acts on the live call at the carrier. telephony.Provider
// satisfies it.
type CallControl interface {
	UpdateCall(ctx context.Context, providerCallID, twiml string) error
	Hangup(ctx context.Context, providerCallID string) error
}

const relayFailureMessage = "We are having trouble connecting you. We will call you back later. Goodbye."

// TelephonyLeg serves carrier media-stream sockets. One Serve call owns one
// socket for its lifetime.
type TelephonyLeg struct {
	Bus      Bus
	Registry *Registry
	Calls    CallStore
	Audit    *audit.Service
	// Carrier ends the call when the relay fails. Nil leaves the call to
	// the carrier.
	Carrier CallControl

	// Instance prefixes ownership tokens so operators can tell which
	// process holds a stream.
	Instance       string
	IdleTimeout    time.Duration
	OutboundBuffer int
	// RenewEvery is the ownership renewal period. Keep it well under the
	// claimer TTL. Zero disables renewal.
	RenewEvery time.Duration

	Clock func() time.Time
	Log   *slog.Logger
}

type inboundFrame struct {
	data []byte
	err  error
}

func readLoop(ctx context.Context, conn Conn, out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// legState is the per-socket state Serve threads through its handlers.
type legState struct {
	session   *StreamSession
	streamID  string
	callSID   string
	streamSID string
	callID    string
	owner     string
	bound     bool
	sub       Subscription
	out       *outboundQueue
	log       *slog.Logger

	// callKey is the Call Record id that resolved, once known.
	callKey string
}

type ending struct {
	failed  bool
	reason  string
	publish bool
	// lost means another instance now owns the stream; the call is left
	// alone.
	lost bool
}

// Serve relays one carrier socket until the stream stops, the socket
// closes, the idle timeout passes, or ctx ends. It always closes conn and
// returns an error only when the session ended failed.
func (l *TelephonyLeg) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &legState{
		session: NewStreamSession(l.now()),
		out:     newOutboundQueue(l.OutboundBuffer),
		log:     l.log(),
	}

	readCh := make(chan inboundFrame, 64)
	go readLoop(ctx, conn, readCh)

	writerErr := make(chan error, 1)
	go func() { writerErr <- l.writeLoop(ctx, conn, st.out) }()

	idle := l.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var renewC <-chan time.Time
	if l.RenewEvery > 0 {
		renew := time.NewTicker(l.RenewEvery)
		defer renew.Stop()
		renewC = renew.C
	}

	var end ending
	for end.reason == "" {
		var busC <-chan Message
		if st.sub != nil {
			busC = st.sub.C()
		}
		select {
		case f, ok := <-readCh:
			if !ok {
				end = ending{failed: true, reason: "carrier socket closed", publish: true}
				break
			}
			if f.err != nil {
				end = l.classifyReadErr(st, f.err)
				break
			}
			timer.Reset(idle)
			end = l.onCarrierFrame(ctx, st, f.data)

		case m, ok := <-busC:
			if !ok {
				end = ending{failed: true, reason: "bus subscription closed", publish: true}
				break
			}
			end = l.onBusMessage(st, m)

		case err := <-writerErr:
			writerErr = nil
			if err != nil {
				end = ending{failed: true, reason: "carrier write failed", publish: true}
			}

		case <-timer.C:
			st.session.Fault("idle_timeout", fmt.Sprintf("no carrier frames for %s", idle), l.now())
			end = ending{failed: true, reason: "idle timeout", publish: true}

		case <-renewC:
			end = l.renew(ctx, st)

		case <-ctx.Done():
			end = ending{reason: "shutdown", publish: true}
		}
	}

	l.teardown(ctx, st, conn, end)
	if end.failed {
		return errs.Stream("relay.serve", fmt.Errorf("stream failed: %s", end.reason))
	}
	return nil
}

func (l *TelephonyLeg) renew(ctx context.Context, st *legState) ending {
	if !st.bound {
		return ending{}
	}
	held, err := l.Registry.Renew(ctx, st.streamID, st.owner)
	if err != nil {
		st.session.Fault("renew", err.Error(), l.now())
		return ending{}
	}
	if !held {
		st.session.Fault("ownership_lost", "stream claimed by another instance", l.now())
		return ending{failed: true, reason: "ownership lost", lost: true}
	}
	return ending{}
}

func (l *TelephonyLeg) classifyReadErr(st *legState, err error) ending {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ending{reason: "carrier closed", publish: true}
	}
	st.session.Fault("carrier_read", err.Error(), l.now())
	return ending{failed: true, reason: "carrier socket closed", publish: true}
}

func (l *TelephonyLeg) onCarrierFrame(ctx context.Context, st *legState, data []byte) ending {
	var f carrierFrame
	if err := json.Unmarshal(data, &f); err != nil {
		st.session.Fault("decode", "unreadable carrier frame", l.now())
		return ending{}
	}

	switch f.Event {
	case eventConnected:
		_ = st.session.Move(StateConnected, l.now())

	case eventStart:
		if f.Start == nil {
			st.session.Fault("decode", "start frame without start block", l.now())
			return ending{}
		}
		if st.bound {
			st.log.Warn("duplicate start on bound stream ignored", "stream_sid", f.Start.StreamSID)
			return ending{}
		}
		if err := l.bind(ctx, st, f.Start); err != nil {
			if errors.Is(err, ErrStreamInUse) {
				st.log.Warn("start for stream owned elsewhere ignored",
					"stream_id", st.streamID, "call_sid", f.Start.CallSID)
				return ending{}
			}
			st.log.Error("relay bind failed", "err", err)
			return ending{failed: true, reason: "bind failed"}
		}

	case eventMedia:
		if !st.bound || f.Media == nil {
			return ending{}
		}
		raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			st.session.Fault("decode", "media payload is not base64", l.now())
			return ending{}
		}
		st.session.AddBytes(len(raw))
		if st.session.State() == StatePaused {
			_ = st.session.Move(StateStreaming, l.now())
		}
		err = l.Bus.Publish(ctx, Channel(st.streamID, TopicMedia), Envelope{
			StreamID: st.streamID,
			Topic:    TopicMedia,
			Payload:  f.Media.Payload,
			Source:   SourceTelephony,
			At:       l.now(),
		})
		if err != nil {
			st.session.Fault("publish", err.Error(), l.now())
		}

	case eventStop:
		return ending{reason: "carrier stop", publish: true}

	case eventMark:
		// Playback acknowledgements; nothing to relay.

	default:
		st.log.Debug("unknown carrier event", "event", f.Event)
	}
	return ending{}
}

func (l *TelephonyLeg) bind(ctx context.Context, st *legState, start *carrierStart) error {
	params := start.CustomParameters
	streamID := params[dispatch.ParamStreamID]
	if streamID == "" {
		streamID = start.StreamSID
	}
	st.streamID = streamID
	st.callSID = start.CallSID
	st.streamSID = start.StreamSID
	st.callID = params[dispatch.ParamCallID]
	st.owner = l.Instance + ":" + uuid.NewString()

	if err := l.Registry.Bind(ctx, streamID, start.CallSID, st.owner, st.session); err != nil {
		return err
	}

	sub, err := l.Bus.Subscribe(ctx,
		Channel(streamID, TopicAudio),
		Channel(streamID, TopicClear),
		Channel(streamID, TopicStop),
	)
	if err != nil {
		_ = l.Registry.Unbind(context.WithoutCancel(ctx), streamID, st.owner)
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	st.sub = sub
	st.bound = true
	st.session.Bind(streamID, start.CallSID, start.StreamSID)
	now := l.now()
	_ = st.session.Move(StateConnected, now)
	_ = st.session.Move(StateStreaming, now)

	st.log = logger.ForCall(st.log, logger.CallRef{
		CallID:       start.CallSID,
		ReceivableID: params[dispatch.ParamReceivableID],
		CampaignID:   params[dispatch.ParamCampaignID],
		StreamID:     streamID,
	})

	err = l.Bus.Publish(ctx, SessionsChannel, Envelope{
		StreamID: streamID,
		Source:   SourceTelephony,
		At:       now,
		Session: &Announcement{
			StreamID:     streamID,
			CallSID:      start.CallSID,
			StreamSID:    start.StreamSID,
			ReceivableID: params[dispatch.ParamReceivableID],
			CampaignID:   params[dispatch.ParamCampaignID],
			Parameters:   params,
		},
	})
	if err != nil {
		st.session.Fault("publish", "session announcement: "+err.Error(), now)
	}

	startTime := now
	st.callKey = l.updateCall(ctx, st, calls.Update{Status: calls.CallStatusInProgress, StartTime: &startTime})
	st.log.Info("media stream bound", "stream_sid", start.StreamSID)
	return nil
}

// updateCall applies u to the Call Record, trying the provider call sid
// first and the internal id second. It returns the id that resolved.
func (l *TelephonyLeg) updateCall(ctx context.Context, st *legState, u calls.Update) string {
	if l.Calls == nil {
		return ""
	}
	ids := []string{st.callKey}
	if st.callKey == "" {
		ids = []string{st.callSID, st.callID}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, outcome, err := l.Calls.Transition(ctx, id, u)
		if errors.Is(err, calls.ErrNotFound) {
			continue
		}
		if err != nil {
			st.log.Error("call record update failed", "status", string(u.Status), "err", err)
			return id
		}
		st.log.Debug("call record updated", "status", string(u.Status), "outcome", string(outcome))
		return id
	}
	st.log.Warn("no call record for stream", "call_sid", st.callSID)
	return ""
}

func (l *TelephonyLeg) onBusMessage(st *legState, m Message) ending {
	env := m.Envelope
	switch env.Topic {
	case TopicAudio:
		frame, err := outboundMedia(st.streamSID, env.Payload)
		if err != nil {
			st.session.Fault("encode", err.Error(), l.now())
			return ending{}
		}
		if n := st.out.push(outboundFrame{data: frame, audio: true}); n > 0 {
			st.session.Fault("outbound_overflow", fmt.Sprintf("dropped %d queued frames", n), l.now())
		}
		st.session.AddBytes(base64.StdEncoding.DecodedLen(len(env.Payload)))
		if st.session.State() == StatePaused {
			_ = st.session.Move(StateStreaming, l.now())
		}

	case TopicClear:
		dropped := st.out.clear()
		frame, err := outboundClear(st.streamSID)
		if err == nil {
			st.out.push(outboundFrame{data: frame})
		}
		_ = st.session.Move(StatePaused, l.now())
		st.log.Debug("outbound audio cleared", "dropped", dropped)

	case TopicStop:
		if env.Source == SourceTelephony {
			return ending{}
		}
		return ending{reason: "agent stop: " + env.Reason}
	}
	return ending{}
}

func (l *TelephonyLeg) writeLoop(ctx context.Context, conn Conn, q *outboundQueue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-q.ch:
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return err
			}
		}
	}
}

func (l *TelephonyLeg) teardown(ctx context.Context, st *legState, conn Conn, end ending) {
	now := l.now()
	st.session.End(end.failed, end.reason, now)
	_ = conn.Close()

	if !st.bound {
		st.log.Debug("media socket closed before start", "reason", end.reason)
		return
	}
	bg := context.WithoutCancel(ctx)

	// Release ownership before announcing the stop: an AI leg that
	// subscribes after the stop then finds the stream unowned.
	if err := l.Registry.Unbind(bg, st.streamID, st.owner); err != nil {
		st.log.Warn("relay unbind failed", "err", err)
	}
	if end.publish {
		err := l.Bus.Publish(bg, Channel(st.streamID, TopicStop), Envelope{
			StreamID: st.streamID,
			Topic:    TopicStop,
			Reason:   end.reason,
			Source:   SourceTelephony,
			At:       now,
		})
		if err != nil {
			st.session.Fault("publish", "stop: "+err.Error(), now)
		}
	}
	_ = st.sub.Close()

	if end.lost {
		st.log.Warn("media stream abandoned", "reason", end.reason)
		return
	}
	if end.failed {
		l.endCall(bg, st)
	}

	snap := st.session.Snapshot()
	status := calls.CallStatusCompleted
	if snap.State == StateFailed {
		status = calls.CallStatusFailed
	}
	endTime := now
	key := l.updateCall(bg, st, calls.Update{Status: status, EndTime: &endTime})
	if key != "" {
		meta := map[string]any{
			"stream_id":     st.streamID,
			"stream_sid":    st.streamSID,
			"bytes_relayed": snap.BytesTransferred,
			"relay_faults":  snap.FaultCount,
			"relay_end":     snap.EndReason,
		}
		if err := l.Calls.MergeMetadata(bg, key, meta); err != nil {
			st.log.Warn("call metadata merge failed", "err", err)
		}
	}

	if snap.FaultCount > 0 {
		l.Audit.Record(bg, audit.Event{
			Type:     audit.EventTypeRelayFault,
			CallID:   st.callSID,
			StreamID: st.streamID,
			Message:  fmt.Sprintf("%d relay faults", snap.FaultCount),
			Metadata: audit.Meta(map[string]any{"leg": SourceTelephony, "faults": snap.Faults, "end": snap.EndReason}),
		})
	}
	st.log.Info("media stream ended",
		"state", string(snap.State),
		"reason", snap.EndReason,
		"bytes", snap.BytesTransferred,
		"faults", snap.FaultCount,
	)
}

// endCall tells the caller about the failure and hangs up, falling back to a
// bare hangup when the call cannot be redirected.
func (l *TelephonyLeg) endCall(ctx context.Context, st *legState) {
	if l.Carrier == nil || st.callSID == "" {
		return
	}
	twiml := telephony.NewResponse().Say(relayFailureMessage).Hangup().MustRender()
	err := l.Carrier.UpdateCall(ctx, st.callSID, twiml)
	if err == nil {
		st.log.Info("call redirected to hangup after relay failure")
		return
	}
	st.log.Warn("call redirect failed, hanging up", "err", err)
	if err := l.Carrier.Hangup(ctx, st.callSID); err != nil {
		st.session.Fault("hangup", err.Error(), l.now())
		st.log.Error("call hangup failed", "err", err)
	}
}

func (l *TelephonyLeg) now() time.Time {
	if l.Clock != nil {
		return l.Clock().UTC()
	}
	return time.Now().UTC()
}

func (l *TelephonyLeg) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return logger.Discard()
}
