package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AgentSocket is an open voice-AI conversation. *websocket.Conn satisfies it.
type AgentSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AgentDialer opens one agent conversation per announced stream.
type AgentDialer interface {
	Dial(ctx context.Context, ann Announcement) (AgentSocket, error)
}

// AIWorker runs the AI leg of every stream announced on the bus. Any number
// of workers may run; ownership of each stream is claimed.
type AIWorker struct {
	Bus     Bus
	Claimer Claimer
	Dialer  AgentDialer
	Audit   *audit.Service

	Instance string
	// IdleTimeout ends the leg when no caller audio arrives for this long.
	IdleTimeout time.Duration
	// RenewEvery is the ownership renewal period. Zero disables renewal.
	RenewEvery time.Duration

	Clock func() time.Time
	Log   *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// Run consumes session announcements until ctx ends. It waits for running
// sessions before returning.
func (w *AIWorker) Run(ctx context.Context) error {
	sub, err := w.Bus.Subscribe(ctx, SessionsChannel)
	if err != nil {
		return fmt.Errorf("relay: subscribe sessions: %w", err)
	}
	defer w.wg.Wait()
	defer sub.Close()

	log := w.log()
	log.Info("ai relay worker started", "instance", w.Instance)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-sub.C():
			if !ok {
				return ErrBusClosed
			}
			ann := m.Envelope.Session
			if ann == nil || ann.StreamID == "" {
				log.Warn("session announcement without stream id")
				continue
			}
			w.wg.Add(1)
			go func(a Announcement) {
				defer w.wg.Done()
				if err := w.Handle(ctx, a); err != nil {
					log.Warn("ai leg ended with error", "stream_id", a.StreamID, "err", err)
				}
			}(*ann)
		}
	}
}

// Handle runs the AI leg for one stream: claim, dial, relay, clean up. It
// returns nil without dialing when another worker owns the stream or the
// telephony leg has already released it.
func (w *AIWorker) Handle(ctx context.Context, ann Announcement) error {
	log := logger.ForCall(w.log(), logger.CallRef{
		CallID:       ann.CallSID,
		ReceivableID: ann.ReceivableID,
		CampaignID:   ann.CampaignID,
		StreamID:     ann.StreamID,
	})
	bg := context.WithoutCancel(ctx)

	owner := w.Instance + ":" + uuid.NewString()
	key := "ai:" + ann.StreamID
	claimed, err := w.claimer().Claim(ctx, key, owner)
	if err != nil {
		return fmt.Errorf("relay: claim ai leg: %w", err)
	}
	if !claimed {
		log.Debug("ai leg owned elsewhere")
		return nil
	}
	defer func() { _ = w.claimer().Release(bg, key, owner) }()

	// Subscribe before dialing so a stop published during the dial is seen.
	sub, err := w.Bus.Subscribe(ctx, Channel(ann.StreamID, TopicMedia), Channel(ann.StreamID, TopicStop))
	if err != nil {
		return fmt.Errorf("relay: subscribe stream: %w", err)
	}
	defer sub.Close()

	// The telephony leg releases the stream before publishing its stop, so
	// a stop missed before Subscribe shows up here as an unowned stream.
	live, err := w.claimer().Held(ctx, ann.StreamID)
	if err != nil {
		log.Warn("stream liveness check failed", "err", err)
	} else if !live {
		log.Info("stream ended before ai leg started")
		return nil
	}

	session := NewStreamSession(w.now())
	session.Bind(ann.StreamID, ann.CallSID, ann.StreamSID)
	defer w.finish(bg, ann, session, log)

	agent, err := w.Dialer.Dial(ctx, ann)
	if err != nil {
		session.Fault("agent_dial", err.Error(), w.now())
		session.End(true, "agent unavailable", w.now())
		w.publishStop(bg, ann.StreamID, "agent unavailable", session)
		return fmt.Errorf("relay: dial agent: %w", err)
	}
	// Close on every exit path, including after the agent hung up first.
	defer agent.Close()
	_ = session.Move(StateConnected, w.now())

	if err := w.sendJSON(agent, agentInitMessage{Type: agentInitClient, DynamicVariables: ann.Parameters}); err != nil {
		session.Fault("agent_write", err.Error(), w.now())
	}
	_ = session.Move(StateStreaming, w.now())

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	agentCh := make(chan inboundFrame, 64)
	go readLoop(agentCtx, agent, agentCh)
	open := true

	idle := w.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var renewC <-chan time.Time
	if w.RenewEvery > 0 {
		renew := time.NewTicker(w.RenewEvery)
		defer renew.Stop()
		renewC = renew.C
	}

	for {
		select {
		case <-timer.C:
			session.Fault("idle_timeout", fmt.Sprintf("no caller audio for %s", idle), w.now())
			session.End(true, "idle timeout", w.now())
			w.publishStop(bg, ann.StreamID, "idle timeout", session)
			return nil

		case <-renewC:
			held, err := w.claimer().Renew(ctx, key, owner)
			if err != nil {
				session.Fault("renew", err.Error(), w.now())
				continue
			}
			if !held {
				session.Fault("ownership_lost", "ai leg claimed by another worker", w.now())
				session.End(true, "ownership lost", w.now())
				return nil
			}

		case <-ctx.Done():
			session.End(false, "shutdown", w.now())
			w.publishStop(bg, ann.StreamID, "shutdown", session)
			return nil

		case m, ok := <-sub.C():
			if !ok {
				session.End(true, "bus subscription closed", w.now())
				return nil
			}
			switch m.Envelope.Topic {
			case TopicStop:
				if m.Envelope.Source == SourceAI {
					continue
				}
				session.End(false, "telephony stop", w.now())
				return nil
			case TopicMedia:
				timer.Reset(idle)
				if !open {
					session.Fault("agent_closed", "media dropped while agent socket closed", w.now())
					continue
				}
				if err := w.sendJSON(agent, agentUserAudio{UserAudioChunk: m.Envelope.Payload}); err != nil {
					open = false
					session.Fault("agent_write", err.Error(), w.now())
					continue
				}
				session.AddBytes(len(m.Envelope.Payload))
			}

		case f, ok := <-agentCh:
			if !ok || f.err != nil {
				open = false
				reason := "agent closed"
				failed := f.err != nil && !websocket.IsCloseError(f.err, websocket.CloseNormalClosure)
				if failed {
					session.Fault("agent_read", f.err.Error(), w.now())
				}
				session.End(failed, reason, w.now())
				w.publishStop(bg, ann.StreamID, reason, session)
				return nil
			}
			w.onAgentMessage(ctx, agent, ann, session, f.data, log)
		}
	}
}

func (w *AIWorker) onAgentMessage(ctx context.Context, agent AgentSocket, ann Announcement, session *StreamSession, data []byte, log *slog.Logger) {
	var msg agentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		session.Fault("decode", "unreadable agent message", w.now())
		return
	}
	switch msg.Type {
	case agentAudio:
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		session.AddBytes(len(msg.AudioEvent.AudioBase64))
		_ = session.Move(StateStreaming, w.now())
		w.publish(ctx, ann.StreamID, TopicAudio, Envelope{Payload: msg.AudioEvent.AudioBase64}, session)

	case agentInterruption:
		_ = session.Move(StatePaused, w.now())
		w.publish(ctx, ann.StreamID, TopicClear, Envelope{Reason: "interruption"}, session)

	case agentPing, agentPingEvent:
		if msg.PingEvent == nil {
			return
		}
		if err := w.sendJSON(agent, agentPongMessage{Type: agentPong, EventID: msg.PingEvent.EventID}); err != nil {
			session.Fault("agent_write", err.Error(), w.now())
		}

	case agentInitMetadata:
		if msg.InitMetadata != nil {
			log.Info("agent conversation started", "conversation_id", msg.InitMetadata.ConversationID)
		}

	default:
		log.Debug("agent message ignored", "type", msg.Type)
	}
}

func (w *AIWorker) publish(ctx context.Context, streamID string, t Topic, env Envelope, session *StreamSession) {
	env.StreamID = streamID
	env.Topic = t
	env.Source = SourceAI
	env.At = w.now()
	if err := w.Bus.Publish(ctx, Channel(streamID, t), env); err != nil {
		session.Fault("publish", string(t)+": "+err.Error(), w.now())
	}
}

func (w *AIWorker) publishStop(ctx context.Context, streamID, reason string, session *StreamSession) {
	w.publish(ctx, streamID, TopicStop, Envelope{Reason: reason}, session)
}

func (w *AIWorker) finish(ctx context.Context, ann Announcement, session *StreamSession, log *slog.Logger) {
	snap := session.Snapshot()
	if snap.FaultCount > 0 {
		w.Audit.Record(ctx, audit.Event{
			Type:         audit.EventTypeRelayFault,
			CallID:       ann.CallSID,
			ReceivableID: ann.ReceivableID,
			CampaignID:   ann.CampaignID,
			StreamID:     ann.StreamID,
			Message:      fmt.Sprintf("%d relay faults", snap.FaultCount),
			Metadata:     audit.Meta(map[string]any{"leg": SourceAI, "faults": snap.Faults, "end": snap.EndReason}),
		})
	}
	log.Info("ai leg ended",
		"state", string(snap.State),
		"reason", snap.EndReason,
		"faults", snap.FaultCount,
	)
}

func (w *AIWorker) sendJSON(agent AgentSocket, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return agent.WriteMessage(websocket.TextMessage, b)
}

func (w *AIWorker) claimer() Claimer {
	w.once.Do(func() {
		if w.Claimer == nil {
			w.Claimer = NewMemoryClaimer()
		}
	})
	return w.Claimer
}

func (w *AIWorker) now() time.Time {
	if w.Clock != nil {
		return w.Clock().UTC()
	}
	return time.Now().UTC()
}

func (w *AIWorker) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return logger.Discard()
}
