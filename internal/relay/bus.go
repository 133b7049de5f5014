package relay

import (
	"context"
	"errors"
	"time"
)

// Topic names one direction of a stream's traffic on the bus.
type Topic string

const (
	// TopicMedia carries caller audio, telephony leg -> AI leg.
	TopicMedia Topic = "media"
	// TopicAudio carries agent audio, AI leg -> telephony leg.
	TopicAudio Topic = "audio"
	// TopicClear asks the telephony leg to flush buffered outbound audio.
	TopicClear Topic = "clear"
	// TopicStop ends the stream on both legs.
	TopicStop Topic = "stop"
)

// SessionsChannel announces new streams to AI workers.
const SessionsChannel = "relay:sessions"

// Channel is the deterministic bus channel for one stream topic.
func Channel(streamID string, t Topic) string {
	return "relay:" + streamID + ":" + string(t)
}

// Source identifies which leg published an envelope.
const (
	SourceTelephony = "telephony"
	SourceAI        = "ai"
)

// Envelope is the only message shape on the bus.
type Envelope struct {
	StreamID string `json:"streamId"`
	Topic    Topic  `json:"topic,omitempty"`
	// Payload is base64 audio for media/audio topics.
	Payload string    `json:"payload,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Source  string    `json:"source,omitempty"`
	At      time.Time `json:"at"`

	// Session is set on SessionsChannel announcements.
	Session *Announcement `json:"session,omitempty"`
}

// Announcement tells AI workers that a telephony leg bound a stream.
type Announcement struct {
	StreamID     string            `json:"streamId"`
	CallSID      string            `json:"callSid"`
	StreamSID    string            `json:"streamSid"`
	ReceivableID string            `json:"receivableId,omitempty"`
	CampaignID   string            `json:"campaignId,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// Message is a delivered envelope with its channel.
type Message struct {
	Channel  string
	Envelope Envelope
}

// ErrBusClosed is returned after the bus or subscription is closed.
var ErrBusClosed = errors.New("relay: bus closed")

// Bus is the pub/sub transport between legs. Delivery is in publish order
// per channel and at-most-once.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	// Subscribe returns once the subscription is active, so messages
	// published after it returns are delivered.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

type Subscription interface {
	// C is closed when the subscription ends.
	C() <-chan Message
	Close() error
}
