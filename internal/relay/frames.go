package relay

import "encoding/json"

// Carrier media-stream events.
// Ref: https://www.twilio.com/docs/voice/media-streams/websocket-messages
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventClear     = "clear"
)

type carrierFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *carrierStart `json:"start,omitempty"`
	Media          *carrierMedia `json:"media,omitempty"`
	Stop           *carrierStop  `json:"stop,omitempty"`
	Mark           *carrierMark  `json:"mark,omitempty"`
}

type carrierStart struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type carrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type carrierStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type carrierMark struct {
	Name string `json:"name"`
}

func outboundMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(carrierFrame{
		Event:     eventMedia,
		StreamSID: streamSID,
		Media:     &carrierMedia{Payload: payload},
	})
}

func outboundClear(streamSID string) ([]byte, error) {
	return json.Marshal(carrierFrame{Event: eventClear, StreamSID: streamSID})
}

// Voice-AI conversation socket messages.
const (
	agentAudio        = "audio"
	agentInterruption = "interruption"
	agentPing         = "ping"
	agentPingEvent    = "ping_event"
	agentPong         = "pong"
	agentInitMetadata = "conversation_initiation_metadata"
	agentInitClient   = "conversation_initiation_client_data"
)

// agentMessage is the union of inbound agent message shapes the relay reads.
type agentMessage struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`
	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
	InitMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

type agentUserAudio struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type agentPongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type agentInitMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}
