package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Synthesizer turns reply text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (data []byte, contentType string, err error)
}

// maxAudioBytes bounds one synthesized reply.
const maxAudioBytes = 8 << 20

// SpeechSynthesizer calls a text-to-speech endpoint of the form
// POST {URL}/{VoiceID} that answers with audio bytes.
type SpeechSynthesizer struct {
	URL     string
	VoiceID string
	APIKey  string
	ModelID string
	HTTP    *http.Client
}

func (s *SpeechSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if s.URL == "" || s.VoiceID == "" {
		return nil, "", errors.New("conversation: tts not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", errors.New("conversation: nothing to synthesize")
	}
	body, err := json.Marshal(map[string]string{"text": text, "model_id": s.modelID()})
	if err != nil {
		return nil, "", err
	}
	url := strings.TrimRight(s.URL, "/") + "/" + s.VoiceID
	resp, err := post(ctx, s.client(), url, map[string]string{"xi-api-key": s.APIKey, "Accept": "audio/mpeg"}, body)
	if err != nil {
		return nil, "", fmt.Errorf("conversation: tts: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("conversation: tts read: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("conversation: tts returned no audio")
	}
	if len(data) > maxAudioBytes {
		return nil, "", errors.New("conversation: tts audio too large")
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return data, ct, nil
}

func (s *SpeechSynthesizer) modelID() string {
	if s.ModelID != "" {
		return s.ModelID
	}
	return "eleven_turbo_v2_5"
}

func (s *SpeechSynthesizer) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
