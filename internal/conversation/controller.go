package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"
)

const (
	fallbackMessage = "We are having trouble on our side and will call you back later. Goodbye."
	repromptMessage = "Sorry, I did not catch that. Could you say it again?"
	goodbyeMessage  = "Thank you for your time. Goodbye."
)

// MetadataWriter records turn outcomes on the Call Record.
type MetadataWriter interface {
	MergeMetadata(ctx context.Context, id string, meta map[string]any) error
}

// Controller drives turn-based calls: the carrier captures speech, the
// controller completes and synthesizes a reply, and the carrier plays it
// and listens again. Every step runs under Timeout; any failure ends the
// call politely instead of leaving it open.
type Controller struct {
	Store       Store
	Completer   Completer
	Synthesizer Synthesizer
	Audio       AudioStore
	Calls       MetadataWriter
	Audit       *audit.Service

	Timeout time.Duration
	// ActionURL receives gathered speech.
	ActionURL string
	// MediaURL builds the public URL of a stored audio clip.
	MediaURL func(id string) string
	Language string

	Log *slog.Logger
}

// Begin seeds the call's transcript and returns TwiML greeting the callee.
// A repeated Begin for the same call replays the greeting without
// reseeding. On failure the returned TwiML ends the call and err says why.
func (c *Controller) Begin(ctx context.Context, cc CallContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	seeded, err := c.Store.Seed(ctx, cc.CallID, Message{Role: RoleSystem, Content: SystemPrompt(cc)})
	if err != nil {
		return c.fail(ctx, cc.CallID, "seed", err)
	}
	greeting := Greeting(cc)
	if seeded {
		if err := c.Store.Append(ctx, cc.CallID, Message{Role: RoleAssistant, Content: greeting}); err != nil {
			return c.fail(ctx, cc.CallID, "seed", err)
		}
	}
	twiml, err := c.speak(ctx, greeting)
	if err != nil {
		return c.fail(ctx, cc.CallID, "synthesize", err)
	}
	c.recordMeta(ctx, cc.CallID, map[string]any{"conversation_mode": "turn", "transcript_ref": "conv:" + cc.CallID})
	return twiml, nil
}

// Turn handles one utterance. Empty speech re-prompts without calling the
// completer. On failure the returned TwiML ends the call and err says why.
func (c *Controller) Turn(ctx context.Context, callID, speech string) (string, error) {
	speech = strings.TrimSpace(speech)
	if speech == "" {
		return c.listen(telephony.NewResponse().Say(repromptMessage))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	if err := c.Store.Append(ctx, callID, Message{Role: RoleUser, Content: speech}); err != nil {
		return c.fail(ctx, callID, "transcript", err)
	}
	history, err := c.Store.History(ctx, callID)
	if err != nil {
		return c.fail(ctx, callID, "transcript", err)
	}
	reply, err := c.Completer.Complete(ctx, history)
	if err != nil {
		return c.fail(ctx, callID, "completion", err)
	}
	if err := c.Store.Append(ctx, callID, Message{Role: RoleAssistant, Content: reply}); err != nil {
		return c.fail(ctx, callID, "transcript", err)
	}
	twiml, err := c.speak(ctx, reply)
	if err != nil {
		return c.fail(ctx, callID, "synthesize", err)
	}
	c.recordMeta(ctx, callID, map[string]any{"turns": userTurns(history)})
	return twiml, nil
}

// speak synthesizes text, stores the audio and returns TwiML that plays it
// inside a speech gather.
func (c *Controller) speak(ctx context.Context, text string) (string, error) {
	data, contentType, err := c.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	id, err := c.Audio.Put(ctx, data, contentType)
	if err != nil {
		return "", err
	}
	return c.listen(telephony.NewResponse().Play(c.MediaURL(id)))
}

// listen wraps prompt in a gather. When the callee stays silent the carrier
// falls through to the goodbye.
func (c *Controller) listen(prompt *telephony.Response) (string, error) {
	return telephony.NewResponse().
		Gather(telephony.Gather{Action: c.ActionURL, Language: c.Language, Prompt: prompt}).
		Say(goodbyeMessage).
		Hangup().
		Render()
}

func (c *Controller) fail(ctx context.Context, callID, stage string, cause error) (string, error) {
	bg := context.WithoutCancel(ctx)
	log := logger.ForCall(c.log(), logger.CallRef{CallID: callID})
	log.Error("conversation turn failed", "stage", stage, "err", cause)

	if err := c.Store.Drop(bg, callID); err != nil {
		log.Warn("transcript drop failed", "err", err)
	}
	c.recordMeta(bg, callID, map[string]any{"turn_error": stage})
	c.Audit.Record(bg, audit.Event{
		Type:     audit.EventTypeTurnFailed,
		CallID:   callID,
		Message:  "turn failed at " + stage,
		Metadata: audit.Meta(map[string]any{"stage": stage, "error": cause.Error()}),
	})

	twiml := telephony.NewResponse().Say(fallbackMessage).Hangup().MustRender()
	return twiml, errs.Call("conversation."+stage, fmt.Errorf("turn failed: %w", cause))
}

func (c *Controller) recordMeta(ctx context.Context, callID string, meta map[string]any) {
	if c.Calls == nil {
		return
	}
	if err := c.Calls.MergeMetadata(ctx, callID, meta); err != nil {
		logger.ForCall(c.log(), logger.CallRef{CallID: callID}).Warn("call metadata merge failed", "err", err)
	}
}

func userTurns(history []Message) int {
	n := 0
	for _, m := range history {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

func (c *Controller) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 8 * time.Second
}

func (c *Controller) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logger.Discard()
}
