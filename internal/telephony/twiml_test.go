package telephony

import (
	"strings"
	"testing"
)

func TestRenderConnectStream(t *testing.T) {
	xml, err := NewResponse().ConnectStream("wss://example.test/media-stream", map[string]string{
		"streamId":     "r1-1723716000",
		"receivableId": "r1",
	}).Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := `<Response><Connect><Stream url="wss://example.test/media-stream">` +
		`<Parameter name="receivableId" value="r1"></Parameter>` +
		`<Parameter name="streamId" value="r1-1723716000"></Parameter>` +
		`</Stream></Connect></Response>`
	if !strings.Contains(xml, want) {
		t.Fatalf("unexpected twiml:\n%s", xml)
	}
}

func TestRenderGatherWithPrompt(t *testing.T) {
	xml, err := NewResponse().
		Gather(Gather{Action: "https://example.test/webhooks/twilio/turn", Prompt: NewResponse().Play("https://example.test/media/tts/a1")}).
		Say("Goodbye.").
		Hangup().
		Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`<Gather input="speech" action="https://example.test/webhooks/twilio/turn" method="POST" speechTimeout="auto">`,
		`<Play>https://example.test/media/tts/a1</Play></Gather>`,
		`<Say>Goodbye.</Say><Hangup></Hangup>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in twiml:\n%s", want, xml)
		}
	}
}

func TestRenderEscapesText(t *testing.T) {
	xml := NewResponse().Say(`Balance < $5 & "due"`).MustRender()
	if !strings.Contains(xml, "Balance &lt; $5 &amp; &#34;due&#34;") {
		t.Fatalf("text not escaped: %s", xml)
	}
}
