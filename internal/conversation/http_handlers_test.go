package conversation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTurnRouter(f *controllerFixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &Handlers{Controller: f.ctrl, Audio: f.audio}
	r := gin.New()
	r.POST("/webhooks/twilio/turn/start", h.Start)
	r.POST("/webhooks/twilio/turn", h.Turn)
	r.GET("/media/tts/:id", h.Media)
	return r
}

func postForm(r http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_StartAndTurn(t *testing.T) {
	f := newControllerFixture()
	r := newTurnRouter(f)

	q := url.Values{"receivableId": {"r1"}, "contactName": {"Ana"}, "amountDue": {"120.00"}, "currency": {"USD"}, "dueDate": {"2024-08-15"}}
	w := postForm(r, "/webhooks/twilio/turn/start?"+q.Encode(), url.Values{"CallSid": {"CA1"}})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Gather") {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("content type = %q", ct)
	}
	h, _ := f.store.History(context.Background(), "CA1")
	if len(h) == 0 || !strings.Contains(h[0].Content, "Ana") {
		t.Fatalf("history = %+v", h)
	}

	w = postForm(r, "/webhooks/twilio/turn", url.Values{"CallSid": {"CA1"}, "SpeechResult": {"next friday"}, "Confidence": {"0.91"}})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Play>") {
		t.Fatalf("turn: %d %s", w.Code, w.Body.String())
	}

	id := strings.TrimPrefix(extract(w.Body.String(), "<Play>", "</Play>"), "https://voice.example.com/media/tts/")
	req := httptest.NewRequest(http.MethodGet, "/media/tts/"+id, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "audio/mpeg" || !strings.HasPrefix(rec.Body.String(), "mp3:") {
		t.Fatalf("media: %d %q %q", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}
}

func TestHandlers_FailureStillAnswersTwiML(t *testing.T) {
	f := newControllerFixture()
	r := newTurnRouter(f)

	// No transcript was ever seeded for this call.
	w := postForm(r, "/webhooks/twilio/turn", url.Values{"CallSid": {"CA404"}, "SpeechResult": {"hello"}})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Fatalf("turn: %d %s", w.Code, w.Body.String())
	}
}

func TestHandlers_RejectsMissingCallSid(t *testing.T) {
	r := newTurnRouter(newControllerFixture())
	if w := postForm(r, "/webhooks/twilio/turn", url.Values{"SpeechResult": {"hi"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestHandlers_MediaNotFound(t *testing.T) {
	r := newTurnRouter(newControllerFixture())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/media/tts/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}
}
