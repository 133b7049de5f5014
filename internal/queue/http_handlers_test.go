package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collections-voice/pkg/errs"

	"github.com/gin-gonic/gin"
)

func signedRequest(t *testing.T, secret string, at time.Time, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/queue/calls", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(SignatureHeader, Sign([]byte(secret), at, []byte(body)))
	return r
}

func TestHMACVerifier(t *testing.T) {
	now := time.Unix(1723716000, 0)
	v := NewHMACVerifier("s3cret")
	v.Now = func() time.Time { return now }
	body := []byte(`{"receivableId":"r1"}`)

	r := signedRequest(t, "s3cret", now, string(body))
	if err := v.Verify(r, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := v.Verify(r, []byte(`{"receivableId":"r2"}`)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body must fail, got %v", err)
	}
	stale := signedRequest(t, "s3cret", now.Add(-10*time.Minute), string(body))
	if err := v.Verify(stale, body); !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("stale signature must fail, got %v", err)
	}
	unsigned := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := v.Verify(unsigned, body); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("missing signature must fail, got %v", err)
	}
}

func TestWebhookHandler_StatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var got Job
	h := WebhookHandler{
		Verifier: NewHMACVerifier("s3cret"),
		Handler: func(ctx context.Context, job Job) error {
			got = job
			switch job.ReceivableID {
			case "":
				return errs.Validation("dispatch.validate", "receivableId is required")
			case "down":
				return errs.Call("dispatch.place_call", errors.New("twilio 503"))
			}
			return nil
		},
	}
	r := gin.New()
	r.POST("/webhooks/queue/calls", h.HandleDelivery)

	cases := []struct {
		name         string
		body         string
		secret       string
		want         int
		nonRetryable bool
	}{
		{name: "accepted", body: `{"receivableId":"r1","campaignId":"c1","phoneNumber":"+15550001111"}`, secret: "s3cret", want: 200},
		{name: "bad signature", body: `{"receivableId":"r1"}`, secret: "wrong", want: 401},
		{name: "validation", body: `{"campaignId":"c1"}`, secret: "s3cret", want: 400, nonRetryable: true},
		{name: "transient", body: `{"receivableId":"down","phoneNumber":"+1"}`, secret: "s3cret", want: 502},
		{name: "bad json", body: `{`, secret: "s3cret", want: 400, nonRetryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := signedRequest(t, tc.secret, time.Now(), tc.body)
			req.Header.Set(MessageIDHeader, "msg-1")
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if (w.Header().Get(NonRetryableHeader) == "true") != tc.nonRetryable {
				t.Fatalf("unexpected non-retryable header %q", w.Header().Get(NonRetryableHeader))
			}
			if strings.Contains(w.Body.String(), "twilio") {
				t.Fatalf("provider detail leaked: %s", w.Body.String())
			}
		})
	}
	if got.ID != "msg-1" || got.Mode != ModeStream {
		t.Fatalf("delivery id and default mode not applied: %+v", got)
	}
}
