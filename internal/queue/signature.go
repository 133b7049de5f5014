package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac-sha256>".
const SignatureHeader = "X-Queue-Signature"

var (
	ErrMissingSignature = errors.New("queue: missing signature")
	ErrBadSignature     = errors.New("queue: signature mismatch")
	ErrStaleSignature   = errors.New("queue: signature outside tolerance")
)

// Verifier authenticates a queue webhook delivery.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// HMACVerifier checks an HMAC-SHA256 over "<timestamp>.<body>".
type HMACVerifier struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{Secret: []byte(secret), Tolerance: 5 * time.Minute, Now: time.Now}
}

func (v *HMACVerifier) Verify(r *http.Request, body []byte) error {
	header := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if header == "" {
		return ErrMissingSignature
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sig = val
		}
	}
	if ts == "" || sig == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if v.Tolerance > 0 {
		skew := now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return ErrStaleSignature
		}
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(want, mac(v.Secret, ts, body)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a SignatureHeader value for body at t.
func Sign(secret []byte, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(secret, ts, body))
}

func mac(secret []byte, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}
