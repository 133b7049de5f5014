package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeSocket is an in-memory websocket endpoint. Tests feed frames with
// send and inspect what the code under test wrote.
type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	closes   int
	writeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case b := <-s.in:
		return websocket.TextMessage, b, nil
	case <-s.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	s.in <- b
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// frames decodes written frames into generic maps.
func (s *fakeSocket) frames() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.written))
	for _, b := range s.written {
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		out = append(out, m)
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasFrame(frames []map[string]any, pred func(map[string]any) bool) bool {
	for _, f := range frames {
		if pred(f) {
			return true
		}
	}
	return false
}

// fakeDialer hands out one fakeSocket per dial.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	anns    []Announcement
	err     error
	dialed  chan *fakeSocket
}

func newFakeDialer() *fakeDialer { return &fakeDialer{dialed: make(chan *fakeSocket, 8)} }

func (d *fakeDialer) Dial(ctx context.Context, ann Announcement) (AgentSocket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anns = append(d.anns, ann)
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.anns)
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("agent was never dialed")
	}
	return nil
}

var errBrokenPipe = errors.New("broken pipe")

func startFrame(streamID, callSID string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": "MZ" + callSID,
		"start": map[string]any{
			"streamSid": "MZ" + callSID,
			"callSid":   callSID,
			"customParameters": map[string]string{
				"streamId":     streamID,
				"receivableId": "r1",
				"campaignId":   "c1",
				"contactName":  "Ana",
			},
		},
	}
}

func mediaFrame(payload string) map[string]any {
	return map[string]any{"event": "media", "media": map[string]any{"payload": payload}}
}
