package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ConvAIDialer opens voice-AI conversation sockets.
type ConvAIDialer struct {
	// URL is the conversation websocket endpoint.
	URL     string
	AgentID string
	APIKey  string

	HandshakeTimeout time.Duration
}

func (d *ConvAIDialer) Dial(ctx context.Context, ann Announcement) (AgentSocket, error) {
	if d.URL == "" || d.AgentID == "" {
		return nil, errors.New("relay: agent dialer not configured")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", d.AgentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.APIKey != "" {
		header.Set("xi-api-key", d.APIKey)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: agent dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("relay: agent dial: %w", err)
	}
	return conn, nil
}
