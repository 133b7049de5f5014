package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Completer produces the assistant's next line from the transcript.
type Completer interface {
	Complete(ctx context.Context, history []Message) (string, error)
}

// ChatCompleter calls an OpenAI-compatible chat completions endpoint.
type ChatCompleter struct {
	URL         string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	HTTP        *http.Client
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *ChatCompleter) Complete(ctx context.Context, history []Message) (string, error) {
	if c.URL == "" {
		return "", errors.New("conversation: completion url not configured")
	}
	body := chatRequest{
		Model:       c.Model,
		Messages:    history,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = 150
	}
	auth := strings.TrimSpace(c.APIKey)
	if auth != "" {
		auth = "Bearer " + auth
	}
	var out chatResponse
	if err := postJSON(ctx, c.client(), c.URL, map[string]string{"Authorization": auth}, body, &out); err != nil {
		return "", fmt.Errorf("conversation: completion: %w", err)
	}
	if len(out.Choices) > 0 {
		if txt := strings.TrimSpace(out.Choices[0].Message.Content); txt != "" {
			return txt, nil
		}
	}
	return "", errors.New("conversation: completion returned empty choices")
}

func (c *ChatCompleter) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, reqBody any, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	resp, err := post(ctx, client, url, headers, b)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// post sends body and returns the response when the status is 2xx.
func post(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("backend request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
