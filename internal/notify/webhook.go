package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Channel delivers a rendered notification message.
type Channel interface {
	Send(ctx context.Context, message string) error
}

// WebhookChannel posts notifications as JSON to an HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(rawURL string) (*WebhookChannel, error) {
	if rawURL == "" {
		return nil, errors.New("notify: empty webhook url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("notify: invalid webhook url")
	}
	return &WebhookChannel{
		url:    rawURL,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Send posts the message. Non-2xx responses are errors.
func (c *WebhookChannel) Send(ctx context.Context, message string) error {
	if c == nil || c.client == nil {
		return errors.New("notify: nil channel")
	}
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
