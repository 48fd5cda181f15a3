package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notifier delivers a JSON payload to an external sink.
type Notifier interface {
	Notify(ctx context.Context, payload any) error
}

// Webhook posts payloads to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a notifier posting to url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify sends payload once. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "composesyncd")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Discard drops every payload. It is used when no sink is configured.
type Discard struct{}

// Notify implements Notifier
func (Discard) Notify(context.Context, any) error {
	return nil
}
