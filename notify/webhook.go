// Package notify posts human-readable lifecycle summaries to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

// Webhook posts {"text": message} to an incoming-webhook URL (Rocket.Chat
// and Slack compatible). A disabled webhook only logs what it would send.
type Webhook struct {
	url     string
	enabled bool
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhook returns a notifier. An empty url behaves like a disabled one.
func NewWebhook(url string, enabled bool, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{url: url, enabled: enabled && url != "", client: client, logger: logger}
}

// Enabled reports whether messages leave the process.
func (w *Webhook) Enabled() bool { return w.enabled }

// Notify posts text. Errors are returned so callers can retry; they are
// never meant to fail a lifecycle transition.
func (w *Webhook) Notify(ctx context.Context, text string) error {
	if !w.enabled {
		w.logger.InfoContext(ctx, "webhook disabled", "message", text)
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	w.logger.DebugContext(ctx, "webhook sent", "status", resp.StatusCode)
	return nil
}
