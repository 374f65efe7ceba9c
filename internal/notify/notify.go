// Package notify delivers fire-and-forget operator notifications through
// a webhook. Delivery failures are the caller's to log; they never matter
// to pipeline outcomes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tonguekeeper/internal/types"
)

// Webhook posts messages to a configured URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

var _ types.Notifier = (*Webhook)(nil)

// New creates a webhook notifier. An empty URL makes Notify a no-op.
func New(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify delivers one message.
func (w *Webhook) Notify(ctx context.Context, message string) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	return nil
}
