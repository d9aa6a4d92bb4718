// Package notify delivers best-effort operator alerts over an outbound
// webhook. Delivery failures are logged, never propagated: a dead webhook
// must not stall job processing or rotation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

type Dispatcher struct {
	webhookURL string
	client     *http.Client
}

type payload struct {
	Text      string `json:"text"`
	Urgent    bool   `json:"urgent"`
	Timestamp string `json:"timestamp"`
}

// NewDispatcher returns a webhook dispatcher. An empty URL yields a no-op
// dispatcher so callers never need a nil check.
func NewDispatcher(webhookURL string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Send posts the message to the webhook. Urgent messages get an "URGENT"
// marker in the payload so downstream routing can page instead of log.
func (d *Dispatcher) Send(ctx context.Context, message string, urgent bool) {
	if d == nil || d.webhookURL == "" {
		log.Debug("webhook not configured, dropping notification", "urgent", urgent)
		return
	}

	body, err := json.Marshal(payload{
		Text:      message,
		Urgent:    urgent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Error("failed to encode notification payload:", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error("failed to build notification request:", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		log.Error("failed to deliver notification:", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		log.Error("notification webhook rejected message", "status", resp.StatusCode, "urgent", urgent)
		return
	}

	log.Debug("notification delivered", "urgent", urgent)
}
