package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers rotation notifications to dependent services.
// Delivery failures are non-fatal to the rotation.
type Notifier interface {
	Notify(ctx context.Context, url string, payload NotifyPayload) error
}

// NotifyPayload is the JSON body posted to each configured webhook after a
// successful rotation. NewValue is populated only when the operator has
// explicitly opted in, both globally and on the policy — shipping rotated
// plaintext to dependents is a trust-boundary decision, not a default.
type NotifyPayload struct {
	SecretID       string    `json:"secret_id"`
	SecretName     string    `json:"secret_name"`
	Environment    string    `json:"environment"`
	RotatedAt      time.Time `json:"rotated_at"`
	OverlapSeconds int64     `json:"overlap_seconds"`
	NewValue       string    `json:"new_value,omitempty"`
}

// WebhookNotifier POSTs payloads as JSON.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a notifier with the given timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, url string, payload NotifyPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notify payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
