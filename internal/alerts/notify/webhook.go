package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	alerts "aquaflow/internal/alerts/domain"
)

// alertEnvelope is the webhook wire shape for one alert record.
type alertEnvelope struct {
	Source   string  `json:"source"`
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	TenantID string  `json:"tenant_id"`
	DeviceID string  `json:"device_id"`
	PointID  string  `json:"point_id,omitempty"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
	RaisedAt string  `json:"raised_at"`
	// Summary is a single human-readable line for receivers that only
	// display text.
	Summary string `json:"summary"`
}

// WebhookChannel posts alert records to a webhook endpoint.
type WebhookChannel struct {
	url    string
	token  string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithBearerToken authenticates webhook posts.
func WithBearerToken(token string) WebhookOption {
	return func(ch *WebhookChannel) {
		ch.token = token
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts the alert as a JSON envelope.
func (w *WebhookChannel) Send(ctx context.Context, alert alerts.Alert) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	envelope := alertEnvelope{
		Source:   "aquaflow",
		Type:     alert.Type,
		Severity: alert.Severity,
		TenantID: alert.TenantID,
		DeviceID: alert.DeviceID,
		PointID:  alert.PointID,
		Message:  alert.Message,
		Value:    alert.Value,
		RaisedAt: alert.CreatedAt.UTC().Format(time.RFC3339),
		Summary: fmt.Sprintf("[%s] %s device=%s point=%s value=%g",
			alert.Severity, alert.Message, alert.DeviceID, alert.PointID, alert.Value),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
