package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/safereach/safereach/pkg/logx"
)

// WebhookConfig holds webhook-specific configuration.
type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	// Secret is sent as a bearer token when set.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// WebhookClient posts notification payloads to a configured HTTP endpoint.
type WebhookClient struct {
	config *WebhookConfig
	logger *logx.Logger
	client *http.Client
}

// NewWebhookClient creates a new webhook client.
func NewWebhookClient(config *WebhookConfig, logger *logx.Logger) *WebhookClient {
	return &WebhookClient{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name identifies the channel in delivery reports.
func (w *WebhookClient) Name() string { return "webhook" }

// Enabled reports whether the channel is configured for use.
func (w *WebhookClient) Enabled() bool { return w.config.Enabled && w.config.URL != "" }

// Send posts one message to the webhook endpoint.
func (w *WebhookClient) Send(ctx context.Context, recipient, message string) error {
	if !w.Enabled() {
		return fmt.Errorf("webhook notifications are disabled")
	}

	payload := map[string]string{
		"recipient": recipient,
		"message":   message,
		"sent_at":   time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook_sent", "recipient", recipient)
	return nil
}
