package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

// ClientConfig holds HTTP sink configuration.
type ClientConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	UserID  string `json:"user_id" yaml:"user_id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Client pushes tracking output to a remote backend. It implements the
// tracking session's sink interface: fixes go to /gps, arrival messages
// to /send-message.
type Client struct {
	config *ClientConfig
	logger *logx.Logger
	client *http.Client
}

// NewClient creates an HTTP sink client.
func NewClient(config *ClientConfig, logger *logx.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// PublishFix posts one location fix to the backend.
func (c *Client) PublishFix(ctx context.Context, userID string, fix pkg.GeoFix) error {
	if !c.config.Enabled {
		return nil
	}
	return c.post(ctx, "/gps", map[string]interface{}{
		"user_id":   userID,
		"latitude":  fix.Latitude,
		"longitude": fix.Longitude,
		"accuracy":  fix.Accuracy,
	})
}

// PublishArrival asks the backend to fan the arrival message out to the
// trip's contacts. The backend runs its own per-trip deduplication, so
// the trip ID is not forwarded.
func (c *Client) PublishArrival(ctx context.Context, _, _, message string, recipients []string) error {
	if !c.config.Enabled {
		return nil
	}
	return c.post(ctx, "/send-message", map[string]interface{}{
		"message": message,
		"numbers": recipients,
	})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned status %d for %s", resp.StatusCode, path)
	}

	c.logger.Trace("sink_published", "path", path)
	return nil
}
