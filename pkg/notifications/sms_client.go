// Package notifications delivers arrival messages to a trip's contacts
// through SMS and webhook channels.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safereach/safereach/pkg/logx"
)

// SMSConfig holds SMS-specific configuration.
type SMSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	AccountSID string `json:"account_sid" yaml:"account_sid"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"`
	FromNumber string `json:"from_number" yaml:"from_number"`
	// BaseURL overrides the Twilio API endpoint, used by tests.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// SMSClient sends SMS messages through the Twilio REST API.
type SMSClient struct {
	config *SMSConfig
	logger *logx.Logger
	client *http.Client
}

// NewSMSClient creates a new SMS client.
func NewSMSClient(config *SMSConfig, logger *logx.Logger) *SMSClient {
	return &SMSClient{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name identifies the channel in delivery reports.
func (s *SMSClient) Name() string { return "sms" }

// Enabled reports whether the channel is configured for use.
func (s *SMSClient) Enabled() bool { return s.config.Enabled }

// Send delivers one message to one recipient phone number.
func (s *SMSClient) Send(ctx context.Context, recipient, message string) error {
	if !s.config.Enabled {
		return fmt.Errorf("SMS notifications are disabled")
	}
	if s.config.AccountSID == "" || s.config.AuthToken == "" || s.config.FromNumber == "" {
		return fmt.Errorf("twilio credentials not configured")
	}

	// SMS payloads are limited; truncate rather than fail.
	if len(message) > 160 {
		message = message[:157] + "..."
	}

	base := s.config.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, s.config.AccountSID)

	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", s.config.FromNumber)
	form.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create SMS request: %w", err)
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("SMS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("SMS provider returned status %d", resp.StatusCode)
	}

	s.logger.Debug("sms_sent", "recipient", recipient)
	return nil
}
