package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/safereach/safereach/pkg/logx"
)

// Channel is one delivery mechanism for a notification message.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, recipient, message string) error
}

// Config holds notification manager configuration.
type Config struct {
	SMS     SMSConfig     `json:"sms" yaml:"sms"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

// DefaultConfig returns a configuration with all channels disabled.
func DefaultConfig() *Config {
	return &Config{}
}

// Result summarizes one fan-out attempt.
type Result struct {
	Sent   int
	Failed int
}

// Manager fans a message out to a set of recipients over every enabled
// channel, and deduplicates arrival announcements per trip.
type Manager struct {
	channels []Channel
	logger   *logx.Logger

	mu        sync.Mutex
	announced map[string]bool
}

// NewManager creates a manager from the configured channels.
func NewManager(config *Config, logger *logx.Logger) *Manager {
	return &Manager{
		channels: []Channel{
			NewSMSClient(&config.SMS, logger),
			NewWebhookClient(&config.Webhook, logger),
		},
		logger:    logger,
		announced: make(map[string]bool),
	}
}

// NewManagerWithChannels creates a manager over explicit channels.
func NewManagerWithChannels(channels []Channel, logger *logx.Logger) *Manager {
	return &Manager{
		channels:  channels,
		logger:    logger,
		announced: make(map[string]bool),
	}
}

// Send delivers message to every recipient over every enabled channel.
// It returns an error only when no delivery succeeded at all.
func (m *Manager) Send(ctx context.Context, recipients []string, message string) (Result, error) {
	var res Result
	attempted := 0
	for _, ch := range m.channels {
		if !ch.Enabled() {
			continue
		}
		for _, recipient := range recipients {
			attempted++
			if err := ch.Send(ctx, recipient, message); err != nil {
				res.Failed++
				m.logger.Warn("notification_failed",
					"channel", ch.Name(),
					"recipient", recipient,
					"error", err)
				continue
			}
			res.Sent++
		}
	}
	if attempted == 0 {
		return res, fmt.Errorf("no notification channels enabled")
	}
	if res.Sent == 0 {
		return res, fmt.Errorf("all %d notification deliveries failed", res.Failed)
	}
	return res, nil
}

// AnnounceArrival sends the arrival message for a trip at most once.
// Repeat calls for the same trip ID are no-ops.
func (m *Manager) AnnounceArrival(ctx context.Context, tripID string, recipients []string, message string) (Result, error) {
	m.mu.Lock()
	if m.announced[tripID] {
		m.mu.Unlock()
		m.logger.Debug("arrival_already_announced", "trip_id", tripID)
		return Result{}, nil
	}
	m.announced[tripID] = true
	m.mu.Unlock()

	res, err := m.Send(ctx, recipients, message)
	if err != nil {
		// Allow a retry when nothing went out.
		if res.Sent == 0 {
			m.mu.Lock()
			delete(m.announced, tripID)
			m.mu.Unlock()
		}
		return res, err
	}
	m.logger.Info("arrival_announced",
		"trip_id", tripID,
		"recipients", len(recipients),
		"sent", res.Sent,
		"failed", res.Failed)
	return res, nil
}
