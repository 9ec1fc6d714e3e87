// Package mqtt publishes live trip telemetry to an MQTT broker so that
// dashboards and home-automation consumers can follow a trip in real time.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

// Config holds MQTT configuration.
type Config struct {
	Broker      string `json:"broker" yaml:"broker"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
	Retain      bool   `json:"retain" yaml:"retain"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns default MQTT configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "safereachd",
		TopicPrefix: "safereach",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Publisher publishes per-fix location updates and arrival events to
// the broker. It implements the tracking session's sink interface.
type Publisher struct {
	config *Config
	logger *logx.Logger

	mu        sync.Mutex
	client    MQTT.Client
	connected bool
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	return &Publisher{config: config, logger: logger}
}

// Connect establishes the broker connection. A disabled publisher
// connects to nothing and silently drops publishes.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("mqtt_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p.mu.Lock()
	p.client = client
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("mqtt_connected",
		"broker", p.config.Broker,
		"port", p.config.Port)
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.connected = false
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		p.logger.Info("mqtt_disconnected")
	}
}

func (p *Publisher) onConnect(MQTT.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Debug("mqtt_broker_connected")
}

func (p *Publisher) onConnectionLost(_ MQTT.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Warn("mqtt_connection_lost", "error", err)
}

// PublishFix publishes a location update to <prefix>/<user_id>/location.
func (p *Publisher) PublishFix(_ context.Context, userID string, fix pkg.GeoFix) error {
	payload := map[string]interface{}{
		"latitude":  fix.Latitude,
		"longitude": fix.Longitude,
		"accuracy":  fix.Accuracy,
		"timestamp": fix.Timestamp.UTC().Format(time.RFC3339),
		"source":    fix.Source,
	}
	return p.publish(fmt.Sprintf("%s/%s/location", p.config.TopicPrefix, userID), payload)
}

// PublishArrival publishes an arrival event to <prefix>/<user_id>/arrival.
// Arrival events are retained so late subscribers still see the final state.
func (p *Publisher) PublishArrival(_ context.Context, userID, tripID, message string, recipients []string) error {
	payload := map[string]interface{}{
		"trip_id":    tripID,
		"message":    message,
		"recipients": len(recipients),
		"arrived_at": time.Now().UTC().Format(time.RFC3339),
	}
	return p.publishRetained(fmt.Sprintf("%s/%s/arrival", p.config.TopicPrefix, userID), payload, true)
}

func (p *Publisher) publish(topic string, payload interface{}) error {
	return p.publishRetained(topic, payload, p.config.Retain)
}

func (p *Publisher) publishRetained(topic string, payload interface{}, retain bool) error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.mu.Unlock()

	if client == nil || !connected {
		return fmt.Errorf("MQTT client not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal MQTT payload: %w", err)
	}

	token := client.Publish(topic, byte(p.config.QoS), retain, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("MQTT publish timed out for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}

	p.logger.Trace("mqtt_published", "topic", topic, "bytes", len(data))
	return nil
}
