// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/api"
	"github.com/safereach/safereach/pkg/gps"
	"github.com/safereach/safereach/pkg/journal"
	"github.com/safereach/safereach/pkg/mqtt"
	"github.com/safereach/safereach/pkg/notifications"
	"github.com/safereach/safereach/pkg/places"
	"github.com/safereach/safereach/pkg/store"
)

// TrackingConfig holds the session-level tunables.
type TrackingConfig struct {
	UserID         string       `yaml:"user_id" validate:"required"`
	ArrivalMessage string       `yaml:"arrival_message"`
	PollInterval   pkg.Duration `yaml:"poll_interval"`
	SinkTimeout    pkg.Duration `yaml:"sink_timeout"`
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	Tracking      TrackingConfig       `yaml:"tracking"`
	Store         store.Config         `yaml:"store"`
	API           api.ServerConfig     `yaml:"api"`
	Sink          api.ClientConfig     `yaml:"sink"`
	Unit          gps.UnitConfig       `yaml:"unit"`
	Geo           gps.GeoConfig        `yaml:"geo"`
	MQTT          mqtt.Config          `yaml:"mqtt"`
	Journal       journal.Config       `yaml:"journal"`
	Notifications notifications.Config `yaml:"notifications"`
	Places        places.Config        `yaml:"places"`
}

// Default returns a configuration with every subsystem at its defaults
// and only the optional integrations disabled.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Tracking: TrackingConfig{
			UserID:         "user",
			ArrivalMessage: "SafeReach: user has safely reached their destination!",
			PollInterval:   pkg.Duration(15 * time.Second),
			SinkTimeout:    pkg.Duration(10 * time.Second),
		},
		Store:         *store.DefaultConfig(),
		API:           *api.DefaultServerConfig(),
		Unit:          *gps.DefaultUnitConfig(),
		Geo:           *gps.DefaultGeoConfig(),
		MQTT:          *mqtt.DefaultConfig(),
		Journal:       *journal.DefaultConfig(),
		Notifications: *notifications.DefaultConfig(),
		Places:        *places.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sink.Enabled && c.Sink.BaseURL == "" {
		return fmt.Errorf("invalid configuration: sink.base_url is required when the sink is enabled")
	}
	if c.Notifications.SMS.Enabled {
		if c.Notifications.SMS.AccountSID == "" || c.Notifications.SMS.AuthToken == "" || c.Notifications.SMS.FromNumber == "" {
			return fmt.Errorf("invalid configuration: sms requires account_sid, auth_token and from_number")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("invalid configuration: mqtt.broker is required when mqtt is enabled")
	}
	if c.Tracking.PollInterval != 0 && c.Tracking.PollInterval.Duration() < time.Second {
		return fmt.Errorf("invalid configuration: tracking.poll_interval must be at least 1s")
	}
	return nil
}
