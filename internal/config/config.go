// Package config handles configuration loading and validation for pelusa-chat.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/pelusa-chat/internal/conn"
	"github.com/pelusa-v/pelusa-chat/internal/relay"
	"github.com/pelusa-v/pelusa-chat/internal/session"
)

// Config holds the application configuration.
type Config struct {
	Endpoint             string        `yaml:"endpoint"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MessageTimeout       time.Duration `yaml:"message_timeout"`
	EventBuffer          int           `yaml:"event_buffer"`
	QueueImages          bool          `yaml:"queue_images"`
	HistoryWindow        int           `yaml:"history_window"`
	User                 UserConfig    `yaml:"user"`
	Relay                RelayConfig   `yaml:"relay"`
}

// UserConfig is the local identity. An empty ID is filled per process.
type UserConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	AvatarColor string `yaml:"avatar_color"`
}

// RelayConfig configures `pelusa-chat serve`.
type RelayConfig struct {
	Listen       string `yaml:"listen"`
	History      int    `yaml:"history"`
	ClientBuffer int    `yaml:"client_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	c := conn.DefaultConfig()
	return Config{
		Endpoint:             c.URL,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HeartbeatInterval:    c.HeartbeatInterval,
		MessageTimeout:       c.MessageTimeout,
		EventBuffer:          c.EventBuffer,
		HistoryWindow:        500,
		User: UserConfig{
			Name:        "me",
			AvatarColor: "blue",
		},
		Relay: RelayConfig{
			Listen:       "127.0.0.1:3000",
			History:      100,
			ClientBuffer: 64,
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/pelusa-chat/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pelusa-chat", "config.yaml")
}

// Load reads configuration from the given path.
// If configPath is empty or doesn't exist, returns defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
// max_reconnect_attempts is left alone: zero means never reconnect.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaults.ReconnectInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = defaults.MessageTimeout
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = defaults.EventBuffer
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = defaults.HistoryWindow
	}
	if c.User.AvatarColor == "" {
		c.User.AvatarColor = defaults.User.AvatarColor
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = defaults.Relay.Listen
	}
	if c.Relay.History == 0 {
		c.Relay.History = defaults.Relay.History
	}
	if c.Relay.ClientBuffer == 0 {
		c.Relay.ClientBuffer = defaults.Relay.ClientBuffer
	}
}

// Validate checks that the configuration is valid, reporting every problem.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if u, err := url.Parse(c.Endpoint); err != nil {
		errs = errs.Append("endpoint", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = errs.Append("endpoint", fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme))
	} else if u.Host == "" {
		errs = errs.Append("endpoint", fmt.Errorf("missing host"))
	}

	if c.ReconnectInterval <= 0 {
		errs = errs.Append("reconnect_interval", fmt.Errorf("must be positive"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = errs.Append("max_reconnect_attempts", fmt.Errorf("must not be negative"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = errs.Append("heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if c.MessageTimeout <= 0 {
		errs = errs.Append("message_timeout", fmt.Errorf("must be positive"))
	}
	if c.EventBuffer < 1 {
		errs = errs.Append("event_buffer", fmt.Errorf("must be at least 1"))
	}
	if c.HistoryWindow < 1 {
		errs = errs.Append("history_window", fmt.Errorf("must be at least 1"))
	}

	if strings.TrimSpace(c.User.Name) == "" {
		errs = errs.Append("user.name", fmt.Errorf("cannot be empty"))
	}

	if strings.TrimSpace(c.Relay.Listen) == "" {
		errs = errs.Append("relay.listen", fmt.Errorf("cannot be empty"))
	}
	if c.Relay.History < 1 {
		errs = errs.Append("relay.history", fmt.Errorf("must be at least 1"))
	}
	if c.Relay.ClientBuffer < 1 {
		errs = errs.Append("relay.client_buffer", fmt.Errorf("must be at least 1"))
	}

	return errs.ToError()
}

// ConnConfig is the connection manager configuration for endpoint.
func (c *Config) ConnConfig(endpoint string) conn.Config {
	return conn.Config{
		URL:                  endpoint,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HeartbeatInterval:    c.HeartbeatInterval,
		MessageTimeout:       c.MessageTimeout,
		EventBuffer:          c.EventBuffer,
	}
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		QueueImages:   c.QueueImages,
		HistoryWindow: c.HistoryWindow,
		UpdateBuffer:  c.EventBuffer,
	}
}

func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		History:      c.Relay.History,
		ClientBuffer: c.Relay.ClientBuffer,
	}
}
