package config

import (
	"fmt"
	"time"
)

// WebSocketConfig holds the gateway configuration.
type WebSocketConfig struct {
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	MaxPayloadLength int64         `mapstructure:"max_payload_length"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MaxConnections   int           `mapstructure:"max_connections"`

	// SendBufferSize is the per-session outbound buffer. A full buffer
	// triggers the backpressure policy instead of blocking dispatch.
	SendBufferSize int `mapstructure:"send_buffer_size"`

	Heartbeat HeartbeatConfig   `mapstructure:"heartbeat"`
	RateLimit FrameLimitConfig  `mapstructure:"rate_limit"`
	Channels  ChannelsConfig    `mapstructure:"channels"`
	Retry     ReconnectionConfig `mapstructure:"retry"`
}

// ListenAddress returns the host:port the gateway binds to.
func (c WebSocketConfig) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HeartbeatConfig controls the server-driven heartbeat probes.
type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxMissed int           `mapstructure:"max_missed"`
}

// FrameLimitConfig is a sliding-window limit on inbound frames.
type FrameLimitConfig struct {
	Window time.Duration `mapstructure:"window"`
	Max    int           `mapstructure:"max"`
}

// ChannelsConfig bounds per-session subscriptions and channel lifetime.
type ChannelsConfig struct {
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
}

// ReconnectionConfig controls server-side reconnection scheduling after
// heartbeat loss.
type ReconnectionConfig struct {
	// Strategy is one of exponential, linear, fixed, adaptive.
	Strategy          string        `mapstructure:"strategy"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            bool          `mapstructure:"jitter"`

	// ResetAfter is how long a session must stay connected before its
	// attempt counter returns to zero.
	ResetAfter time.Duration `mapstructure:"reset_after"`
}
