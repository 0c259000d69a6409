// Package config loads the fabric configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/redis"
)

// Config holds the complete application configuration.
type Config struct {
	Environment string           `mapstructure:"environment"`
	WebSocket   WebSocketConfig  `mapstructure:"ws"`
	Queue       QueueConfig      `mapstructure:"queue"`
	Health      HealthConfig     `mapstructure:"health"`
	Tenant      TenantConfig     `mapstructure:"tenant"`
	Redis       redis.Config     `mapstructure:"redis"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Monitoring  MonitoringConfig `mapstructure:"monitoring"`
}

// QueueConfig controls the message queue consumers and sweepers.
type QueueConfig struct {
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	ConsumerName      string        `mapstructure:"consumer_name"`
	Workers           int           `mapstructure:"workers"`
	BatchSize         int64         `mapstructure:"batch_size"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	ProcessTimeout    time.Duration `mapstructure:"process_timeout"`
	AutoAck           bool          `mapstructure:"auto_ack"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffStrategy   string        `mapstructure:"backoff_strategy"`
	BackoffDelay      time.Duration `mapstructure:"backoff_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Jitter            bool          `mapstructure:"jitter"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ClaimMinIdle      time.Duration `mapstructure:"claim_min_idle"`
	ClaimInterval     time.Duration `mapstructure:"claim_interval"`
}

// HealthThresholds are the alerting thresholds of the health monitor.
type HealthThresholds struct {
	MaxAverageLatency   time.Duration `mapstructure:"max_average_latency"`
	MaxErrorRate        float64       `mapstructure:"max_error_rate"`
	MinHealthyRatio     float64       `mapstructure:"min_healthy_ratio"`
	MaxSystemLoad       float64       `mapstructure:"max_system_load"`
	MaxReconnectionRate float64       `mapstructure:"max_reconnection_rate"`
}

// HealthConfig controls the health monitor sampling loop.
type HealthConfig struct {
	Thresholds         HealthThresholds `mapstructure:"thresholds"`
	MonitoringInterval time.Duration    `mapstructure:"monitoring_interval"`
	HistoryRetention   time.Duration    `mapstructure:"history_retention"`
	AlertGracePeriod   time.Duration    `mapstructure:"alert_grace_period"`
}

// TenantConfig controls multi-tenant isolation behavior.
type TenantConfig struct {
	StrictIsolation bool                      `mapstructure:"strict_isolation"`
	ResourceLimits  bool                      `mapstructure:"resource_limits"`
	AuditLogging    bool                      `mapstructure:"audit_logging"`
	Limits          models.OrganizationLimits `mapstructure:"limits"`
}

// APIKeyEntry describes a statically configured API key principal.
type APIKeyEntry struct {
	OrganizationID string   `mapstructure:"organization_id"`
	UserID         string   `mapstructure:"user_id"`
	Roles          []string `mapstructure:"roles"`
	ClientType     string   `mapstructure:"client_type"`
}

// AuthConfig controls handshake authentication.
type AuthConfig struct {
	JWTSecret     string                 `mapstructure:"jwt_secret"`
	JWTIssuer     string                 `mapstructure:"jwt_issuer"`
	JWTExpiration time.Duration          `mapstructure:"jwt_expiration"`
	APIKeys       map[string]APIKeyEntry `mapstructure:"api_keys"`
	CacheSize     int                    `mapstructure:"cache_size"`
	CacheTTL      time.Duration          `mapstructure:"cache_ttl"`
}

// MonitoringConfig holds the observability configuration.
type MonitoringConfig struct {
	Prometheus PrometheusConfig            `mapstructure:"prometheus"`
	Logging    observability.LoggingConfig `mapstructure:"logging"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
}

// PrometheusConfig holds the metrics endpoint configuration.
type PrometheusConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	ListenAddress string `mapstructure:"listen_address"`
	Namespace     string `mapstructure:"namespace"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the APIX_ prefix with dots replaced by
// underscores, e.g. APIX_WS_PORT overrides ws.port.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("APIX_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("APIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common aliases used in container environments.
	_ = v.BindEnv("redis.addresses", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		// The file is optional when environment variables carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	expandEnvReferences(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the fabric cannot run with.
func (c *Config) Validate() error {
	if c.WebSocket.Port <= 0 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("ws.port must be in (0, 65535], got %d", c.WebSocket.Port)
	}
	if c.WebSocket.Heartbeat.Interval <= 0 {
		return fmt.Errorf("ws.heartbeat.interval must be positive")
	}
	if c.WebSocket.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("ws.heartbeat.max_missed must be positive")
	}
	if c.WebSocket.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("ws.retry.backoff_multiplier must be >= 1")
	}
	if c.Queue.ConsumerGroup == "" {
		return fmt.Errorf("queue.consumer_group must not be empty")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if s := c.Queue.BackoffStrategy; s != "" && s != "fixed" && s != "exponential" {
		return fmt.Errorf("queue.backoff_strategy must be fixed or exponential, got %q", s)
	}
	if c.Health.Thresholds.MinHealthyRatio < 0 || c.Health.Thresholds.MinHealthyRatio > 1 {
		return fmt.Errorf("health.thresholds.min_healthy_ratio must be in [0, 1]")
	}
	return nil
}

// expandEnvReferences resolves ${VAR} and ${VAR:-default} references in
// string values so secrets can live outside the config file.
func expandEnvReferences(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if !strings.Contains(value, "${") {
			continue
		}
		expanded := os.Expand(value, func(ref string) string {
			name, fallback := ref, ""
			if i := strings.Index(ref, ":-"); i >= 0 {
				name, fallback = ref[:i], ref[i+2:]
			}
			if val := os.Getenv(name); val != "" {
				return val
			}
			return fallback
		})
		if expanded != value {
			v.Set(key, expanded)
		}
	}
}

// setDefaults installs the recognized options and their defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// WebSocket gateway
	v.SetDefault("ws.port", 8080)
	v.SetDefault("ws.path", "/ws")
	v.SetDefault("ws.max_payload_length", 16*1024*1024)
	v.SetDefault("ws.idle_timeout", 120*time.Second)
	v.SetDefault("ws.max_connections", 10000)
	v.SetDefault("ws.heartbeat.interval", 30*time.Second)
	v.SetDefault("ws.heartbeat.timeout", 5*time.Second)
	v.SetDefault("ws.heartbeat.max_missed", 3)
	v.SetDefault("ws.rate_limit.window", 60*time.Second)
	v.SetDefault("ws.rate_limit.max", 100)
	v.SetDefault("ws.channels.max_subscriptions", 50)
	v.SetDefault("ws.channels.default_ttl", time.Hour)
	v.SetDefault("ws.retry.strategy", "exponential")
	v.SetDefault("ws.retry.max_attempts", 5)
	v.SetDefault("ws.retry.backoff_multiplier", 2.0)
	v.SetDefault("ws.retry.initial_delay", time.Second)
	v.SetDefault("ws.retry.max_delay", 30*time.Second)
	v.SetDefault("ws.retry.jitter", true)
	v.SetDefault("ws.retry.reset_after", 5*time.Minute)
	v.SetDefault("ws.send_buffer_size", 256)

	// Message queue
	v.SetDefault("queue.consumer_group", "apix-consumers")
	v.SetDefault("queue.consumer_name", "")
	// One worker per priority stream keeps per-channel delivery ordered.
	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.process_timeout", 30*time.Second)
	v.SetDefault("queue.auto_ack", true)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_strategy", "exponential")
	v.SetDefault("queue.backoff_delay", time.Second)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.max_backoff", 30*time.Second)
	v.SetDefault("queue.jitter", true)
	v.SetDefault("queue.sweep_interval", time.Second)
	v.SetDefault("queue.claim_min_idle", time.Minute)
	v.SetDefault("queue.claim_interval", 30*time.Second)

	// Health monitor
	v.SetDefault("health.thresholds.max_average_latency", time.Second)
	v.SetDefault("health.thresholds.max_error_rate", 0.1)
	v.SetDefault("health.thresholds.min_healthy_ratio", 0.8)
	v.SetDefault("health.thresholds.max_system_load", 0.8)
	v.SetDefault("health.thresholds.max_reconnection_rate", 0.2)
	v.SetDefault("health.monitoring_interval", 30*time.Second)
	v.SetDefault("health.history_retention", time.Hour)
	v.SetDefault("health.alert_grace_period", time.Hour)

	// Tenant isolation
	v.SetDefault("tenant.strict_isolation", true)
	v.SetDefault("tenant.resource_limits", true)
	v.SetDefault("tenant.audit_logging", true)
	v.SetDefault("tenant.limits.max_users", 100)
	v.SetDefault("tenant.limits.max_connections", 1000)
	v.SetDefault("tenant.limits.max_events", 100000)
	v.SetDefault("tenant.limits.max_channels", 100)
	v.SetDefault("tenant.limits.max_storage", 1073741824)
	v.SetDefault("tenant.limits.max_api_calls", 100000)

	// Redis broker
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.key_prefix", redis.DefaultKeyPrefix)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 10*time.Second)
	v.SetDefault("redis.write_timeout", 10*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.pool_timeout", 4*time.Second)
	v.SetDefault("redis.connect_max_elapsed", 30*time.Second)
	v.SetDefault("redis.health_check_interval", 10*time.Second)

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "apix")
	v.SetDefault("database.username", "apix")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 2*time.Minute)

	// Auth
	v.SetDefault("auth.jwt_issuer", "apix")
	v.SetDefault("auth.jwt_expiration", 24*time.Hour)
	v.SetDefault("auth.cache_size", 1024)
	v.SetDefault("auth.cache_ttl", time.Minute)

	// Monitoring
	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.path", "/metrics")
	v.SetDefault("monitoring.prometheus.listen_address", ":9090")
	v.SetDefault("monitoring.prometheus.namespace", "apix")
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "text")
	v.SetDefault("monitoring.tracing.enabled", false)
	v.SetDefault("monitoring.tracing.service_name", "apix")
}

// IsProduction returns true if the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// IsDevelopment returns true if the environment is development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev" || c.Environment == "development"
}
