// Package redis provides the stream broker used by the realtime fabric.
// It wraps a go-redis universal client with stream, due-index, and pub/sub
// verbs, and keeps every fabric key under a shared prefix.
package redis

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/observability"
)

// DefaultKeyPrefix is prepended to every key the fabric touches so that
// tenants sharing a Redis deployment with other applications stay isolated.
const DefaultKeyPrefix = "apix:"

// Config represents the connection settings for the stream broker.
type Config struct {
	// Connection settings
	Addresses    []string      `yaml:"addresses" mapstructure:"addresses"`
	Username     string        `yaml:"username" mapstructure:"username"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`

	// TLS settings
	TLSEnabled bool        `yaml:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" mapstructure:"-"`

	// Pool settings
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// Cluster settings
	ClusterEnabled bool `yaml:"cluster_enabled" mapstructure:"cluster_enabled"`
	RouteByLatency bool `yaml:"route_by_latency" mapstructure:"route_by_latency"`

	// Sentinel settings
	SentinelEnabled  bool     `yaml:"sentinel_enabled" mapstructure:"sentinel_enabled"`
	MasterName       string   `yaml:"master_name" mapstructure:"master_name"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" mapstructure:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" mapstructure:"sentinel_password"`

	// KeyPrefix is prepended to every key built through Broker.Key.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	// ConnectMaxElapsed bounds the exponential backoff spent on the
	// initial connection before giving up.
	ConnectMaxElapsed time.Duration `yaml:"connect_max_elapsed" mapstructure:"connect_max_elapsed"`

	// HealthCheckInterval controls how often the background ping runs.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
}

// DefaultConfig returns a single-instance configuration suitable for
// local development.
func DefaultConfig() *Config {
	return &Config{
		Addresses:           []string{"localhost:6379"},
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
		DialTimeout:         5 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		PoolSize:            10,
		MinIdleConns:        5,
		PoolTimeout:         4 * time.Second,
		IdleTimeout:         5 * time.Minute,
		RouteByLatency:      true,
		KeyPrefix:           DefaultKeyPrefix,
		ConnectMaxElapsed:   30 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Broker is the stream broker backing queues, event fan-out, and the
// due-time indexes. All methods are safe for concurrent use.
type Broker struct {
	client goredis.UniversalClient
	config *Config
	logger observability.Logger
	mu     sync.RWMutex

	// Health check state
	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time

	stopHealth chan struct{}
	stopOnce   sync.Once
}

// NewBroker connects to Redis and starts the background health check.
// The initial connection retries with exponential backoff up to
// ConnectMaxElapsed before failing.
func NewBroker(config *Config, logger observability.Logger) (*Broker, error) {
	if config == nil {
		return nil, apierrors.New(apierrors.KindFatal, "broker config is required").WithOp("redis.NewBroker")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 10 * time.Second
	}

	b := &Broker{
		config:     config,
		logger:     logger,
		healthy:    true,
		stopHealth: make(chan struct{}),
	}

	connect := backoff.NewExponentialBackOff()
	connect.InitialInterval = 250 * time.Millisecond
	connect.MaxElapsedTime = config.ConnectMaxElapsed

	if err := backoff.Retry(b.connect, connect); err != nil {
		return nil, apierrors.Wrap(apierrors.KindFatal, "failed to connect to Redis", err).WithOp("redis.NewBroker")
	}

	go b.healthCheckLoop()

	return b, nil
}

// connect establishes the connection according to the configured mode.
func (b *Broker) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var client goredis.UniversalClient

	if b.config.SentinelEnabled {
		if len(b.config.SentinelAddrs) == 0 {
			return backoff.Permanent(apierrors.New(apierrors.KindFatal, "no Sentinel addresses configured"))
		}
		if b.config.MasterName == "" {
			return backoff.Permanent(apierrors.New(apierrors.KindFatal, "sentinel master name is required"))
		}
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:       b.config.MasterName,
			SentinelAddrs:    b.config.SentinelAddrs,
			SentinelPassword: b.config.SentinelPassword,
			Username:         b.config.Username,
			Password:         b.config.Password,
			DB:               b.config.DB,
			MaxRetries:       b.config.MaxRetries,
			MinRetryBackoff:  b.config.RetryBackoff,
			DialTimeout:      b.config.DialTimeout,
			ReadTimeout:      b.config.ReadTimeout,
			WriteTimeout:     b.config.WriteTimeout,
			PoolSize:         b.config.PoolSize,
			MinIdleConns:     b.config.MinIdleConns,
			PoolTimeout:      b.config.PoolTimeout,
			ConnMaxIdleTime:  b.config.IdleTimeout,
			TLSConfig:        b.tlsConfig(),
		})
	} else if b.config.ClusterEnabled {
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:           b.config.Addresses,
			Username:        b.config.Username,
			Password:        b.config.Password,
			MaxRetries:      b.config.MaxRetries,
			MinRetryBackoff: b.config.RetryBackoff,
			DialTimeout:     b.config.DialTimeout,
			ReadTimeout:     b.config.ReadTimeout,
			WriteTimeout:    b.config.WriteTimeout,
			PoolSize:        b.config.PoolSize,
			MinIdleConns:    b.config.MinIdleConns,
			PoolTimeout:     b.config.PoolTimeout,
			ConnMaxIdleTime: b.config.IdleTimeout,
			TLSConfig:       b.tlsConfig(),
			RouteByLatency:  b.config.RouteByLatency,
		})
	} else {
		if len(b.config.Addresses) == 0 {
			return backoff.Permanent(apierrors.New(apierrors.KindFatal, "no Redis addresses configured"))
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:            b.config.Addresses[0],
			Username:        b.config.Username,
			Password:        b.config.Password,
			DB:              b.config.DB,
			MaxRetries:      b.config.MaxRetries,
			MinRetryBackoff: b.config.RetryBackoff,
			DialTimeout:     b.config.DialTimeout,
			ReadTimeout:     b.config.ReadTimeout,
			WriteTimeout:    b.config.WriteTimeout,
			PoolSize:        b.config.PoolSize,
			MinIdleConns:    b.config.MinIdleConns,
			PoolTimeout:     b.config.PoolTimeout,
			ConnMaxIdleTime: b.config.IdleTimeout,
			TLSConfig:       b.tlsConfig(),
		})
	}

	// Allow time for dial + TLS handshake + AUTH on the first ping.
	testTimeout := b.config.DialTimeout + b.config.ReadTimeout
	if testTimeout == 0 {
		testTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	b.client = client
	b.logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      b.mode(),
		"addresses": b.config.Addresses,
	})

	return nil
}

func (b *Broker) tlsConfig() *tls.Config {
	if b.config.TLSConfig != nil {
		return b.config.TLSConfig
	}
	if b.config.TLSEnabled {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

// mode returns the current connection mode.
func (b *Broker) mode() string {
	if b.config.SentinelEnabled {
		return "sentinel"
	}
	if b.config.ClusterEnabled {
		return "cluster"
	}
	return "single"
}

// Key builds a fabric key from the configured prefix and the given parts,
// e.g. Key("queue", "high-priority") -> "apix:queue:high-priority".
func (b *Broker) Key(parts ...string) string {
	return b.config.KeyPrefix + strings.Join(parts, ":")
}

// healthCheckLoop runs periodic pings until Close is called.
func (b *Broker) healthCheckLoop() {
	ticker := time.NewTicker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopHealth:
			return
		case <-ticker.C:
			b.checkHealth()
		}
	}
}

// checkHealth performs a single ping and records the result.
func (b *Broker) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := b.client.Ping(ctx).Err()

	b.healthMu.Lock()
	b.healthy = err == nil
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()

	if err != nil {
		b.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the result of the most recent health check.
func (b *Broker) IsHealthy() bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthy
}

// Ping verifies the connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the health check loop and closes the underlying client.
func (b *Broker) Close() error {
	b.stopOnce.Do(func() { close(b.stopHealth) })

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Underlying returns the raw Redis client for operations the broker does
// not wrap. Tests and the monitoring surface use it.
func (b *Broker) Underlying() goredis.UniversalClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// guard rejects operations while the connection is known to be down so
// callers fail fast instead of waiting on pool timeouts.
func (b *Broker) guard() error {
	if !b.IsHealthy() {
		return apierrors.New(apierrors.KindTransient, "redis connection is unhealthy")
	}
	return nil
}
