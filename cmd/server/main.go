// Command server runs the apix realtime fabric: the websocket gateway, the
// channel router, the durable message queue, the connection manager, and
// the health monitor, wired over Redis streams and a Postgres metadata
// store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"github.com/apix-io/apix/internal/connection"
	"github.com/apix-io/apix/internal/gateway"
	"github.com/apix-io/apix/internal/health"
	"github.com/apix-io/apix/internal/router"
	"github.com/apix-io/apix/pkg/auth"
	"github.com/apix-io/apix/pkg/common/config"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/queue"
	"github.com/apix-io/apix/pkg/rbac"
	"github.com/apix-io/apix/pkg/redis"
	"github.com/apix-io/apix/pkg/store"
	"github.com/apix-io/apix/pkg/tenant"
)

const (
	shutdownGrace = 5 * time.Second
	sweepInterval = 5 * time.Minute
	// sweepIdleFor is how long a DISCONNECTED or FAILED session may linger
	// before the cleanup sweeper drops it.
	sweepIdleFor = 30 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewStandardLogger("apix").Fatal("Configuration invalid", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewStandardLoggerWithLevel("apix", observability.ParseLevel(cfg.Monitoring.Logging.Level))

	var metrics observability.MetricsClient
	if cfg.Monitoring.Prometheus.Enabled {
		metrics = observability.NewPrometheusMetricsClient(cfg.Monitoring.Prometheus.Namespace, "")
	} else {
		metrics = observability.NewNoOpMetricsClient()
	}
	defer func() { _ = metrics.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Fatal("Server exited with error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Server stopped", nil)
}

// run brings the fabric up in dependency order and tears it down in
// reverse when ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) error {
	// Broker first: both the queue and lifecycle fan-out need it.
	broker, err := redis.NewBroker(&cfg.Redis, logger.WithPrefix("redis"))
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	metaStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = metaStore.Close() }()

	var audit store.AuditSink = store.NopAuditSink{}
	if cfg.Tenant.AuditLogging {
		audit = store.NewMultiAuditSink(
			store.NewLogAuditSink(logger.WithPrefix("audit")),
			store.NewStoreAuditSink(metaStore, logger.WithPrefix("audit")),
		)
	}

	bus := events.NewBus(logger.WithPrefix("bus"))

	q, err := queue.NewQueue(ctx, broker, &queue.Config{
		ConsumerGroup:     cfg.Queue.ConsumerGroup,
		ConsumerName:      cfg.Queue.ConsumerName,
		Workers:           cfg.Queue.Workers,
		BatchSize:         cfg.Queue.BatchSize,
		BlockTimeout:      cfg.Queue.BlockTimeout,
		ProcessTimeout:    cfg.Queue.ProcessTimeout,
		AutoAck:           cfg.Queue.AutoAck,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffStrategy:   cfg.Queue.BackoffStrategy,
		BackoffDelay:      cfg.Queue.BackoffDelay,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		MaxBackoff:        cfg.Queue.MaxBackoff,
		Jitter:            cfg.Queue.Jitter,
		SweepInterval:     cfg.Queue.SweepInterval,
		ClaimMinIdle:      cfg.Queue.ClaimMinIdle,
		ClaimInterval:     cfg.Queue.ClaimInterval,
	}, logger.WithPrefix("queue"), metrics)
	if err != nil {
		return err
	}

	manager := connection.NewManager(metaStore, broker, bus, connection.Config{
		HeartbeatInterval: cfg.WebSocket.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.WebSocket.Heartbeat.Timeout,
		MaxMissed:         cfg.WebSocket.Heartbeat.MaxMissed,
		Strategy:          connection.ParseStrategy(cfg.WebSocket.Retry.Strategy),
		MaxAttempts:       cfg.WebSocket.Retry.MaxAttempts,
		InitialDelay:      cfg.WebSocket.Retry.InitialDelay,
		BackoffMultiplier: cfg.WebSocket.Retry.BackoffMultiplier,
		MaxDelay:          cfg.WebSocket.Retry.MaxDelay,
		Jitter:            cfg.WebSocket.Retry.Jitter,
		ResetAfter:        cfg.WebSocket.Retry.ResetAfter,
	}, logger.WithPrefix("connection"), metrics)

	monitor := health.NewMonitor(manager, bus, health.Config{
		SampleInterval:      cfg.Health.MonitoringInterval,
		HistoryRetention:    cfg.Health.HistoryRetention,
		AlertGrace:          cfg.Health.AlertGracePeriod,
		MaxAverageLatency:   cfg.Health.Thresholds.MaxAverageLatency,
		MaxErrorRate:        cfg.Health.Thresholds.MaxErrorRate,
		MinHealthyRatio:     cfg.Health.Thresholds.MinHealthyRatio,
		MaxSystemLoad:       cfg.Health.Thresholds.MaxSystemLoad,
		MaxReconnectionRate: cfg.Health.Thresholds.MaxReconnectionRate,
	}, logger.WithPrefix("health"), metrics)

	policy := rbac.NewPolicyEngine(metaStore, audit, logger.WithPrefix("rbac"))

	authSvc, err := auth.NewService(auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTIssuer:     cfg.Auth.JWTIssuer,
		JWTExpiration: cfg.Auth.JWTExpiration,
		APIKeys:       apiKeys(cfg.Auth.APIKeys),
		CacheSize:     cfg.Auth.CacheSize,
		CacheTTL:      cfg.Auth.CacheTTL,
	}, logger.WithPrefix("auth"), metrics)
	if err != nil {
		return err
	}

	quota := tenant.NewQuotaTracker(cfg.Tenant.Limits, cfg.Tenant.ResourceLimits, logger.WithPrefix("tenant"), metrics)
	limits := tenant.NewLimitResolver(store.NewStoreLimitSource(metaStore), cfg.Tenant.Limits, logger.WithPrefix("tenant"))

	rt := router.NewRouter(policy, q,
		router.NewQuotaTracker(metaStore, cfg.Tenant.Limits.MaxChannels, logger.WithPrefix("router")),
		bus, router.Config{
			MaxSubscriptionsPerSession: cfg.WebSocket.Channels.MaxSubscriptions,
			MaxChannelsPerTenant:       cfg.Tenant.Limits.MaxChannels,
			ChannelTTL:                 cfg.WebSocket.Channels.DefaultTTL,
			SweepInterval:              sweepInterval,
		}, logger.WithPrefix("router"), metrics)

	gw := gateway.NewServer(authSvc, manager, rt, quota, limits, bus, gateway.Config{
		MaxPayloadLength: cfg.WebSocket.MaxPayloadLength,
		IdleTimeout:      cfg.WebSocket.IdleTimeout,
		MaxConnections:   cfg.WebSocket.MaxConnections,
		SendBufferSize:   cfg.WebSocket.SendBufferSize,
		RateLimitWindow:  cfg.WebSocket.RateLimit.Window,
		RateLimitMax:     cfg.WebSocket.RateLimit.Max,
	}, logger.WithPrefix("gateway"), metrics)

	// Bring the plane up: consumer groups, recovered sessions, workers,
	// then the listeners.
	if err := q.EnsureGroups(ctx); err != nil {
		return err
	}
	if _, err := manager.Recover(ctx); err != nil {
		return err
	}

	consumers := make([]*queue.Consumer, 0, 3)
	for _, name := range []string{queue.HighPriority, queue.NormalPriority, queue.LowPriority} {
		c, err := queue.NewConsumer(q, name, rt.HandleQueueMessage)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	q.Start()
	for _, c := range consumers {
		c.Start()
	}
	rt.Start()
	monitor.Check(ctx)
	monitor.Start()

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.WebSocket.Path, gw)
	wsServer := &http.Server{
		Addr:    cfg.WebSocket.ListenAddress(),
		Handler: wsMux,
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	monitoringMux := gin.New()
	monitoringMux.Use(gin.Recovery())
	gateway.NewMonitoringEndpoints(gw, manager, rt, monitor, q, broker, metaStore).RegisterRoutes(monitoringMux)
	monServer := &http.Server{
		Addr:    cfg.Monitoring.Prometheus.ListenAddress,
		Handler: monitoringMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Gateway listening", map[string]interface{}{
			"addr": wsServer.Addr,
			"path": cfg.WebSocket.Path,
		})
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Monitoring listening", map[string]interface{}{"addr": monServer.Addr})
		if err := monServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.SweepStale(gctx, sweepIdleFor)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// Teardown mirrors startup order in reverse.
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Gateway drain incomplete", map[string]interface{}{"error": err.Error()})
		}
		_ = wsServer.Shutdown(shutdownCtx)
		_ = monServer.Shutdown(shutdownCtx)
		monitor.Stop()
		rt.Stop()
		for _, c := range consumers {
			c.Stop()
		}
		q.Stop()
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn("Connection manager close incomplete", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})

	return g.Wait()
}

// openStore opens the configured MetaStore. The memory driver backs
// single-node development; Postgres is wrapped in a circuit breaker so a
// failing database degrades heartbeat persistence instead of stalling it.
func openStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (store.MetaStore, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using the in-memory metadata store; rows do not survive a restart", nil)
		return store.NewMemoryStore(), nil
	}

	pg, err := store.OpenPostgres(ctx, store.PostgresOptions{
		DSN:             cfg.Database.BuildDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger.WithPrefix("store"))
	if err != nil {
		return nil, err
	}
	return store.NewBreakerStore(pg, store.DefaultBreakerSettings(), logger.WithPrefix("store")), nil
}

// apiKeys converts the config API key entries into the auth package's
// shape. The types are structurally identical; config stays free of an
// auth dependency.
func apiKeys(entries map[string]config.APIKeyEntry) map[string]auth.APIKeyEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]auth.APIKeyEntry, len(entries))
	for key, e := range entries {
		out[key] = auth.APIKeyEntry{
			OrganizationID: e.OrganizationID,
			UserID:         e.UserID,
			Roles:          e.Roles,
			ClientType:     e.ClientType,
		}
	}
	return out
}
