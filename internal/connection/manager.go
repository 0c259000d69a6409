// Package connection tracks the live session fleet: the lifecycle state
// machine, per-session heartbeat monitors, and reconnection scheduling
// with pluggable backoff strategies. Hot state lives in memory under the
// Manager; the MetaStore row is a throttled durable mirror that bounds
// what survives a restart.
package connection

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/redis"
	"github.com/apix-io/apix/pkg/store"
	"github.com/apix-io/apix/pkg/tenant"
)

// Config controls heartbeat monitoring and reconnection scheduling.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence and the
	// base tick interval for the server-side monitor.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds a single transport probe during a
	// reconnection attempt.
	HeartbeatTimeout time.Duration
	// MaxMissed is how many intervals a session may stay silent before
	// the monitor declares a timeout.
	MaxMissed int

	Strategy          Strategy
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool

	// ResetAfter is how long a session must stay CONNECTED before its
	// reconnect attempt counter is forgiven.
	ResetAfter time.Duration

	// PersistEvery is the deterministic heartbeat stride for durable
	// writes: every Nth heartbeat reaches the store. Transitions always
	// persist regardless.
	PersistEvery int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxMissed:         3,
		Strategy:          StrategyExponential,
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
		ResetAfter:        5 * time.Minute,
		PersistEvery:      10,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = def.MaxMissed
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = def.ResetAfter
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = def.PersistEvery
	}
}

// session pairs the durable row with hot monitor state. All fields are
// guarded by Manager.mu.
type session struct {
	conn *models.Connection

	// connectedSince marks the start of the current CONNECTED stretch.
	// Reset on every successful connect or reconnect; drives the
	// ResetAfter attempt forgiveness.
	connectedSince time.Time
	latencySamples uint64
	jitterMs       float64
	hbCount        uint64

	hbInterval time.Duration
	hbTimer    *time.Timer
	hbGen      uint64

	rcTimer *time.Timer
	rcGen   uint64
}

// Stats is a point-in-time snapshot of the session fleet.
type Stats struct {
	Total                  int                              `json:"total"`
	ByStatus               map[models.ConnectionStatus]int  `json:"by_status"`
	ByQuality              map[models.ConnectionQuality]int `json:"by_quality"`
	AverageLatency         float64                          `json:"average_latency_ms"`
	TotalReconnectAttempts int                              `json:"total_reconnect_attempts"`
	SessionsWithRetries    int                              `json:"sessions_with_retries"`
}

// QualityChange is the bus payload for a quality reclassification.
type QualityChange struct {
	SessionID      string                   `json:"session_id"`
	OrganizationID uuid.UUID                `json:"organization_id"`
	From           models.ConnectionQuality `json:"from"`
	To             models.ConnectionQuality `json:"to"`
}

// Manager owns the live session map and its monitors.
type Manager struct {
	store   store.MetaStore
	broker  *redis.Broker
	bus     *events.Bus
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	sessions map[string]*session
	prober   Prober
	closed   bool

	nowFn   func() time.Time
	afterFn func(time.Duration, func()) *time.Timer
	randFn  func() float64
}

// NewManager builds a Manager. The broker may be nil when peer-node
// fan-out is not wanted (single-node deployments and tests).
func NewManager(st store.MetaStore, broker *redis.Broker, bus *events.Bus, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	cfg.normalize()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Manager{
		store:    st,
		broker:   broker,
		bus:      bus,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*session),
		nowFn:    time.Now,
		afterFn:  time.AfterFunc,
		randFn:   rand.Float64,
	}
}

// SetProber installs the transport prober consulted by reconnection
// attempts. Without one every attempt fails, which is correct when no
// gateway is serving sockets.
func (m *Manager) SetProber(p Prober) {
	m.mu.Lock()
	m.prober = p
	m.mu.Unlock()
}

// Register admits a new session as CONNECTED, persists it, and starts its
// heartbeat monitor. Registering a session ID already known to the manager
// is treated as the client resuming over a fresh socket, provided the
// state machine permits a move back to CONNECTED.
func (m *Manager) Register(ctx context.Context, conn *models.Connection) error {
	if conn == nil || conn.SessionID == "" {
		return apierrors.New(apierrors.KindParse, "connection requires a session id")
	}
	if conn.OrganizationID == uuid.Nil {
		return apierrors.New(apierrors.KindParse, "connection requires an organization")
	}
	if conn.ClientType == "" {
		conn.ClientType = models.ClientTypeWebApp
	}
	if !conn.ClientType.Valid() {
		return apierrors.Newf(apierrors.KindParse, "unknown client type %q", conn.ClientType)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apierrors.New(apierrors.KindTransient, "connection manager is shut down")
	}

	now := m.nowFn().UTC()
	if existing, ok := m.sessions[conn.SessionID]; ok {
		return m.resumeExistingLocked(ctx, existing, conn, now)
	}

	row := conn.Clone()
	row.Status = models.StatusConnected
	row.Quality = models.QualityExcellent
	row.MissedHeartbeats = 0
	row.ConnectedAt = now
	row.LastHeartbeat = now
	row.DisconnectedAt = nil
	row.NextReconnectAt = nil
	if row.MaxReconnectAttempts <= 0 {
		row.MaxReconnectAttempts = m.config.MaxAttempts
	}

	sess := &session{
		conn:           row,
		connectedSince: now,
		hbInterval:     m.config.HeartbeatInterval,
	}

	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), row.Clone()); err != nil {
		m.mu.Unlock()
		return err
	}

	m.sessions[conn.SessionID] = sess
	m.startHeartbeatMonitor(sess)
	total := len(m.sessions)
	snapshot := row.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.registered", 1, map[string]string{"client_type": string(snapshot.ClientType)})
	m.metrics.RecordGauge("connection.active", float64(total), nil)
	m.logger.Info("Session registered", map[string]interface{}{
		"session_id":      snapshot.SessionID,
		"organization_id": snapshot.OrganizationID.String(),
		"client_type":     string(snapshot.ClientType),
	})
	m.publishLifecycle(ctx, events.TopicConnectionRegistered, snapshot)
	return nil
}

// resumeExistingLocked handles Register for a session ID the manager
// already tracks. Callers hold m.mu; it is released before returning.
func (m *Manager) resumeExistingLocked(ctx context.Context, sess *session, incoming *models.Connection, now time.Time) error {
	from := sess.conn.Status
	if from == models.StatusConnected {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindConflict, "session %s is already connected", incoming.SessionID)
	}
	if !models.ValidTransition(from, models.StatusConnected) {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindConflict, "session %s cannot connect from %s", incoming.SessionID, from)
	}

	m.stopReconnectTimer(sess)
	conn := sess.conn
	conn.Status = models.StatusConnected
	conn.ClientType = incoming.ClientType
	if incoming.UserID != nil {
		id := *incoming.UserID
		conn.UserID = &id
	}
	if incoming.Metadata != nil {
		conn.Metadata = incoming.Metadata
	}
	conn.MissedHeartbeats = 0
	conn.LastHeartbeat = now
	conn.DisconnectedAt = nil
	conn.NextReconnectAt = nil
	sess.connectedSince = now
	sess.hbInterval = m.config.HeartbeatInterval

	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		// Roll the transition back so a retry starts from the same place.
		conn.Status = from
		m.mu.Unlock()
		return err
	}

	m.startHeartbeatMonitor(sess)
	snapshot := conn.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.reconnected", 1, map[string]string{"via": "register"})
	m.logger.Info("Session resumed over a fresh socket", map[string]interface{}{
		"session_id": snapshot.SessionID,
		"from":       string(from),
	})
	m.publishLifecycle(ctx, events.TopicConnectionReconnected, snapshot)
	return nil
}

// UpdateStatus applies an externally driven transition. Only CONNECTED,
// DISCONNECTED and SUSPENDED are accepted here; RECONNECTING and FAILED
// belong to the reconnection scheduler.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, to models.ConnectionStatus) error {
	switch to {
	case models.StatusConnected, models.StatusDisconnected, models.StatusSuspended:
	default:
		return apierrors.Newf(apierrors.KindParse, "status %s is scheduler-managed", to)
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	from := sess.conn.Status
	if !models.ValidTransition(from, to) {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindConflict, "invalid transition %s -> %s", from, to)
	}

	now := m.nowFn().UTC()
	conn := sess.conn
	conn.Status = to

	var topic events.Topic
	switch to {
	case models.StatusConnected:
		m.stopReconnectTimer(sess)
		conn.MissedHeartbeats = 0
		conn.LastHeartbeat = now
		conn.DisconnectedAt = nil
		conn.NextReconnectAt = nil
		sess.connectedSince = now
		sess.hbInterval = m.config.HeartbeatInterval
		topic = events.TopicConnectionReconnected
	case models.StatusDisconnected:
		m.stopHeartbeatMonitor(sess)
		m.stopReconnectTimer(sess)
		conn.DisconnectedAt = &now
		conn.NextReconnectAt = nil
		if from == models.StatusConnected {
			conn.TotalDisconnections++
		}
		topic = events.TopicConnectionDisconnected
	case models.StatusSuspended:
		m.stopHeartbeatMonitor(sess)
		m.stopReconnectTimer(sess)
		conn.NextReconnectAt = nil
		topic = events.TopicConnectionSuspended
	}

	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		conn.Status = from
		m.mu.Unlock()
		return err
	}
	if to == models.StatusConnected {
		m.startHeartbeatMonitor(sess)
	}
	snapshot := conn.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.transition", 1, map[string]string{
		"from": string(from), "to": string(to),
	})
	m.logger.Info("Session status updated", map[string]interface{}{
		"session_id": sessionID,
		"from":       string(from),
		"to":         string(to),
	})
	m.publishLifecycle(ctx, topic, snapshot)
	return nil
}

// UpdateHeartbeat records a client heartbeat. With a client timestamp it
// folds the sample into the latency and jitter EMAs; without one it only
// refreshes liveness. Returns the smoothed latency and current quality.
func (m *Manager) UpdateHeartbeat(ctx context.Context, sessionID string, clientTS *time.Time) (float64, models.ConnectionQuality, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, "", apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	conn := sess.conn
	if conn.Status != models.StatusConnected {
		status := conn.Status
		m.mu.Unlock()
		return 0, "", apierrors.Newf(apierrors.KindConflict, "session %s is %s", sessionID, status)
	}

	now := m.nowFn().UTC()
	// Classification tracks the fresh sample; the EMA only smooths the
	// reported latency. A single 1200ms spike must read POOR even while
	// the smoothed value is still low.
	scoreLatency := conn.LatencyMs
	if clientTS != nil {
		raw := float64(now.Sub(*clientTS)) / float64(time.Millisecond)
		if raw < 0 {
			// Client clock runs ahead of ours.
			raw = 0
		}
		scoreLatency = raw
		if sess.latencySamples == 0 {
			conn.LatencyMs = raw
		} else {
			deviation := raw - conn.LatencyMs
			if deviation < 0 {
				deviation = -deviation
			}
			conn.LatencyMs += latencyAlpha * (raw - conn.LatencyMs)
			sess.jitterMs += latencyAlpha * (deviation - sess.jitterMs)
		}
		sess.latencySamples++
	}
	conn.LastHeartbeat = now
	conn.MissedHeartbeats = 0

	var change *QualityChange
	if q := models.ScoreQuality(scoreLatency, 0); q != conn.Quality {
		change = &QualityChange{
			SessionID:      sessionID,
			OrganizationID: conn.OrganizationID,
			From:           conn.Quality,
			To:             q,
		}
		conn.Quality = q
	}

	persist := false
	if conn.ReconnectAttempts > 0 && now.Sub(sess.connectedSince) >= m.config.ResetAfter {
		conn.ReconnectAttempts = 0
		persist = true
	}
	sess.hbCount++
	if sess.hbCount%uint64(m.config.PersistEvery) == 0 {
		persist = true
	}

	var snapshot *models.Connection
	if persist {
		snapshot = conn.Clone()
	}
	latency, quality := conn.LatencyMs, conn.Quality
	m.mu.Unlock()

	if snapshot != nil {
		if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), snapshot); err != nil {
			m.logger.Warn("Heartbeat persistence failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}
	if change != nil {
		m.emitQualityChange(ctx, change)
	}
	return latency, quality, nil
}

// Remove drops a session from the manager, cancelling its timers and
// persisting a final DISCONNECTED row. Used by admin removal and the
// stale sweep.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	snapshot, err := m.removeLocked(ctx, sess)
	total := len(m.sessions)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.metrics.IncrementCounterWithLabels("connection.removed", 1, nil)
	m.metrics.RecordGauge("connection.active", float64(total), nil)
	m.logger.Info("Session removed", map[string]interface{}{"session_id": sessionID})
	m.publishLifecycle(ctx, events.TopicConnectionRemoved, snapshot)
	return nil
}

// removeLocked performs the shared removal transition. Callers hold m.mu.
func (m *Manager) removeLocked(ctx context.Context, sess *session) (*models.Connection, error) {
	m.stopHeartbeatMonitor(sess)
	m.stopReconnectTimer(sess)

	conn := sess.conn
	now := m.nowFn().UTC()
	if conn.Status != models.StatusDisconnected {
		if conn.Status == models.StatusConnected {
			conn.TotalDisconnections++
		}
		conn.Status = models.StatusDisconnected
		conn.DisconnectedAt = &now
		conn.NextReconnectAt = nil
	}
	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		return nil, err
	}
	delete(m.sessions, conn.SessionID)
	return conn.Clone(), nil
}

// SweepStale removes sessions that have been sitting in DISCONNECTED or
// FAILED longer than idleFor. Returns how many were swept.
func (m *Manager) SweepStale(ctx context.Context, idleFor time.Duration) int {
	m.mu.Lock()
	now := m.nowFn().UTC()
	var stale []*session
	for _, sess := range m.sessions {
		switch sess.conn.Status {
		case models.StatusDisconnected, models.StatusFailed:
			if now.Sub(sess.conn.LastHeartbeat) > idleFor {
				stale = append(stale, sess)
			}
		}
	}
	var removed []*models.Connection
	for _, sess := range stale {
		snapshot, err := m.removeLocked(ctx, sess)
		if err != nil {
			m.logger.Warn("Stale sweep persistence failed", map[string]interface{}{
				"session_id": sess.conn.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		removed = append(removed, snapshot)
	}
	total := len(m.sessions)
	m.mu.Unlock()

	if len(removed) > 0 {
		m.metrics.IncrementCounterWithLabels("connection.removed", float64(len(removed)), map[string]string{"reason": "stale"})
		m.metrics.RecordGauge("connection.active", float64(total), nil)
		m.logger.Info("Swept stale sessions", map[string]interface{}{"count": len(removed)})
		for _, snapshot := range removed {
			m.publishLifecycle(ctx, events.TopicConnectionRemoved, snapshot)
		}
	}
	return len(removed)
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	return sess.conn.Clone(), nil
}

// GetByOrganization returns snapshots of an organization's sessions,
// ordered by session ID.
func (m *Manager) GetByOrganization(orgID uuid.UUID) []*models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Connection
	for _, sess := range m.sessions {
		if sess.conn.OrganizationID == orgID {
			out = append(out, sess.conn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetByUser returns snapshots of one user's sessions within an
// organization, ordered by session ID.
func (m *Manager) GetByUser(orgID, userID uuid.UUID) []*models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Connection
	for _, sess := range m.sessions {
		c := sess.conn
		if c.OrganizationID == orgID && c.UserID != nil && *c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CountByOrganization returns how many sessions an organization holds.
func (m *Manager) CountByOrganization(orgID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.conn.OrganizationID == orgID {
			n++
		}
	}
	return n
}

// Stats snapshots the fleet.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		ByStatus:  make(map[models.ConnectionStatus]int),
		ByQuality: make(map[models.ConnectionQuality]int),
	}
	var latencySum float64
	for _, sess := range m.sessions {
		c := sess.conn
		st.Total++
		st.ByStatus[c.Status]++
		st.ByQuality[c.Quality]++
		latencySum += c.LatencyMs
		st.TotalReconnectAttempts += c.ReconnectAttempts
		if c.ReconnectAttempts > 0 {
			st.SessionsWithRetries++
		}
	}
	if st.Total > 0 {
		st.AverageLatency = latencySum / float64(st.Total)
	}
	return st
}

// Recover loads recoverable rows from the MetaStore into memory.
// Heartbeat monitors restart only for CONNECTED rows; their sockets are
// gone, so the first timeout walks them into reconnection.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	rows, err := m.store.ListRecoverableConnections(ctx, tenant.SystemContext())
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	now := m.nowFn().UTC()
	recovered := 0
	for _, row := range rows {
		if _, ok := m.sessions[row.SessionID]; ok {
			continue
		}
		sess := &session{
			conn:           row.Clone(),
			connectedSince: now,
			hbInterval:     m.config.HeartbeatInterval,
		}
		m.sessions[row.SessionID] = sess
		if sess.conn.Status == models.StatusConnected {
			m.startHeartbeatMonitor(sess)
		}
		recovered++
	}
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordGauge("connection.active", float64(total), nil)
	m.logger.Info("Recovered sessions from store", map[string]interface{}{"count": recovered})
	return recovered, nil
}

// Close cancels all timers and persists the final state of every session.
// Statuses are preserved so CONNECTED rows stay recoverable after a
// restart. Persistence stops when ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	finals := make([]*models.Connection, 0, len(m.sessions))
	for _, sess := range m.sessions {
		m.stopHeartbeatMonitor(sess)
		m.stopReconnectTimer(sess)
		finals = append(finals, sess.conn.Clone())
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for i, row := range finals {
		select {
		case <-ctx.Done():
			m.logger.Warn("Shutdown deadline reached before all sessions persisted", map[string]interface{}{
				"remaining": len(finals) - i,
			})
			return ctx.Err()
		default:
		}
		if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), row); err != nil {
			m.logger.Warn("Final session persistence failed", map[string]interface{}{
				"session_id": row.SessionID,
				"error":      err.Error(),
			})
		}
	}
	m.logger.Info("Connection manager closed", map[string]interface{}{"persisted": len(finals)})
	return nil
}

// publishLifecycle fans a lifecycle snapshot out to the in-process bus
// and, when a broker is wired, to the organization's connection_events
// stream for peer nodes.
func (m *Manager) publishLifecycle(ctx context.Context, topic events.Topic, conn *models.Connection) {
	if m.bus != nil {
		m.bus.Publish(ctx, topic, conn)
	}
	if m.broker == nil {
		return
	}
	stream := m.broker.Key("events", conn.OrganizationID.String(), models.ConnectionEventsChannel)
	values := map[string]interface{}{
		"event":      string(topic),
		"session_id": conn.SessionID,
		"status":     string(conn.Status),
		"quality":    string(conn.Quality),
		"at":         m.nowFn().UTC().Format(time.RFC3339Nano),
	}
	if _, err := m.broker.Add(ctx, stream, values); err != nil {
		m.logger.Warn("Failed to publish lifecycle event to broker", map[string]interface{}{
			"session_id": conn.SessionID,
			"event":      string(topic),
			"error":      err.Error(),
		})
	}
}

func (m *Manager) emitQualityChange(ctx context.Context, change *QualityChange) {
	m.metrics.IncrementCounterWithLabels("connection.quality_changed", 1, map[string]string{
		"from": string(change.From), "to": string(change.To),
	})
	if m.bus != nil {
		m.bus.Publish(ctx, events.TopicConnectionQualityChanged, change)
	}
}
