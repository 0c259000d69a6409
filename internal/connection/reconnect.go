package connection

import (
	"context"
	"math"
	"strings"
	"time"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/tenant"
)

// Strategy selects how reconnection delays grow between attempts.
type Strategy string

// Reconnection strategies
const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyAdaptive    Strategy = "adaptive"
)

// ParseStrategy maps a config string onto a Strategy, defaulting to
// exponential for anything unrecognized.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLinear:
		return StrategyLinear
	case StrategyFixed:
		return StrategyFixed
	case StrategyAdaptive:
		return StrategyAdaptive
	default:
		return StrategyExponential
	}
}

// Prober checks whether the transport for a session has actually been
// re-established. The gateway implements it over its socket registry; a
// reconnection attempt succeeds only when the probe does.
type Prober interface {
	Probe(ctx context.Context, sessionID string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, sessionID string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

const (
	// jitterFraction spreads delays across [0.5d, 1.5d) to avoid
	// synchronized retry storms.
	jitterFraction = 0.5
	minDelay       = 100 * time.Millisecond
)

// ScheduleReconnection moves a DISCONNECTED session into RECONNECTING and
// arms the timer for its next attempt. Sessions that have already spent
// their attempt budget are refused; FAILED is only reached from a fired
// attempt.
func (m *Manager) ScheduleReconnection(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	conn := sess.conn
	from := conn.Status
	if from == models.StatusReconnecting {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindConflict, "session %s already has a reconnection scheduled", sessionID)
	}
	if !models.ValidTransition(from, models.StatusReconnecting) {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindConflict, "invalid transition %s -> %s", from, models.StatusReconnecting)
	}
	if conn.ReconnectAttempts >= conn.MaxReconnectAttempts {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindQuotaExceeded, "session %s has exhausted its %d reconnection attempts", sessionID, conn.MaxReconnectAttempts)
	}

	conn.Status = models.StatusReconnecting
	attempt := conn.ReconnectAttempts + 1
	delay := m.delayFor(attempt)
	due := m.nowFn().UTC().Add(delay)
	conn.NextReconnectAt = &due
	m.armReconnectTimer(sess, delay)

	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		m.stopReconnectTimer(sess)
		conn.Status = from
		conn.NextReconnectAt = nil
		m.mu.Unlock()
		return err
	}
	snapshot := conn.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.reconnect_scheduled", 1, map[string]string{
		"strategy": string(m.config.Strategy),
	})
	m.logger.Info("Reconnection scheduled", map[string]interface{}{
		"session_id": sessionID,
		"attempt":    attempt,
		"delay_ms":   delay.Milliseconds(),
	})
	m.publishLifecycle(ctx, events.TopicConnectionReconnectScheduled, snapshot)
	return nil
}

// armReconnectTimer replaces the reconnect timer. Callers hold m.mu.
func (m *Manager) armReconnectTimer(sess *session, delay time.Duration) {
	m.stopReconnectTimer(sess)
	id := sess.conn.SessionID
	gen := sess.rcGen
	sess.rcTimer = m.afterFn(delay, func() {
		m.runReconnectAttempt(id, gen)
	})
}

// stopReconnectTimer cancels the reconnect timer. The generation bump
// invalidates a timer that has fired but not yet taken the lock. Callers
// hold m.mu.
func (m *Manager) stopReconnectTimer(sess *session) {
	sess.rcGen++
	if sess.rcTimer != nil {
		sess.rcTimer.Stop()
		sess.rcTimer = nil
	}
}

// runReconnectAttempt consumes one attempt: probe the transport, then
// either resume the session, reschedule, or declare it FAILED.
func (m *Manager) runReconnectAttempt(sessionID string, gen uint64) {
	ctx := context.Background()

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || gen != sess.rcGen || sess.conn.Status != models.StatusReconnecting {
		m.mu.Unlock()
		return
	}
	sess.conn.ReconnectAttempts++
	attempt := sess.conn.ReconnectAttempts
	prober := m.prober
	m.mu.Unlock()

	var probeErr error
	if prober == nil {
		probeErr = apierrors.New(apierrors.KindTransient, "no transport prober registered")
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.HeartbeatTimeout)
		probeErr = prober.Probe(probeCtx, sessionID)
		cancel()
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok || gen != sess.rcGen || sess.conn.Status != models.StatusReconnecting {
		m.mu.Unlock()
		return
	}
	conn := sess.conn
	now := m.nowFn().UTC()

	if probeErr == nil {
		m.stopReconnectTimer(sess)
		conn.Status = models.StatusConnected
		conn.MissedHeartbeats = 0
		conn.LastHeartbeat = now
		conn.DisconnectedAt = nil
		conn.NextReconnectAt = nil
		sess.connectedSince = now
		sess.hbInterval = m.config.HeartbeatInterval
		m.startHeartbeatMonitor(sess)
		m.persistLocked(ctx, conn, "reconnect success")
		snapshot := conn.Clone()
		m.mu.Unlock()

		m.metrics.IncrementCounterWithLabels("connection.reconnected", 1, map[string]string{"via": "probe"})
		m.logger.Info("Session reconnected", map[string]interface{}{
			"session_id": sessionID,
			"attempt":    attempt,
		})
		m.publishLifecycle(ctx, events.TopicConnectionReconnected, snapshot)
		return
	}

	if attempt >= conn.MaxReconnectAttempts {
		m.stopReconnectTimer(sess)
		conn.Status = models.StatusFailed
		conn.NextReconnectAt = nil
		m.persistLocked(ctx, conn, "reconnect failure")
		snapshot := conn.Clone()
		m.mu.Unlock()

		m.metrics.IncrementCounterWithLabels("connection.failed", 1, nil)
		m.logger.Warn("Session failed after exhausting reconnection attempts", map[string]interface{}{
			"session_id": sessionID,
			"attempts":   attempt,
			"error":      probeErr.Error(),
		})
		m.publishLifecycle(ctx, events.TopicConnectionFailed, snapshot)
		return
	}

	delay := m.delayFor(attempt + 1)
	due := now.Add(delay)
	conn.NextReconnectAt = &due
	sess.rcTimer = m.afterFn(delay, func() {
		m.runReconnectAttempt(sessionID, gen)
	})
	m.persistLocked(ctx, conn, "reconnect reschedule")
	snapshot := conn.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.reconnect_scheduled", 1, map[string]string{
		"strategy": string(m.config.Strategy),
	})
	m.logger.Info("Reconnection attempt failed, rescheduled", map[string]interface{}{
		"session_id": sessionID,
		"attempt":    attempt,
		"next_in_ms": delay.Milliseconds(),
		"error":      probeErr.Error(),
	})
	m.publishLifecycle(ctx, events.TopicConnectionReconnectScheduled, snapshot)
}

// persistLocked writes the row, logging instead of failing: by the time an
// attempt has fired the in-memory transition is authoritative. Callers
// hold m.mu.
func (m *Manager) persistLocked(ctx context.Context, conn *models.Connection, what string) {
	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		m.logger.Warn("Persistence failed", map[string]interface{}{
			"session_id": conn.SessionID,
			"during":     what,
			"error":      err.Error(),
		})
	}
}

// baseDelay computes the undecorated delay for a 1-based attempt number.
// Callers hold m.mu when the strategy is adaptive.
func (m *Manager) baseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	cfg := m.config
	switch cfg.Strategy {
	case StrategyFixed:
		return cfg.InitialDelay
	case StrategyLinear:
		return cfg.InitialDelay + time.Duration(attempt-1)*cfg.InitialDelay
	case StrategyAdaptive:
		d := time.Duration(float64(m.exponentialDelay(attempt)) * m.loadFactor() * m.fleetQualityFactor())
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		return d
	default:
		return m.exponentialDelay(attempt)
	}
}

func (m *Manager) exponentialDelay(attempt int) time.Duration {
	cfg := m.config
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// delayFor returns the scheduling delay for an attempt, jittered across
// [0.5d, 1.5d) when enabled and floored at 100ms.
func (m *Manager) delayFor(attempt int) time.Duration {
	d := m.baseDelay(attempt)
	if m.config.Jitter {
		d = time.Duration(float64(d) * (1 - jitterFraction + m.randFn()*2*jitterFraction))
	}
	if d < minDelay {
		d = minDelay
	}
	return d
}

// loadFactor scales adaptive backoff with fleet size. Callers hold m.mu.
func (m *Manager) loadFactor() float64 {
	total := len(m.sessions)
	switch {
	case total > 1000:
		return 2.0
	case total > 500:
		return 1.5
	case total > 100:
		return 1.2
	default:
		return 1.0
	}
}

// fleetQualityFactor averages quality weights across the fleet, capped at
// 3.0. Callers hold m.mu.
func (m *Manager) fleetQualityFactor() float64 {
	if len(m.sessions) == 0 {
		return 1.0
	}
	var sum float64
	for _, sess := range m.sessions {
		sum += sess.conn.Quality.Weight()
	}
	factor := sum / float64(len(m.sessions))
	if factor > 3.0 {
		factor = 3.0
	}
	return factor
}
