package connection

import (
	"context"
	"time"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/tenant"
)

const (
	// latencyAlpha is the EMA smoothing factor for latency and jitter.
	latencyAlpha = 0.1
	// retimeThreshold gates adaptive interval changes; the monitor keeps
	// its current cadence for drift of 5s or less.
	retimeThreshold = 5 * time.Second
)

// adaptiveInterval derives the monitor tick interval from link quality.
// Degraded links are probed more often, excellent ones less.
func (m *Manager) adaptiveInterval(q models.ConnectionQuality) time.Duration {
	base := m.config.HeartbeatInterval
	switch q {
	case models.QualityCritical:
		return base / 2
	case models.QualityPoor:
		return base * 3 / 4
	case models.QualityExcellent:
		return base * 3 / 2
	default:
		return base
	}
}

// startHeartbeatMonitor arms the monitor timer for a session, replacing
// any prior timer. Callers hold m.mu.
func (m *Manager) startHeartbeatMonitor(sess *session) {
	m.stopHeartbeatMonitor(sess)
	if sess.hbInterval <= 0 {
		sess.hbInterval = m.config.HeartbeatInterval
	}
	id := sess.conn.SessionID
	gen := sess.hbGen
	sess.hbTimer = m.afterFn(sess.hbInterval, func() {
		m.heartbeatTick(id, gen)
	})
}

// stopHeartbeatMonitor cancels the monitor timer. The generation bump
// invalidates a timer that already fired but has not yet taken the lock,
// so stopping is idempotent and race-free. Callers hold m.mu.
func (m *Manager) stopHeartbeatMonitor(sess *session) {
	sess.hbGen++
	if sess.hbTimer != nil {
		sess.hbTimer.Stop()
		sess.hbTimer = nil
	}
}

// heartbeatTick is one pass of the server-side monitor. A session silent
// for more than one interval accrues a missed heartbeat and may be
// reclassified; silence beyond MaxMissed intervals is a timeout that
// walks the session into reconnection.
func (m *Manager) heartbeatTick(sessionID string, gen uint64) {
	ctx := context.Background()

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || gen != sess.hbGen || sess.conn.Status != models.StatusConnected {
		m.mu.Unlock()
		return
	}

	conn := sess.conn
	now := m.nowFn().UTC()
	silent := now.Sub(conn.LastHeartbeat)

	if silent > time.Duration(m.config.MaxMissed)*m.config.HeartbeatInterval {
		m.mu.Unlock()
		if err := m.HandleTimeout(ctx, sessionID); err != nil {
			m.logger.Warn("Heartbeat timeout handling failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		return
	}

	var change *QualityChange
	if silent > m.config.HeartbeatInterval {
		conn.MissedHeartbeats++
		if q := models.ScoreQuality(conn.LatencyMs, conn.MissedHeartbeats); q != conn.Quality {
			change = &QualityChange{
				SessionID:      sessionID,
				OrganizationID: conn.OrganizationID,
				From:           conn.Quality,
				To:             q,
			}
			conn.Quality = q
		}
	}

	if want := m.adaptiveInterval(conn.Quality); absDuration(want-sess.hbInterval) > retimeThreshold {
		sess.hbInterval = want
	}
	sess.hbTimer = m.afterFn(sess.hbInterval, func() {
		m.heartbeatTick(sessionID, gen)
	})
	m.mu.Unlock()

	if change != nil {
		m.emitQualityChange(ctx, change)
	}
}

// HandleTimeout drives a CONNECTED session through the heartbeat-timeout
// transition: DISCONNECTED, monitor stopped, reconnection scheduled. The
// gateway calls this directly when a socket write fails, since a dead
// writer and a silent client are the same condition.
func (m *Manager) HandleTimeout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apierrors.Newf(apierrors.KindNotFound, "session %s not found", sessionID)
	}
	conn := sess.conn
	if conn.Status != models.StatusConnected {
		m.mu.Unlock()
		return nil
	}

	m.stopHeartbeatMonitor(sess)
	now := m.nowFn().UTC()
	conn.Status = models.StatusDisconnected
	conn.DisconnectedAt = &now
	conn.TotalDisconnections++

	if err := m.store.UpsertConnection(ctx, tenant.SystemContext(), conn.Clone()); err != nil {
		m.logger.Warn("Timeout persistence failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	snapshot := conn.Clone()
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("connection.heartbeat_timeout", 1, nil)
	m.logger.Warn("Session heartbeat timed out", map[string]interface{}{
		"session_id":        sessionID,
		"missed_heartbeats": snapshot.MissedHeartbeats,
	})
	m.publishLifecycle(ctx, events.TopicConnectionDisconnected, snapshot)

	if err := m.ScheduleReconnection(ctx, sessionID); err != nil {
		m.logger.Warn("Could not schedule reconnection after timeout", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
