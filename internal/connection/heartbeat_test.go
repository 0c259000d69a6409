package connection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
)

func TestAdaptiveIntervalMapping(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, testManagerConfig())

	assert.Equal(t, 15*time.Second, m.adaptiveInterval(models.QualityCritical))
	assert.Equal(t, 22500*time.Millisecond, m.adaptiveInterval(models.QualityPoor))
	assert.Equal(t, 30*time.Second, m.adaptiveInterval(models.QualityGood))
	assert.Equal(t, 45*time.Second, m.adaptiveInterval(models.QualityExcellent))
}

func TestMonitorRetimesOnQualityShift(t *testing.T) {
	ctx := context.Background()
	m, _, sched, clk, _ := newTestManager(t, testManagerConfig())

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))
	assert.Equal(t, 30*time.Second, sched.last(t).delay)

	// A slow sample drags quality to POOR; the next tick tightens the
	// monitor to three quarters of the base interval.
	ts := clk.Now().Add(-1100 * time.Millisecond)
	_, q, err := m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
	require.NoError(t, err)
	require.Equal(t, models.QualityPoor, q)

	clk.advance(time.Second)
	sched.last(t).fn()
	assert.Equal(t, 22500*time.Millisecond, sched.last(t).delay)

	// Fast samples walk the EMA back down; once quality recovers to
	// EXCELLENT the monitor relaxes to one and a half intervals.
	for i := 0; i < 8; i++ {
		clk.advance(time.Second)
		ts := clk.Now()
		_, q, err = m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
		require.NoError(t, err)
	}
	require.Equal(t, models.QualityExcellent, q)

	clk.advance(time.Second)
	sched.last(t).fn()
	assert.Equal(t, 45*time.Second, sched.last(t).delay)
}

func TestMonitorKeepsCadenceForSmallDrift(t *testing.T) {
	ctx := context.Background()
	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 8 * time.Second
	m, _, sched, clk, _ := newTestManager(t, cfg)

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))
	assert.Equal(t, 8*time.Second, sched.last(t).delay)

	// EXCELLENT wants 12s, but a 4s shift is below the 5s retime
	// threshold, so the monitor keeps its cadence.
	clk.advance(time.Second)
	sched.last(t).fn()
	assert.Equal(t, 8*time.Second, sched.last(t).delay)
}

func TestMissedHeartbeatsDegradeQuality(t *testing.T) {
	ctx := context.Background()
	m, _, sched, clk, _ := newTestManager(t, testManagerConfig())

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))

	// Two silent intervals push missed past one, scoring POOR.
	clk.advance(31 * time.Second)
	sched.last(t).fn()
	clk.advance(31 * time.Second)
	sched.last(t).fn()

	live, err := m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, live.Status)
	assert.Equal(t, 2, live.MissedHeartbeats)
	assert.Equal(t, models.QualityPoor, live.Quality)

	// A heartbeat clears the missed counter and restores quality.
	_, q, err := m.UpdateHeartbeat(ctx, conn.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.QualityExcellent, q)
	live, err = m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Zero(t, live.MissedHeartbeats)
}

func TestHandleTimeoutPaths(t *testing.T) {
	ctx := context.Background()
	m, _, sched, _, _ := newTestManager(t, testManagerConfig())

	t.Run("unknown session", func(t *testing.T) {
		err := m.HandleTimeout(ctx, "missing")
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("gateway write failure drops the session", func(t *testing.T) {
		conn := newTestConnection(uuid.New())
		require.NoError(t, m.Register(ctx, conn))

		require.NoError(t, m.HandleTimeout(ctx, conn.SessionID))
		live, err := m.Get(conn.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReconnecting, live.Status)
		assert.Equal(t, 1, live.TotalDisconnections)
		assert.Equal(t, time.Second, sched.last(t).delay)
	})

	t.Run("no-op off the connected state", func(t *testing.T) {
		conn := newTestConnection(uuid.New())
		require.NoError(t, m.Register(ctx, conn))
		require.NoError(t, m.UpdateStatus(ctx, conn.SessionID, models.StatusSuspended))

		require.NoError(t, m.HandleTimeout(ctx, conn.SessionID))
		live, err := m.Get(conn.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuspended, live.Status)
	})
}
