package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/store"
	"github.com/apix-io/apix/pkg/tenant"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type armedTimer struct {
	delay time.Duration
	fn    func()
}

// fakeScheduler records every timer the manager arms so tests can fire
// them by hand and assert on the scheduled delays.
type fakeScheduler struct {
	mu    sync.Mutex
	armed []armedTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	s.armed = append(s.armed, armedTimer{delay: d, fn: f})
	s.mu.Unlock()
	t := time.AfterFunc(time.Hour, func() {})
	t.Stop()
	return t
}

func (s *fakeScheduler) last(t *testing.T) armedTimer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.armed, "no timer armed")
	return s.armed[len(s.armed)-1]
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.armed))
	for i, a := range s.armed {
		out[i] = a.delay
	}
	return out
}

type topicRecorder struct {
	mu     sync.Mutex
	seen   []events.Topic
	bodies []interface{}
}

func (r *topicRecorder) record(bus *events.Bus, topics ...events.Topic) {
	for _, topic := range topics {
		bus.Subscribe(topic, func(ctx context.Context, env events.Envelope) {
			r.mu.Lock()
			r.seen = append(r.seen, env.Topic)
			r.bodies = append(r.bodies, env.Payload)
			r.mu.Unlock()
		})
	}
}

func (r *topicRecorder) topics() []events.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Topic(nil), r.seen...)
}

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = false
	cfg.ResetAfter = 300 * time.Second
	cfg.PersistEvery = 10
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.MemoryStore, *fakeScheduler, *fakeClock, *events.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(observability.NewNoopLogger())
	m := NewManager(st, nil, bus, cfg, observability.NewNoopLogger(), nil)

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sched := &fakeScheduler{}
	m.nowFn = clk.Now
	m.afterFn = sched.AfterFunc
	m.randFn = func() float64 { return 0.5 }
	return m, st, sched, clk, bus
}

func newTestConnection(orgID uuid.UUID) *models.Connection {
	return &models.Connection{
		SessionID:      uuid.NewString(),
		OrganizationID: orgID,
		ClientType:     models.ClientTypeWebApp,
	}
}

func storedConnection(t *testing.T, st *store.MemoryStore, sessionID string) *models.Connection {
	t.Helper()
	row, err := st.GetConnection(context.Background(), tenant.SystemContext(), sessionID)
	require.NoError(t, err)
	return row
}

func TestRegisterAndQueries(t *testing.T) {
	ctx := context.Background()
	m, st, sched, clk, bus := newTestManager(t, testManagerConfig())

	rec := &topicRecorder{}
	rec.record(bus, events.TopicConnectionRegistered)

	orgA := uuid.New()
	orgB := uuid.New()
	userID := uuid.New()

	first := newTestConnection(orgA)
	first.UserID = &userID
	require.NoError(t, m.Register(ctx, first))

	second := newTestConnection(orgA)
	third := newTestConnection(orgB)
	require.NoError(t, m.Register(ctx, second))
	require.NoError(t, m.Register(ctx, third))

	t.Run("registration persists and starts a monitor", func(t *testing.T) {
		row := storedConnection(t, st, first.SessionID)
		assert.Equal(t, models.StatusConnected, row.Status)
		assert.Equal(t, models.QualityExcellent, row.Quality)
		assert.Equal(t, clk.Now(), row.ConnectedAt)
		assert.Equal(t, m.config.MaxAttempts, row.MaxReconnectAttempts)

		assert.Equal(t, m.config.HeartbeatInterval, sched.last(t).delay)
		assert.Len(t, rec.topics(), 3)
	})

	t.Run("duplicate registration of a live session conflicts", func(t *testing.T) {
		err := m.Register(ctx, first)
		assert.True(t, apierrors.IsConflict(err))
	})

	t.Run("rejects malformed registrations", func(t *testing.T) {
		err := m.Register(ctx, &models.Connection{OrganizationID: orgA})
		assert.True(t, apierrors.IsParse(err))

		err = m.Register(ctx, &models.Connection{SessionID: "s"})
		assert.True(t, apierrors.IsParse(err))

		bad := newTestConnection(orgA)
		bad.ClientType = models.ClientType("TOASTER")
		err = m.Register(ctx, bad)
		assert.True(t, apierrors.IsParse(err))
	})

	t.Run("queries scope by organization and user", func(t *testing.T) {
		assert.Len(t, m.GetByOrganization(orgA), 2)
		assert.Len(t, m.GetByOrganization(orgB), 1)
		assert.Equal(t, 2, m.CountByOrganization(orgA))

		byUser := m.GetByUser(orgA, userID)
		require.Len(t, byUser, 1)
		assert.Equal(t, first.SessionID, byUser[0].SessionID)

		got, err := m.Get(first.SessionID)
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, got.SessionID)

		_, err = m.Get("nope")
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("stats snapshot", func(t *testing.T) {
		stats := m.Stats()
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 3, stats.ByStatus[models.StatusConnected])
		assert.Equal(t, 3, stats.ByQuality[models.QualityExcellent])
		assert.Zero(t, stats.TotalReconnectAttempts)
	})
}

func TestUpdateHeartbeatSmoothing(t *testing.T) {
	ctx := context.Background()
	m, _, _, clk, _ := newTestManager(t, testManagerConfig())

	orgID := uuid.New()
	conn := newTestConnection(orgID)
	require.NoError(t, m.Register(ctx, conn))

	heartbeat := func(behind time.Duration) (float64, models.ConnectionQuality) {
		ts := clk.Now().Add(-behind)
		lat, q, err := m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
		require.NoError(t, err)
		return lat, q
	}

	lat, q := heartbeat(200 * time.Millisecond)
	assert.InDelta(t, 200, lat, 0.001, "first sample seeds the EMA")
	assert.Equal(t, models.QualityExcellent, q)

	lat, _ = heartbeat(400 * time.Millisecond)
	assert.InDelta(t, 220, lat, 0.001, "EMA folds in a tenth of the new sample")

	// Client clock ahead of the server clamps to zero rather than going
	// negative.
	ts := clk.Now().Add(2 * time.Second)
	lat, _, err := m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
	require.NoError(t, err)
	assert.InDelta(t, 198, lat, 0.001)

	// A heartbeat without a timestamp refreshes liveness only.
	before := lat
	lat, _, err = m.UpdateHeartbeat(ctx, conn.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, before, lat)

	_, _, err = m.UpdateHeartbeat(ctx, "missing", nil)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestQualityFollowsLatestSample(t *testing.T) {
	ctx := context.Background()
	m, _, _, clk, _ := newTestManager(t, testManagerConfig())

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))

	heartbeat := func(behind time.Duration) (float64, models.ConnectionQuality) {
		clk.advance(time.Second)
		ts := clk.Now().Add(-behind)
		lat, q, err := m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
		require.NoError(t, err)
		return lat, q
	}

	// Quality tracks each fresh sample even though the reported latency is
	// smoothed. A spike to 1200ms must read POOR while the EMA is still far
	// below the threshold.
	_, q := heartbeat(50 * time.Millisecond)
	assert.Equal(t, models.QualityExcellent, q)

	_, q = heartbeat(450 * time.Millisecond)
	assert.Equal(t, models.QualityExcellent, q)

	lat, q := heartbeat(700 * time.Millisecond)
	assert.Equal(t, models.QualityGood, q)
	assert.InDelta(t, 151, lat, 0.001, "reported latency stays smoothed")

	lat, q = heartbeat(1200 * time.Millisecond)
	assert.Equal(t, models.QualityPoor, q)
	assert.InDelta(t, 255.9, lat, 0.001)

	live, err := m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Zero(t, live.MissedHeartbeats)
}

func TestUpdateHeartbeatPersistenceStride(t *testing.T) {
	ctx := context.Background()
	cfg := testManagerConfig()
	cfg.PersistEvery = 3
	m, st, _, clk, _ := newTestManager(t, cfg)

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))
	registeredAt := clk.Now()

	var persistedAt time.Time
	for i := 1; i <= 7; i++ {
		clk.advance(time.Second)
		_, _, err := m.UpdateHeartbeat(ctx, conn.SessionID, nil)
		require.NoError(t, err)
		if i == 6 {
			persistedAt = clk.Now()
		}
	}

	// Heartbeats 3 and 6 hit the store; 7 stays in memory.
	row := storedConnection(t, st, conn.SessionID)
	assert.Equal(t, persistedAt, row.LastHeartbeat)
	assert.NotEqual(t, registeredAt, row.LastHeartbeat)

	live, err := m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), live.LastHeartbeat)
}

func TestQualityChangeEmitted(t *testing.T) {
	ctx := context.Background()
	m, _, _, clk, bus := newTestManager(t, testManagerConfig())

	var changes []*QualityChange
	bus.Subscribe(events.TopicConnectionQualityChanged, func(ctx context.Context, env events.Envelope) {
		changes = append(changes, env.Payload.(*QualityChange))
	})

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))

	ts := clk.Now().Add(-600 * time.Millisecond)
	_, q, err := m.UpdateHeartbeat(ctx, conn.SessionID, &ts)
	require.NoError(t, err)
	assert.Equal(t, models.QualityGood, q)

	require.Len(t, changes, 1)
	assert.Equal(t, models.QualityExcellent, changes[0].From)
	assert.Equal(t, models.QualityGood, changes[0].To)
	assert.Equal(t, conn.OrganizationID, changes[0].OrganizationID)
}

func TestUpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()
	m, st, _, _, bus := newTestManager(t, testManagerConfig())

	rec := &topicRecorder{}
	rec.record(bus, events.TopicConnectionSuspended, events.TopicConnectionReconnected, events.TopicConnectionDisconnected)

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))

	t.Run("suspension stops the session", func(t *testing.T) {
		require.NoError(t, m.UpdateStatus(ctx, conn.SessionID, models.StatusSuspended))
		assert.Equal(t, models.StatusSuspended, storedConnection(t, st, conn.SessionID).Status)

		_, _, err := m.UpdateHeartbeat(ctx, conn.SessionID, nil)
		assert.True(t, apierrors.IsConflict(err))
	})

	t.Run("resume from suspension", func(t *testing.T) {
		require.NoError(t, m.UpdateStatus(ctx, conn.SessionID, models.StatusConnected))
		assert.Equal(t, models.StatusConnected, storedConnection(t, st, conn.SessionID).Status)

		_, _, err := m.UpdateHeartbeat(ctx, conn.SessionID, nil)
		assert.NoError(t, err)
	})

	t.Run("disconnect counts the drop", func(t *testing.T) {
		require.NoError(t, m.UpdateStatus(ctx, conn.SessionID, models.StatusDisconnected))
		row := storedConnection(t, st, conn.SessionID)
		assert.Equal(t, models.StatusDisconnected, row.Status)
		assert.Equal(t, 1, row.TotalDisconnections)
		require.NotNil(t, row.DisconnectedAt)
	})

	t.Run("guards", func(t *testing.T) {
		err := m.UpdateStatus(ctx, conn.SessionID, models.StatusFailed)
		assert.True(t, apierrors.IsParse(err), "scheduler-owned status")

		err = m.UpdateStatus(ctx, conn.SessionID, models.StatusSuspended)
		assert.True(t, apierrors.IsConflict(err), "DISCONNECTED cannot suspend")

		err = m.UpdateStatus(ctx, "missing", models.StatusDisconnected)
		assert.True(t, apierrors.IsNotFound(err))
	})

	assert.Equal(t, []events.Topic{
		events.TopicConnectionSuspended,
		events.TopicConnectionReconnected,
		events.TopicConnectionDisconnected,
	}, rec.topics())
}

func TestHeartbeatTimeoutWalksIntoReconnection(t *testing.T) {
	ctx := context.Background()
	m, st, sched, clk, bus := newTestManager(t, testManagerConfig())

	rec := &topicRecorder{}
	rec.record(bus, events.TopicConnectionDisconnected, events.TopicConnectionReconnectScheduled)

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))
	monitor := sched.last(t)

	// One silent interval accrues a missed heartbeat but keeps the session.
	clk.advance(31 * time.Second)
	monitor.fn()
	live, err := m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, live.Status)
	assert.Equal(t, 1, live.MissedHeartbeats)

	// Silence beyond MaxMissed intervals is a timeout: the session drops
	// and a reconnection is scheduled at the first backoff offset.
	clk.advance(60 * time.Second)
	sched.last(t).fn()

	live, err = m.Get(conn.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReconnecting, live.Status)
	assert.Equal(t, 1, live.TotalDisconnections)
	require.NotNil(t, live.NextReconnectAt)
	assert.Equal(t, time.Second, sched.last(t).delay)

	assert.Equal(t, []events.Topic{
		events.TopicConnectionDisconnected,
		events.TopicConnectionReconnectScheduled,
	}, rec.topics())
	assert.Equal(t, models.StatusReconnecting, storedConnection(t, st, conn.SessionID).Status)
}

func TestRemoveAndSweep(t *testing.T) {
	ctx := context.Background()
	m, st, _, clk, bus := newTestManager(t, testManagerConfig())

	rec := &topicRecorder{}
	rec.record(bus, events.TopicConnectionRemoved)

	keep := newTestConnection(uuid.New())
	drop := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, keep))
	require.NoError(t, m.Register(ctx, drop))

	require.NoError(t, m.Remove(ctx, drop.SessionID))
	_, err := m.Get(drop.SessionID)
	assert.True(t, apierrors.IsNotFound(err))

	row := storedConnection(t, st, drop.SessionID)
	assert.Equal(t, models.StatusDisconnected, row.Status)
	assert.Equal(t, 1, row.TotalDisconnections)

	assert.True(t, apierrors.IsNotFound(m.Remove(ctx, drop.SessionID)))

	// The sweep only touches sessions parked in DISCONNECTED or FAILED.
	require.NoError(t, m.UpdateStatus(ctx, keep.SessionID, models.StatusDisconnected))
	assert.Zero(t, m.SweepStale(ctx, time.Hour))
	clk.advance(2 * time.Hour)
	assert.Equal(t, 1, m.SweepStale(ctx, time.Hour))
	assert.Zero(t, m.Stats().Total)

	assert.Len(t, rec.topics(), 2)
}

func TestRecoverRestartsMonitorsForConnectedOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	orgID := uuid.New()

	seed := func(status models.ConnectionStatus) string {
		conn := newTestConnection(orgID)
		conn.Status = status
		conn.Quality = models.QualityGood
		conn.LastHeartbeat = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		require.NoError(t, st.UpsertConnection(ctx, tenant.SystemContext(), conn))
		return conn.SessionID
	}
	connected := seed(models.StatusConnected)
	seed(models.StatusReconnecting)
	seed(models.StatusDisconnected)

	bus := events.NewBus(observability.NewNoopLogger())
	m := NewManager(st, nil, bus, testManagerConfig(), observability.NewNoopLogger(), nil)
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sched := &fakeScheduler{}
	m.nowFn = clk.Now
	m.afterFn = sched.AfterFunc
	m.randFn = func() float64 { return 0.5 }

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "CONNECTED and RECONNECTING rows are recoverable")
	assert.Len(t, sched.delays(), 1, "only the CONNECTED row gets a monitor")

	// The recovered socket is gone, so the stale heartbeat times the
	// session out on the first tick and reconnection takes over.
	sched.last(t).fn()
	live, err := m.Get(connected)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReconnecting, live.Status)
}

func TestClosePersistsFinalStates(t *testing.T) {
	ctx := context.Background()
	m, st, _, clk, _ := newTestManager(t, testManagerConfig())

	conn := newTestConnection(uuid.New())
	require.NoError(t, m.Register(ctx, conn))
	clk.advance(5 * time.Second)
	_, _, err := m.UpdateHeartbeat(ctx, conn.SessionID, nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))

	// The in-memory heartbeat that skipped its stride write reaches the
	// store on shutdown, and the status stays CONNECTED for recovery.
	row := storedConnection(t, st, conn.SessionID)
	assert.Equal(t, models.StatusConnected, row.Status)
	assert.Equal(t, clk.Now(), row.LastHeartbeat)

	err = m.Register(ctx, newTestConnection(uuid.New()))
	assert.True(t, apierrors.IsTransient(err))

	require.NoError(t, m.Close(ctx), "close is idempotent")
}
