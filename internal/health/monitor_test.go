package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apix-io/apix/internal/connection"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
)

type fakeSource struct {
	mu    sync.Mutex
	stats connection.Stats
}

func (f *fakeSource) Stats() connection.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) set(stats connection.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

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

func (r *topicRecorder) alerts() []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Alert, 0, len(r.bodies))
	for _, body := range r.bodies {
		out = append(out, body.(*Alert))
	}
	return out
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeSource, *fakeClock, *events.Bus) {
	t.Helper()
	src := &fakeSource{}
	bus := events.NewBus(observability.NewNoopLogger())
	mon := NewMonitor(src, bus, cfg, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	mon.nowFn = clk.Now
	mon.memFn = func() (uint64, uint64) { return 10, 100 }
	return mon, src, clk, bus
}

func steadyFleet(total int) connection.Stats {
	return connection.Stats{
		Total:          total,
		ByStatus:       map[models.ConnectionStatus]int{models.StatusConnected: total},
		ByQuality:      map[models.ConnectionQuality]int{models.QualityExcellent: total},
		AverageLatency: 120,
	}
}

func TestCheckComputesSample(t *testing.T) {
	mon, src, clk, _ := newTestMonitor(t, Config{})
	mon.memFn = func() (uint64, uint64) { return 50, 100 }

	src.set(connection.Stats{
		Total: 10,
		ByStatus: map[models.ConnectionStatus]int{
			models.StatusConnected:    6,
			models.StatusReconnecting: 2,
			models.StatusFailed:       1,
			models.StatusSuspended:    1,
		},
		ByQuality: map[models.ConnectionQuality]int{
			models.QualityExcellent: 5,
			models.QualityGood:      2,
			models.QualityPoor:      2,
			models.QualityCritical:  1,
		},
		AverageLatency:      420,
		SessionsWithRetries: 3,
	})

	sample := mon.Check(context.Background())

	assert.Equal(t, clk.Now(), sample.At)
	assert.Equal(t, 10, sample.TotalConnections)
	assert.Equal(t, 7, sample.HealthyConnections)
	assert.InDelta(t, 0.7, sample.HealthyRatio, 1e-9)
	assert.InDelta(t, 420, sample.AverageLatencyMs, 1e-9)
	assert.InDelta(t, 0.2, sample.ErrorRate, 1e-9)
	assert.InDelta(t, 0.3, sample.ReconnectionRate, 1e-9)
	// (heap 0.5 + volume 0.01 + churn 0.2) / 3
	assert.InDelta(t, 0.71/3, sample.SystemLoad, 1e-9)
	assert.Len(t, mon.History(), 1)
}

func TestCheckEmptyFleet(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t, Config{})

	sample := mon.Check(context.Background())

	assert.Zero(t, sample.TotalConnections)
	assert.InDelta(t, 1.0, sample.HealthyRatio, 1e-9)
	assert.Zero(t, sample.ErrorRate)
	assert.Zero(t, sample.ReconnectionRate)
	assert.InDelta(t, 0.1/3, sample.SystemLoad, 1e-9)
	assert.Empty(t, mon.ActiveAlerts())

	rep := mon.Report()
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, TrendStable, rep.Trend)
}

func TestDegradedFleetRaisesLatencyAndQualityAlerts(t *testing.T) {
	mon, src, _, bus := newTestMonitor(t, Config{})
	rec := &topicRecorder{}
	rec.record(bus, events.TopicHealthAlertCreated)

	src.set(connection.Stats{
		Total:          10,
		ByStatus:       map[models.ConnectionStatus]int{models.StatusConnected: 10},
		ByQuality:      map[models.ConnectionQuality]int{models.QualityCritical: 10},
		AverageLatency: 1500,
	})
	mon.Check(context.Background())

	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertHighLatency, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "average latency 1500.0ms exceeds 1000ms")
	assert.Equal(t, AlertLowConnectionQuality, alerts[1].Type)
	assert.Equal(t, SeverityMedium, alerts[1].Severity)
	assert.InDelta(t, 0.0, alerts[0].Metrics["healthy_ratio"], 1e-9)
	assert.Equal(t, "degraded", mon.Report().Status)

	// the same breach on the next pass refreshes the alerts, it does not
	// open new ones
	mon.Check(context.Background())
	assert.Len(t, mon.ActiveAlerts(), 2)
	assert.Equal(t, []events.Topic{events.TopicHealthAlertCreated, events.TopicHealthAlertCreated}, rec.topics())
}

func TestAlertLifecycle(t *testing.T) {
	mon, src, clk, bus := newTestMonitor(t, Config{})
	rec := &topicRecorder{}
	rec.record(bus, events.TopicHealthAlertCreated, events.TopicHealthAlertResolved)

	degraded := steadyFleet(4)
	degraded.AverageLatency = 1500
	src.set(degraded)
	mon.Check(context.Background())

	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.Equal(t, AlertHighLatency, alerts[0].Type)
	alertID := alerts[0].ID

	// latency recovers: the alert clears but stays listed until acknowledged
	clk.advance(30 * time.Second)
	src.set(steadyFleet(4))
	mon.Check(context.Background())

	alerts = mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].ClearedAt)
	assert.Equal(t, clk.Now(), *alerts[0].ClearedAt)
	assert.Equal(t, "healthy", mon.Report().Status)
	assert.Equal(t, []events.Topic{events.TopicHealthAlertCreated, events.TopicHealthAlertResolved}, rec.topics())

	err := mon.Acknowledge("no-such-alert")
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))

	require.NoError(t, mon.Acknowledge(alertID))
	alerts = mon.ActiveAlerts()
	require.True(t, alerts[0].Acknowledged)
	require.NotNil(t, alerts[0].AcknowledgedAt)

	// acknowledging again is a no-op and keeps the original stamp
	ackAt := *alerts[0].AcknowledgedAt
	clk.advance(time.Minute)
	require.NoError(t, mon.Acknowledge(alertID))
	assert.Equal(t, ackAt, *mon.ActiveAlerts()[0].AcknowledgedAt)

	// grace window after acknowledgement expires the alert
	clk.advance(time.Hour)
	mon.Check(context.Background())
	assert.Empty(t, mon.ActiveAlerts())
}

func TestRebreachOpensFreshIncident(t *testing.T) {
	mon, src, clk, bus := newTestMonitor(t, Config{})
	rec := &topicRecorder{}
	rec.record(bus, events.TopicHealthAlertCreated)

	degraded := steadyFleet(4)
	degraded.AverageLatency = 1500
	src.set(degraded)
	mon.Check(context.Background())
	firstID := mon.ActiveAlerts()[0].ID

	clk.advance(30 * time.Second)
	src.set(steadyFleet(4))
	mon.Check(context.Background())
	require.NotNil(t, mon.ActiveAlerts()[0].ClearedAt)

	clk.advance(30 * time.Second)
	src.set(degraded)
	mon.Check(context.Background())

	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Nil(t, alerts[0].ClearedAt)
	assert.NotEqual(t, firstID, alerts[0].ID)
	require.Len(t, rec.alerts(), 2)
	assert.NotEqual(t, rec.alerts()[0].ID, rec.alerts()[1].ID)
}

func TestSystemOverload(t *testing.T) {
	mon, src, _, _ := newTestMonitor(t, Config{})
	mon.memFn = func() (uint64, uint64) { return 95, 100 }

	src.set(connection.Stats{
		Total: 2000,
		ByStatus: map[models.ConnectionStatus]int{
			models.StatusConnected:    500,
			models.StatusReconnecting: 1500,
		},
		ByQuality:      map[models.ConnectionQuality]int{models.QualityExcellent: 2000},
		AverageLatency: 100,
	})
	sample := mon.Check(context.Background())

	// (heap 0.95 + volume 1.0 + churn 0.75) / 3
	assert.InDelta(t, 0.9, sample.SystemLoad, 1e-9)
	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSystemOverload, alerts[0].Type)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)

	t.Run("load is clamped to one", func(t *testing.T) {
		mon.memFn = func() (uint64, uint64) { return 200, 100 }
		sample := mon.Check(context.Background())
		assert.InDelta(t, 1.0, sample.SystemLoad, 1e-9)
	})
}

func TestHighErrorRateAlert(t *testing.T) {
	mon, src, _, _ := newTestMonitor(t, Config{})

	src.set(connection.Stats{
		Total: 10,
		ByStatus: map[models.ConnectionStatus]int{
			models.StatusConnected: 8,
			models.StatusFailed:    1,
			models.StatusSuspended: 1,
		},
		ByQuality:      map[models.ConnectionQuality]int{models.QualityExcellent: 10},
		AverageLatency: 100,
	})
	sample := mon.Check(context.Background())

	assert.InDelta(t, 0.2, sample.ErrorRate, 1e-9)
	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighErrorRate, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
}

func TestReconnectionChurnTripsQualityAlert(t *testing.T) {
	mon, src, _, _ := newTestMonitor(t, Config{})

	// every session healthy by latency, but a third of them have retried
	stats := steadyFleet(9)
	stats.SessionsWithRetries = 3
	src.set(stats)
	sample := mon.Check(context.Background())

	assert.InDelta(t, 1.0/3, sample.ReconnectionRate, 1e-9)
	alerts := mon.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowConnectionQuality, alerts[0].Type)
}

func ratioSamples(at time.Time, ratios ...float64) []Sample {
	out := make([]Sample, 0, len(ratios))
	for i, r := range ratios {
		out = append(out, Sample{At: at.Add(time.Duration(i) * 30 * time.Second), HealthyRatio: r})
	}
	return out
}

func TestTrendClassification(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		ratios []float64
		want   Trend
	}{
		{"too few samples", []float64{0.5, 0.9, 0.9}, TrendStable},
		{"improving", []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.62, 0.62, 0.62, 0.62, 0.62}, TrendImproving},
		{"degrading", []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.7, 0.7, 0.7, 0.7, 0.7}, TrendDegrading},
		{"small drift is stable", []float64{0.8, 0.8, 0.8, 0.8, 0.8, 0.82, 0.82, 0.82, 0.82, 0.82}, TrendStable},
		{"exactly ten percent is stable", []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.55, 0.55, 0.55, 0.55, 0.55}, TrendStable},
		{"from zero", []float64{0, 0, 0, 0, 0, 0.1, 0.1, 0.1, 0.1, 0.1}, TrendImproving},
		{"flat zero", []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, TrendStable},
		{"only the last window counts", []float64{0.9, 0.9, 0.5, 0.5, 0.5, 0.5, 0.5, 0.62, 0.62, 0.62, 0.62, 0.62}, TrendImproving},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, trendOf(ratioSamples(base, tc.ratios...)))
		})
	}

	t.Run("via monitor", func(t *testing.T) {
		mon, _, _, _ := newTestMonitor(t, Config{})
		mon.history = ratioSamples(base, 0.9, 0.9, 0.9, 0.9, 0.9, 0.7, 0.7, 0.7, 0.7, 0.7)
		assert.Equal(t, TrendDegrading, mon.Trend())
		assert.Equal(t, TrendDegrading, mon.Report().Trend)
	})
}

func TestHistoryPrunesToRetention(t *testing.T) {
	mon, src, clk, _ := newTestMonitor(t, Config{})
	src.set(steadyFleet(2))

	mon.Check(context.Background())
	clk.advance(10 * time.Minute)
	mon.Check(context.Background())
	clk.advance(55 * time.Minute)
	mon.Check(context.Background())

	history := mon.History()
	require.Len(t, history, 2)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC), history[0].At)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 5, 0, 0, time.UTC), history[1].At)
}

func TestStartStopLoop(t *testing.T) {
	mon, src, _, _ := newTestMonitor(t, Config{SampleInterval: 10 * time.Millisecond})
	src.set(steadyFleet(1))

	mon.Start()
	require.Eventually(t, func() bool {
		return len(mon.History()) >= 3
	}, time.Second, 5*time.Millisecond)

	mon.Stop()
	mon.Stop()
}
