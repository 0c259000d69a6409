// Package health samples the connection fleet on a fixed cadence and turns
// threshold breaches into operator alerts. Alerts are keyed by type, so a
// condition that persists across many samples stays a single alert until it
// clears; an acknowledged alert is retained for a grace window so operators
// can still see what fired. A short sample history backs a coarse trend
// signal for the stats endpoint.
package health

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-io/apix/internal/connection"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/events"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
)

// AlertType identifies which threshold a health alert was raised for.
type AlertType string

const (
	AlertHighLatency          AlertType = "HIGH_LATENCY"
	AlertHighErrorRate        AlertType = "HIGH_ERROR_RATE"
	AlertLowConnectionQuality AlertType = "LOW_CONNECTION_QUALITY"
	AlertSystemOverload       AlertType = "SYSTEM_OVERLOAD"
)

// alertTypes fixes the evaluation order so alert events fire deterministically.
var alertTypes = []AlertType{
	AlertHighLatency,
	AlertHighErrorRate,
	AlertLowConnectionQuality,
	AlertSystemOverload,
}

// Severity ranks an alert for paging purposes.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func severityOf(typ AlertType) Severity {
	switch typ {
	case AlertSystemOverload:
		return SeverityCritical
	case AlertLowConnectionQuality:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Alert is a single active health condition. ClearedAt is set when the
// condition stops breaching; the alert itself stays listed until it has been
// acknowledged and the grace window has passed.
type Alert struct {
	ID             string             `json:"id"`
	Type           AlertType          `json:"type"`
	Severity       Severity           `json:"severity"`
	Message        string             `json:"message"`
	Metrics        map[string]float64 `json:"metrics"`
	Timestamp      time.Time          `json:"timestamp"`
	Acknowledged   bool               `json:"acknowledged"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	ClearedAt      *time.Time         `json:"cleared_at,omitempty"`
}

func (a *Alert) clone() *Alert {
	dup := *a
	dup.Metrics = make(map[string]float64, len(a.Metrics))
	for k, v := range a.Metrics {
		dup.Metrics[k] = v
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		dup.AcknowledgedAt = &at
	}
	if a.ClearedAt != nil {
		at := *a.ClearedAt
		dup.ClearedAt = &at
	}
	return &dup
}

// Sample is one point-in-time reading of the fleet.
type Sample struct {
	At                 time.Time `json:"at"`
	TotalConnections   int       `json:"total_connections"`
	HealthyConnections int       `json:"healthy_connections"`
	HealthyRatio       float64   `json:"healthy_ratio"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	ErrorRate          float64   `json:"error_rate"`
	ReconnectionRate   float64   `json:"reconnection_rate"`
	SystemLoad         float64   `json:"system_load"`
}

func (s Sample) metricsMap() map[string]float64 {
	return map[string]float64{
		"total_connections":  float64(s.TotalConnections),
		"healthy_ratio":      s.HealthyRatio,
		"average_latency_ms": s.AverageLatencyMs,
		"error_rate":         s.ErrorRate,
		"reconnection_rate":  s.ReconnectionRate,
		"system_load":        s.SystemLoad,
	}
}

// Trend summarizes how the healthy ratio moved across the recent sample
// window.
type Trend string

const (
	TrendImproving Trend = "IMPROVING"
	TrendStable    Trend = "STABLE"
	TrendDegrading Trend = "DEGRADING"
)

const (
	trendWindow = 10
	trendBand   = 0.1
)

// Report is the aggregate view served by the stats and health endpoints.
type Report struct {
	Status string   `json:"status"`
	Sample Sample   `json:"sample"`
	Trend  Trend    `json:"trend"`
	Alerts []*Alert `json:"alerts"`
}

// StatsSource supplies the fleet snapshot a sample is computed from. It is
// satisfied by *connection.Manager.
type StatsSource interface {
	Stats() connection.Stats
}

// Config carries the alert thresholds and sampling cadence. Zero fields fall
// back to defaults.
type Config struct {
	SampleInterval   time.Duration
	HistoryRetention time.Duration
	AlertGrace       time.Duration

	MaxAverageLatency   time.Duration
	MaxErrorRate        float64
	MinHealthyRatio     float64
	MaxSystemLoad       float64
	MaxReconnectionRate float64
}

// DefaultConfig returns the monitoring defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:      30 * time.Second,
		HistoryRetention:    time.Hour,
		AlertGrace:          time.Hour,
		MaxAverageLatency:   time.Second,
		MaxErrorRate:        0.1,
		MinHealthyRatio:     0.8,
		MaxSystemLoad:       0.8,
		MaxReconnectionRate: 0.2,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = def.HistoryRetention
	}
	if c.AlertGrace <= 0 {
		c.AlertGrace = def.AlertGrace
	}
	if c.MaxAverageLatency <= 0 {
		c.MaxAverageLatency = def.MaxAverageLatency
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = def.MaxErrorRate
	}
	if c.MinHealthyRatio <= 0 {
		c.MinHealthyRatio = def.MinHealthyRatio
	}
	if c.MaxSystemLoad <= 0 {
		c.MaxSystemLoad = def.MaxSystemLoad
	}
	if c.MaxReconnectionRate <= 0 {
		c.MaxReconnectionRate = def.MaxReconnectionRate
	}
}

// Monitor periodically samples a StatsSource and maintains the alert set.
type Monitor struct {
	source  StatsSource
	bus     *events.Bus
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	history []Sample
	alerts  map[AlertType]*Alert

	nowFn func() time.Time
	memFn func() (used, total uint64)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor builds a Monitor. The bus may be nil when no subscriber cares
// about alert events.
func NewMonitor(source StatsSource, bus *events.Bus, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Monitor {
	cfg.normalize()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Monitor{
		source:  source,
		bus:     bus,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		alerts:  make(map[AlertType]*Alert),
		nowFn:   time.Now,
		memFn:   heapSample,
		stopCh:  make(chan struct{}),
	}
}

func heapSample() (used, total uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

// Start launches the sampling loop. The first sample lands immediately so a
// Report is available before the first tick.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	m.Check(context.Background())
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Stop shuts the sampling loop down and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Check runs one sampling pass: read the fleet, append to history, and raise
// or resolve alerts against the thresholds. It is called by the loop and can
// be invoked directly to force a fresh reading.
func (m *Monitor) Check(ctx context.Context) Sample {
	stats := m.source.Stats()
	heapUsed, heapTotal := m.memFn()
	now := m.nowFn().UTC()
	sample := buildSample(now, stats, heapUsed, heapTotal)

	m.mu.Lock()
	m.history = append(m.history, sample)
	m.pruneHistoryLocked(now)
	created, resolved := m.evaluateLocked(now, sample)
	m.mu.Unlock()

	m.metrics.RecordGauge("health.connections_total", float64(sample.TotalConnections), nil)
	m.metrics.RecordGauge("health.healthy_ratio", sample.HealthyRatio, nil)
	m.metrics.RecordGauge("health.error_rate", sample.ErrorRate, nil)
	m.metrics.RecordGauge("health.system_load", sample.SystemLoad, nil)

	for _, alert := range created {
		m.logger.Warn("Health alert raised", map[string]interface{}{
			"alert_id": alert.ID,
			"type":     string(alert.Type),
			"severity": string(alert.Severity),
			"message":  alert.Message,
		})
		m.metrics.IncrementCounterWithLabels("health.alerts_raised", 1, map[string]string{
			"type":     string(alert.Type),
			"severity": string(alert.Severity),
		})
		if m.bus != nil {
			m.bus.Publish(ctx, events.TopicHealthAlertCreated, alert)
		}
	}
	for _, alert := range resolved {
		m.logger.Info("Health alert resolved", map[string]interface{}{
			"alert_id": alert.ID,
			"type":     string(alert.Type),
		})
		if m.bus != nil {
			m.bus.Publish(ctx, events.TopicHealthAlertResolved, alert)
		}
	}
	return sample
}

func buildSample(now time.Time, stats connection.Stats, heapUsed, heapTotal uint64) Sample {
	s := Sample{
		At:               now,
		TotalConnections: stats.Total,
		AverageLatencyMs: stats.AverageLatency,
		HealthyRatio:     1,
	}
	s.HealthyConnections = stats.ByQuality[models.QualityExcellent] + stats.ByQuality[models.QualityGood]
	if stats.Total > 0 {
		total := float64(stats.Total)
		s.HealthyRatio = float64(s.HealthyConnections) / total
		s.ErrorRate = float64(stats.ByStatus[models.StatusFailed]+stats.ByStatus[models.StatusSuspended]) / total
		s.ReconnectionRate = float64(stats.SessionsWithRetries) / total
	}
	s.SystemLoad = systemLoad(stats, heapUsed, heapTotal)
	return s
}

// systemLoad blends heap pressure, fleet volume against a nominal 1000
// session capacity, and reconnection churn into a single [0, 1] figure.
func systemLoad(stats connection.Stats, heapUsed, heapTotal uint64) float64 {
	var heap float64
	if heapTotal > 0 {
		heap = float64(heapUsed) / float64(heapTotal)
	}
	volume := math.Min(float64(stats.Total)/1000.0, 1)
	var churn float64
	if stats.Total > 0 {
		churn = float64(stats.ByStatus[models.StatusReconnecting]) / float64(stats.Total)
	}
	load := (heap + volume + churn) / 3
	return math.Min(math.Max(load, 0), 1)
}

func (m *Monitor) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-m.config.HistoryRetention)
	idx := 0
	for idx < len(m.history) && !m.history[idx].At.After(cutoff) {
		idx++
	}
	if idx > 0 {
		m.history = append([]Sample(nil), m.history[idx:]...)
	}
}

// evaluateLocked reconciles the alert set against one sample. A breach on a
// type with no live alert opens one; a breach on a cleared alert opens a
// fresh incident with a new id; a clear on a live alert stamps ClearedAt.
// Acknowledged alerts age out after the grace window before evaluation, so a
// breach that outlives its acknowledgement opens a fresh incident.
func (m *Monitor) evaluateLocked(now time.Time, s Sample) (created, resolved []*Alert) {
	for typ, alert := range m.alerts {
		if alert.Acknowledged && alert.AcknowledgedAt != nil && now.Sub(*alert.AcknowledgedAt) >= m.config.AlertGrace {
			delete(m.alerts, typ)
		}
	}

	latencyCeiling := float64(m.config.MaxAverageLatency) / float64(time.Millisecond)

	type check struct {
		hit     bool
		message string
	}
	checks := map[AlertType]check{
		AlertHighLatency: {
			hit:     s.AverageLatencyMs > latencyCeiling,
			message: fmt.Sprintf("average latency %.1fms exceeds %.0fms", s.AverageLatencyMs, latencyCeiling),
		},
		AlertHighErrorRate: {
			hit:     s.ErrorRate > m.config.MaxErrorRate,
			message: fmt.Sprintf("error rate %.2f exceeds %.2f", s.ErrorRate, m.config.MaxErrorRate),
		},
		AlertLowConnectionQuality: {
			hit: s.HealthyRatio < m.config.MinHealthyRatio || s.ReconnectionRate > m.config.MaxReconnectionRate,
			message: fmt.Sprintf("healthy ratio %.2f below %.2f or reconnection rate %.2f above %.2f",
				s.HealthyRatio, m.config.MinHealthyRatio, s.ReconnectionRate, m.config.MaxReconnectionRate),
		},
		AlertSystemOverload: {
			hit:     s.SystemLoad > m.config.MaxSystemLoad,
			message: fmt.Sprintf("system load %.2f exceeds %.2f", s.SystemLoad, m.config.MaxSystemLoad),
		},
	}

	for _, typ := range alertTypes {
		chk := checks[typ]
		existing := m.alerts[typ]
		switch {
		case chk.hit && (existing == nil || existing.ClearedAt != nil):
			alert := &Alert{
				ID:        uuid.NewString(),
				Type:      typ,
				Severity:  severityOf(typ),
				Message:   chk.message,
				Metrics:   s.metricsMap(),
				Timestamp: now,
			}
			m.alerts[typ] = alert
			created = append(created, alert.clone())
		case chk.hit:
			existing.Message = chk.message
			existing.Metrics = s.metricsMap()
		case existing != nil && existing.ClearedAt == nil:
			at := now
			existing.ClearedAt = &at
			resolved = append(resolved, existing.clone())
		}
	}
	return created, resolved
}

// Acknowledge marks an alert as seen by an operator. The alert stays listed
// until the grace window after acknowledgement has passed.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.alerts {
		if alert.ID != id {
			continue
		}
		if !alert.Acknowledged {
			alert.Acknowledged = true
			at := m.nowFn().UTC()
			alert.AcknowledgedAt = &at
		}
		return nil
	}
	return apierrors.Newf(apierrors.KindNotFound, "alert %s not found", id)
}

// ActiveAlerts returns the current alert set, cleared-but-unacknowledged
// entries included, ordered by type.
func (m *Monitor) ActiveAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, alert.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.history...)
}

// Trend classifies the healthy-ratio movement across the last samples.
func (m *Monitor) Trend() Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trendOf(m.history)
}

// trendOf compares the mean healthy ratio of the first and second half of
// the most recent window. Fewer samples than the window reads as stable.
func trendOf(history []Sample) Trend {
	if len(history) < trendWindow {
		return TrendStable
	}
	recent := history[len(history)-trendWindow:]
	half := trendWindow / 2
	var first, second float64
	for i, s := range recent {
		if i < half {
			first += s.HealthyRatio
		} else {
			second += s.HealthyRatio
		}
	}
	first /= float64(half)
	second /= float64(half)
	if first == 0 {
		if second > 0 {
			return TrendImproving
		}
		return TrendStable
	}
	switch change := (second - first) / first; {
	case change > trendBand:
		return TrendImproving
	case change < -trendBand:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// Report assembles the aggregate health view. Status reads degraded while
// any uncleared alert is live.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{Status: "healthy", Trend: trendOf(m.history)}
	if n := len(m.history); n > 0 {
		rep.Sample = m.history[n-1]
	}
	rep.Alerts = make([]*Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if alert.ClearedAt == nil {
			rep.Status = "degraded"
		}
		rep.Alerts = append(rep.Alerts, alert.clone())
	}
	sort.Slice(rep.Alerts, func(i, j int) bool { return rep.Alerts[i].Type < rep.Alerts[j].Type })
	return rep
}
