package tenant

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
)

// Usage is a point-in-time snapshot of a tenant's tracked resources.
type Usage struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

type orgUsage struct {
	connections int
	channels    int
	events      *rate.Limiter
}

// QuotaTracker enforces per-organization resource limits. Connection and
// channel counts are tracked as gauges; event publishes go through a
// token bucket sized from the tenant's limits.
type QuotaTracker struct {
	mu       sync.Mutex
	usage    map[uuid.UUID]*orgUsage
	defaults models.OrganizationLimits
	enabled  bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewQuotaTracker creates a tracker with fabric-wide default limits.
// When enabled is false every acquire succeeds, matching deployments
// that turn resource limits off.
func NewQuotaTracker(defaults models.OrganizationLimits, enabled bool, logger observability.Logger, metrics observability.MetricsClient) *QuotaTracker {
	return &QuotaTracker{
		usage:    make(map[uuid.UUID]*orgUsage),
		defaults: defaults,
		enabled:  enabled,
		logger:   logger,
		metrics:  metrics,
	}
}

// limitsFor fills zero fields of a tenant's limits from the defaults.
func (q *QuotaTracker) limitsFor(limits models.OrganizationLimits) models.OrganizationLimits {
	if limits.MaxConnections == 0 {
		limits.MaxConnections = q.defaults.MaxConnections
	}
	if limits.MaxChannels == 0 {
		limits.MaxChannels = q.defaults.MaxChannels
	}
	if limits.MaxEvents == 0 {
		limits.MaxEvents = q.defaults.MaxEvents
	}
	return limits
}

func (q *QuotaTracker) orgLocked(orgID uuid.UUID, limits models.OrganizationLimits) *orgUsage {
	u, ok := q.usage[orgID]
	if !ok {
		// maxEvents is a per-minute budget; the bucket refills smoothly
		// and allows short bursts up to a second's worth.
		perSecond := rate.Limit(float64(limits.MaxEvents) / 60.0)
		burst := int(perSecond) + 1
		u = &orgUsage{events: rate.NewLimiter(perSecond, burst)}
		q.usage[orgID] = u
	}
	return u
}

// AcquireConnection reserves a connection slot for the tenant.
func (q *QuotaTracker) AcquireConnection(orgID uuid.UUID, limits models.OrganizationLimits) error {
	if !q.enabled {
		return nil
	}
	limits = q.limitsFor(limits)

	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.orgLocked(orgID, limits)
	if u.connections >= limits.MaxConnections {
		return apierrors.Newf(apierrors.KindQuotaExceeded, "organization %s reached its connection limit (%d)", orgID, limits.MaxConnections)
	}
	u.connections++
	q.gauge("tenant.connections", orgID, float64(u.connections))
	return nil
}

// ReleaseConnection frees a connection slot.
func (q *QuotaTracker) ReleaseConnection(orgID uuid.UUID) {
	if !q.enabled {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.usage[orgID]
	if !ok || u.connections == 0 {
		return
	}
	u.connections--
	q.gauge("tenant.connections", orgID, float64(u.connections))
}

// AcquireChannel reserves a channel slot for the tenant.
func (q *QuotaTracker) AcquireChannel(orgID uuid.UUID, limits models.OrganizationLimits) error {
	if !q.enabled {
		return nil
	}
	limits = q.limitsFor(limits)

	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.orgLocked(orgID, limits)
	if u.channels >= limits.MaxChannels {
		return apierrors.Newf(apierrors.KindQuotaExceeded, "organization %s reached its channel limit (%d)", orgID, limits.MaxChannels)
	}
	u.channels++
	q.gauge("tenant.channels", orgID, float64(u.channels))
	return nil
}

// ReleaseChannel frees a channel slot.
func (q *QuotaTracker) ReleaseChannel(orgID uuid.UUID) {
	if !q.enabled {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.usage[orgID]
	if !ok || u.channels == 0 {
		return
	}
	u.channels--
	q.gauge("tenant.channels", orgID, float64(u.channels))
}

// AllowEvent consumes one token from the tenant's publish budget.
func (q *QuotaTracker) AllowEvent(orgID uuid.UUID, limits models.OrganizationLimits) error {
	if !q.enabled {
		return nil
	}
	limits = q.limitsFor(limits)

	q.mu.Lock()
	u := q.orgLocked(orgID, limits)
	q.mu.Unlock()

	if !u.events.Allow() {
		q.metrics.IncrementCounterWithLabels("tenant.events.throttled", 1, map[string]string{
			"organization_id": orgID.String(),
		})
		return apierrors.Newf(apierrors.KindQuotaExceeded, "organization %s exceeded its event rate limit", orgID)
	}
	return nil
}

// Snapshot returns the tenant's current usage.
func (q *QuotaTracker) Snapshot(orgID uuid.UUID) Usage {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.usage[orgID]
	if !ok {
		return Usage{}
	}
	return Usage{Connections: u.connections, Channels: u.channels}
}

func (q *QuotaTracker) gauge(name string, orgID uuid.UUID, value float64) {
	q.metrics.RecordGauge(name, value, map[string]string{
		"organization_id": orgID.String(),
	})
}
