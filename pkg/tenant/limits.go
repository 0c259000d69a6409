package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
)

// LimitSource supplies an organization's configured limits and whether the
// tenant is active. The MetaStore-backed implementation lives in pkg/store;
// this package only defines the contract to stay free of a store
// dependency.
type LimitSource interface {
	OrganizationLimits(ctx context.Context, orgID uuid.UUID) (limits models.OrganizationLimits, active bool, err error)
}

// limitCacheTTL bounds how stale a cached organization row may get.
const limitCacheTTL = time.Minute

type limitEntry struct {
	limits    models.OrganizationLimits
	active    bool
	fetchedAt time.Time
}

// LimitResolver caches organization limits so the hot paths consulting the
// QuotaTracker do not read the MetaStore on every call. Lookup failures
// fall back to the fabric defaults with the tenant treated as active, so
// traffic keeps flowing while the store is down.
type LimitResolver struct {
	source   LimitSource
	defaults models.OrganizationLimits
	logger   observability.Logger

	mu    sync.Mutex
	cache map[uuid.UUID]limitEntry

	nowFn func() time.Time
}

// NewLimitResolver builds a resolver. A nil source means every tenant gets
// the defaults and reads as active.
func NewLimitResolver(source LimitSource, defaults models.OrganizationLimits, logger observability.Logger) *LimitResolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LimitResolver{
		source:   source,
		defaults: defaults,
		logger:   logger,
		cache:    make(map[uuid.UUID]limitEntry),
		nowFn:    time.Now,
	}
}

// Limits returns the tenant's configured limits, zero fields included; the
// QuotaTracker fills those from its own defaults.
func (r *LimitResolver) Limits(ctx context.Context, orgID uuid.UUID) models.OrganizationLimits {
	return r.resolve(ctx, orgID).limits
}

// Active reports whether the tenant may hold connections and publish.
func (r *LimitResolver) Active(ctx context.Context, orgID uuid.UUID) bool {
	return r.resolve(ctx, orgID).active
}

// Invalidate drops a cached row so the next lookup rereads the source.
func (r *LimitResolver) Invalidate(orgID uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, orgID)
	r.mu.Unlock()
}

func (r *LimitResolver) resolve(ctx context.Context, orgID uuid.UUID) limitEntry {
	r.mu.Lock()
	entry, ok := r.cache[orgID]
	if ok && r.nowFn().Sub(entry.fetchedAt) < limitCacheTTL {
		r.mu.Unlock()
		return entry
	}
	r.mu.Unlock()

	fresh := limitEntry{limits: r.defaults, active: true, fetchedAt: r.nowFn()}
	if r.source != nil {
		limits, active, err := r.source.OrganizationLimits(ctx, orgID)
		if err != nil {
			r.logger.Warn("Organization limit lookup failed, using defaults", map[string]interface{}{
				"organization_id": orgID.String(),
				"error":           err.Error(),
			})
		} else {
			fresh.limits = limits
			fresh.active = active
		}
	}

	r.mu.Lock()
	r.cache[orgID] = fresh
	r.mu.Unlock()
	return fresh
}
