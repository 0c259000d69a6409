package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/store"
	"github.com/apix-io/apix/pkg/tenant"
)

// quotaCacheTTL bounds how stale a cached organization limit may get.
const quotaCacheTTL = time.Minute

// QuotaTracker resolves per-tenant channel limits from organization rows,
// caching them briefly so the subscribe path does not hammer the MetaStore.
type QuotaTracker struct {
	store    store.MetaStore
	logger   observability.Logger
	fallback int

	mu    sync.Mutex
	cache map[uuid.UUID]quotaEntry

	nowFn func() time.Time
}

type quotaEntry struct {
	max       int
	fetchedAt time.Time
}

// NewQuotaTracker builds a tracker. A nil store means every tenant gets the
// fallback limit.
func NewQuotaTracker(st store.MetaStore, fallback int, logger observability.Logger) *QuotaTracker {
	if fallback <= 0 {
		fallback = DefaultConfig().MaxChannelsPerTenant
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &QuotaTracker{
		store:    st,
		logger:   logger,
		fallback: fallback,
		cache:    make(map[uuid.UUID]quotaEntry),
		nowFn:    time.Now,
	}
}

// MaxChannels returns the tenant's channel cap: the organization's
// configured limit when one is set, the fabric default otherwise. Lookup
// failures fall back to the default so subscribes stay available while the
// store is down.
func (t *QuotaTracker) MaxChannels(ctx context.Context, orgID uuid.UUID) int {
	t.mu.Lock()
	entry, ok := t.cache[orgID]
	now := t.nowFn()
	if ok && now.Sub(entry.fetchedAt) < quotaCacheTTL {
		t.mu.Unlock()
		return entry.max
	}
	t.mu.Unlock()

	max := t.fallback
	if t.store != nil {
		org, err := t.store.GetOrganization(ctx, tenant.SystemContext(), orgID)
		if err != nil {
			t.logger.Warn("Channel quota lookup failed, using default", map[string]interface{}{
				"organization_id": orgID.String(),
				"error":           err.Error(),
			})
		} else if org.Limits.MaxChannels > 0 {
			max = org.Limits.MaxChannels
		}
	}

	t.mu.Lock()
	t.cache[orgID] = quotaEntry{max: max, fetchedAt: t.nowFn()}
	t.mu.Unlock()
	return max
}

// Invalidate drops a cached limit so the next lookup reads the store. Used
// when an organization's limits change.
func (t *QuotaTracker) Invalidate(orgID uuid.UUID) {
	t.mu.Lock()
	delete(t.cache, orgID)
	t.mu.Unlock()
}
