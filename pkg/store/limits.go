package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/tenant"
)

// StoreLimitSource adapts a MetaStore to the tenant.LimitSource contract.
// Reads use a system context: limits are consulted before any per-request
// tenant scope exists (connection admission, publish quota).
type StoreLimitSource struct {
	store MetaStore
}

// NewStoreLimitSource wraps a MetaStore as a LimitSource.
func NewStoreLimitSource(st MetaStore) *StoreLimitSource {
	return &StoreLimitSource{store: st}
}

// OrganizationLimits implements tenant.LimitSource.
func (s *StoreLimitSource) OrganizationLimits(ctx context.Context, orgID uuid.UUID) (models.OrganizationLimits, bool, error) {
	org, err := s.store.GetOrganization(ctx, tenant.SystemContext(), orgID)
	if err != nil {
		return models.OrganizationLimits{}, false, err
	}
	return org.Limits, org.IsActive, nil
}
