package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/store"
	"github.com/apix-io/apix/pkg/tenant"
)

// Names of the system roles seeded into every organization.
const (
	RoleOrgAdmin  = "org-admin"
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

// DefaultSystemRoles returns the role set seeded for a new organization.
// System roles cannot be updated or deleted after seeding.
func DefaultSystemRoles(orgID uuid.UUID) []*models.Role {
	return []*models.Role{
		{
			OrganizationID: orgID,
			Name:           RoleOrgAdmin,
			Description:    "Full access to every resource in the organization",
			Level:          models.RoleLevelOrgAdmin,
			Permissions:    models.StringSlice{"*:*"},
			IsSystem:       true,
			IsActive:       true,
		},
		{
			OrganizationID: orgID,
			Name:           RoleDeveloper,
			Description:    "Read and write channels, events, and own connections",
			Level:          models.RoleLevelDeveloper,
			Permissions:    models.StringSlice{"channel:*", "event:*", "connection:read"},
			IsSystem:       true,
			IsActive:       true,
		},
		{
			OrganizationID: orgID,
			Name:           RoleViewer,
			Description:    "Read-only access to channels and connections",
			Level:          models.RoleLevelViewer,
			Permissions:    models.StringSlice{"channel:read", "connection:read"},
			IsSystem:       true,
			IsActive:       true,
		},
	}
}

// RoleService wraps role CRUD with validation and audit emission. Tenant
// scoping, name uniqueness, and system-role immutability are enforced by
// the metadata store; the service decides what is worth recording.
type RoleService struct {
	store  store.MetaStore
	audit  store.AuditSink
	logger observability.Logger
}

// NewRoleService creates a role service over the metadata store.
func NewRoleService(st store.MetaStore, audit store.AuditSink, logger observability.Logger) *RoleService {
	if audit == nil {
		audit = store.NopAuditSink{}
	}
	return &RoleService{store: st, audit: audit, logger: logger}
}

// EnsureSystemRoles seeds the default system roles for an organization.
// Roles that already exist are left untouched, so the call is safe to
// repeat on every startup.
func (s *RoleService) EnsureSystemRoles(ctx context.Context, tc tenant.Context, orgID uuid.UUID) error {
	for _, role := range DefaultSystemRoles(orgID) {
		err := s.store.CreateRole(ctx, tc, role)
		if apierrors.IsConflict(err) {
			continue
		}
		if err != nil {
			return err
		}
		s.logger.Info("Seeded system role", map[string]interface{}{
			"role":            role.Name,
			"organization_id": orgID.String(),
		})
	}
	return nil
}

// CreateRole validates and persists a tenant-defined role. Caller-created
// roles are never system roles.
func (s *RoleService) CreateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	if err := validateRole(role); err != nil {
		return err
	}
	role.IsSystem = false
	err := s.store.CreateRole(ctx, tc, role)
	s.audit.Record(ctx, store.AuditEntry(tc, "role.create", "roles/"+role.Name, outcomeFor(err), models.JSONMap{
		"level": string(role.Level),
	}))
	return err
}

// GetRole fetches a role by id within the tenant.
func (s *RoleService) GetRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	return s.store.GetRole(ctx, tc, id)
}

// GetRoleByName fetches a role by its org-unique name.
func (s *RoleService) GetRoleByName(ctx context.Context, tc tenant.Context, name string) (*models.Role, error) {
	return s.store.GetRoleByName(ctx, tc, name)
}

// ListRoles lists the tenant's roles.
func (s *RoleService) ListRoles(ctx context.Context, tc tenant.Context) ([]*models.Role, error) {
	return s.store.ListRoles(ctx, tc)
}

// UpdateRole validates and applies changes to a mutable role.
func (s *RoleService) UpdateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	if err := validateRole(role); err != nil {
		return err
	}
	err := s.store.UpdateRole(ctx, tc, role)
	s.audit.Record(ctx, store.AuditEntry(tc, "role.update", "roles/"+role.Name, outcomeFor(err), nil))
	return err
}

// DeleteRole removes a mutable role and its assignments.
func (s *RoleService) DeleteRole(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	err := s.store.DeleteRole(ctx, tc, id)
	s.audit.Record(ctx, store.AuditEntry(tc, "role.delete", "roles/"+id.String(), outcomeFor(err), nil))
	return err
}

// AssignRole grants a role to a user, optionally until expiresAt.
func (s *RoleService) AssignRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID, expiresAt *time.Time) error {
	assignment := &models.UserRole{
		ID:        uuid.New(),
		UserID:    userID,
		RoleID:    roleID,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.AssignRole(ctx, tc, assignment)
	s.audit.Record(ctx, store.AuditEntry(tc, "role.assign", "roles/"+roleID.String(), outcomeFor(err), models.JSONMap{
		"user_id": userID.String(),
	}))
	return err
}

// RevokeRole removes a user's role assignment.
func (s *RoleService) RevokeRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID) error {
	err := s.store.RevokeRole(ctx, tc, userID, roleID)
	s.audit.Record(ctx, store.AuditEntry(tc, "role.revoke", "roles/"+roleID.String(), outcomeFor(err), models.JSONMap{
		"user_id": userID.String(),
	}))
	return err
}

// ListUserRoles lists a user's active role assignments.
func (s *RoleService) ListUserRoles(ctx context.Context, tc tenant.Context, userID uuid.UUID) ([]*models.UserRole, error) {
	return s.store.ListUserRoles(ctx, tc, userID)
}

func validateRole(role *models.Role) error {
	if role.Name == "" {
		return apierrors.New(apierrors.KindParse, "role name is required")
	}
	if role.Level == "" {
		role.Level = models.RoleLevelViewer
	}
	if !role.Level.Valid() {
		return apierrors.Newf(apierrors.KindParse, "unknown role level %q", role.Level)
	}
	for _, perm := range role.Permissions {
		if perm == "" {
			return apierrors.New(apierrors.KindParse, "empty permission in role")
		}
	}
	return nil
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return models.AuditOutcomeAllowed
	case apierrors.IsForbidden(err):
		return models.AuditOutcomeDenied
	default:
		return models.AuditOutcomeError
	}
}
