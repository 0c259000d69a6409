// Package store provides the MetaStore, the durable metadata layer for
// tenants, principals, roles, connection rows, event rows, and audit.
// Implementations: Postgres for production, an in-memory store for tests
// and single-node development, and a circuit-breaking decorator.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/tenant"
)

// MetaStore is the durable metadata store. Tenant-scoped methods take a
// tenant.Context and reject calls that cross organization boundaries;
// methods without one either operate pre-authentication or are reserved
// for system components.
//
// Errors are typed: NotFound for missing rows, Conflict for uniqueness
// violations, Forbidden for tenant or system-role violations, Transient
// for connectivity failures.
type MetaStore interface {
	Ping(ctx context.Context) error
	Close() error

	// Organizations
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error)
	DeleteOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) error

	// Users
	CreateUser(ctx context.Context, tc tenant.Context, user *models.User) error
	GetUser(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.User, error)

	// Roles. Role names are unique within an organization; system roles
	// reject updates and deletes.
	CreateRole(ctx context.Context, tc tenant.Context, role *models.Role) error
	GetRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error)
	GetRoleByName(ctx context.Context, tc tenant.Context, name string) (*models.Role, error)
	ListRoles(ctx context.Context, tc tenant.Context) ([]*models.Role, error)
	UpdateRole(ctx context.Context, tc tenant.Context, role *models.Role) error
	DeleteRole(ctx context.Context, tc tenant.Context, id uuid.UUID) error

	// Role assignments
	AssignRole(ctx context.Context, tc tenant.Context, assignment *models.UserRole) error
	RevokeRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID) error
	ListUserRoles(ctx context.Context, tc tenant.Context, userID uuid.UUID) ([]*models.UserRole, error)

	// Connections
	UpsertConnection(ctx context.Context, tc tenant.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, tc tenant.Context, sessionID string) (*models.Connection, error)
	ListConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error)
	DeleteConnection(ctx context.Context, tc tenant.Context, sessionID string) error
	CountConnections(ctx context.Context, orgID uuid.UUID) (int, error)

	// ListRecoverableConnections returns rows whose status admits resuming
	// after a restart. System components call it with a system context.
	ListRecoverableConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error)

	// Events
	InsertEvent(ctx context.Context, tc tenant.Context, event *models.Event) error
	ListEvents(ctx context.Context, tc tenant.Context, channel string, limit int) ([]*models.Event, error)

	// Audit
	InsertAudit(ctx context.Context, record *models.AuditRecord) error
	ListAudit(ctx context.Context, tc tenant.Context, limit int) ([]*models.AuditRecord, error)
}
