package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RoleLevel orders roles by privilege.
type RoleLevel string

// Role levels
const (
	RoleLevelSuperAdmin RoleLevel = "SUPER_ADMIN"
	RoleLevelOrgAdmin   RoleLevel = "ORG_ADMIN"
	RoleLevelDeveloper  RoleLevel = "DEVELOPER"
	RoleLevelViewer     RoleLevel = "VIEWER"
)

// roleLevelRank orders levels for comparison; higher outranks lower.
var roleLevelRank = map[RoleLevel]int{
	RoleLevelViewer:     1,
	RoleLevelDeveloper:  2,
	RoleLevelOrgAdmin:   3,
	RoleLevelSuperAdmin: 4,
}

// Outranks reports whether l carries at least the privilege of other.
func (l RoleLevel) Outranks(other RoleLevel) bool {
	return roleLevelRank[l] >= roleLevelRank[other]
}

// Valid reports whether the level is one of the known values.
func (l RoleLevel) Valid() bool {
	_, ok := roleLevelRank[l]
	return ok
}

// Role groups permissions inside one organization. Names are unique within
// the organization. System roles are immutable and undeletable.
type Role struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	OrganizationID uuid.UUID   `json:"organization_id" db:"organization_id"`
	Name           string      `json:"name" db:"name"`
	Description    string      `json:"description" db:"description"`
	Permissions    StringSlice `json:"permissions" db:"permissions"`
	Level          RoleLevel   `json:"level" db:"level"`
	IsSystem       bool        `json:"is_system" db:"is_system"`
	IsActive       bool        `json:"is_active" db:"is_active"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// UserRole assigns a role to a user. The user and the role must belong to
// the same organization.
type UserRole struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	RoleID    uuid.UUID  `json:"role_id" db:"role_id"`
	Scope     string     `json:"scope,omitempty" db:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive  bool       `json:"is_active" db:"is_active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the assignment has lapsed at the given instant.
func (ur *UserRole) Expired(now time.Time) bool {
	return ur.ExpiresAt != nil && now.After(*ur.ExpiresAt)
}

// PermissionMatches evaluates a granted permission pattern against a
// required "resource:action" permission. Grants may use "*" for either
// segment; "*:*" grants everything.
func PermissionMatches(granted, required string) bool {
	if granted == required || granted == "*:*" || granted == "*" {
		return true
	}
	gParts := strings.SplitN(granted, ":", 2)
	rParts := strings.SplitN(required, ":", 2)
	if len(gParts) != 2 || len(rParts) != 2 {
		return false
	}
	resourceOK := gParts[0] == "*" || gParts[0] == rParts[0]
	actionOK := gParts[1] == "*" || gParts[1] == rParts[1]
	return resourceOK && actionOK
}

// AuditRecord is an append-only trace of security-relevant actions.
type AuditRecord struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty" db:"actor_id"`
	Action         string     `json:"action" db:"action"`
	Resource       string     `json:"resource" db:"resource"`
	Outcome        string     `json:"outcome" db:"outcome"`
	Detail         JSONMap    `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Audit outcomes
const (
	AuditOutcomeAllowed = "allowed"
	AuditOutcomeDenied  = "denied"
	AuditOutcomeError   = "error"
)
