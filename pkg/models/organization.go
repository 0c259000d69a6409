package models

import (
	"time"

	"github.com/google/uuid"
)

// OrganizationLimits caps tenant resource usage. Zero values mean the
// fabric-wide defaults apply.
type OrganizationLimits struct {
	MaxUsers       int         `json:"max_users" db:"max_users" mapstructure:"max_users"`
	MaxConnections int         `json:"max_connections" db:"max_connections" mapstructure:"max_connections"`
	MaxEvents      int         `json:"max_events" db:"max_events" mapstructure:"max_events"`
	MaxChannels    int         `json:"max_channels" db:"max_channels" mapstructure:"max_channels"`
	MaxStorage     int64       `json:"max_storage" db:"max_storage" mapstructure:"max_storage"`
	MaxAPICalls    int         `json:"max_api_calls" db:"max_api_calls" mapstructure:"max_api_calls"`
	Features       StringSlice `json:"features" db:"features" mapstructure:"features"`
}

// Organization is the tenant isolation domain. Every connection, channel,
// event, and role carries its id.
type Organization struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Slug      string             `json:"slug" db:"slug"`
	Limits    OrganizationLimits `json:"limits" db:"-"`
	Settings  JSONMap            `json:"settings" db:"settings"`
	IsActive  bool               `json:"is_active" db:"is_active"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// HasFeature reports whether the feature flag is enabled for the tenant.
func (o *Organization) HasFeature(feature string) bool {
	return o.Limits.Features.Contains(feature)
}

// User is a principal. A user belongs to exactly one organization;
// cross-tenant references are invalid.
type User struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
