// Package tenant carries the multi-tenant isolation primitives: the
// context value threaded through every metadata store call and the quota
// tracker enforcing per-organization resource limits.
package tenant

import (
	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
)

// Context identifies the tenant and actor on whose behalf an operation
// runs. Every MetaStore call takes one; in strict isolation mode the
// store rejects calls whose context is invalid for the touched rows.
type Context struct {
	OrganizationID uuid.UUID
	ActorID        uuid.UUID

	// System marks internal operations such as startup recovery and
	// sweepers that legitimately cross tenant boundaries.
	System bool
}

// NewContext builds a tenant context for a user acting inside an
// organization.
func NewContext(orgID, actorID uuid.UUID) Context {
	return Context{OrganizationID: orgID, ActorID: actorID}
}

// SystemContext builds the context used by internal components.
func SystemContext() Context {
	return Context{System: true}
}

// Valid reports whether the context can be used at all.
func (c Context) Valid() bool {
	return c.System || c.OrganizationID != uuid.Nil
}

// Allows reports whether the context may touch rows of the given
// organization.
func (c Context) Allows(orgID uuid.UUID) bool {
	return c.System || c.OrganizationID == orgID
}

// Check returns a typed error when the context cannot touch rows of the
// given organization.
func (c Context) Check(orgID uuid.UUID) error {
	if !c.Valid() {
		return apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}
	if !c.Allows(orgID) {
		return apierrors.New(apierrors.KindForbidden, "cross-tenant access denied")
	}
	return nil
}
