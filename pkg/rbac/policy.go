// Package rbac evaluates role-based access decisions for fabric
// principals: wildcard permission matching, channel access policy, and
// the org-scoped role service.
package rbac

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/auth"
	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/store"
)

// Channel permissions checked by the router.
const (
	PermChannelRead  = "channel:read"
	PermChannelWrite = "channel:write"
)

// PolicyEngine resolves a principal's effective permissions and answers
// access questions. Denials are audited; reads are not.
type PolicyEngine struct {
	store  store.MetaStore
	audit  store.AuditSink
	logger observability.Logger
}

// NewPolicyEngine creates a policy engine over the metadata store.
func NewPolicyEngine(st store.MetaStore, audit store.AuditSink, logger observability.Logger) *PolicyEngine {
	if audit == nil {
		audit = store.NopAuditSink{}
	}
	return &PolicyEngine{store: st, audit: audit, logger: logger}
}

// Permissions returns the principal's effective permission set: direct
// token claims, named roles, and persisted role assignments, deduplicated
// and sorted. Unknown role names are skipped; store failures propagate so
// decisions fail closed rather than silently shrinking the grant set.
func (e *PolicyEngine) Permissions(ctx context.Context, principal *auth.Principal) ([]string, error) {
	tc := principal.TenantContext()
	granted := make(map[string]struct{}, len(principal.Permissions))
	for _, perm := range principal.Permissions {
		granted[perm] = struct{}{}
	}

	for _, name := range principal.Roles {
		role, err := e.store.GetRoleByName(ctx, tc, name)
		if apierrors.IsNotFound(err) {
			e.logger.Debug("Principal names a role that does not exist", map[string]interface{}{
				"role":            name,
				"organization_id": principal.OrganizationID.String(),
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		collectRolePermissions(role, granted)
	}

	if principal.UserID != uuid.Nil {
		assignments, err := e.store.ListUserRoles(ctx, tc, principal.UserID)
		if apierrors.IsNotFound(err) {
			assignments = nil
		} else if err != nil {
			return nil, err
		}
		for _, assignment := range assignments {
			role, err := e.store.GetRole(ctx, tc, assignment.RoleID)
			if apierrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			collectRolePermissions(role, granted)
		}
	}

	out := make([]string, 0, len(granted))
	for perm := range granted {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out, nil
}

func collectRolePermissions(role *models.Role, granted map[string]struct{}) {
	if !role.IsActive {
		return
	}
	for _, perm := range role.Permissions {
		granted[perm] = struct{}{}
	}
}

// Authorize checks a "resource:action" permission against the principal's
// effective set. A denial is typed Forbidden and audited.
func (e *PolicyEngine) Authorize(ctx context.Context, principal *auth.Principal, resource, action string) error {
	required := resource + ":" + action
	permissions, err := e.Permissions(ctx, principal)
	if err != nil {
		return err
	}

	for _, granted := range permissions {
		if models.PermissionMatches(granted, required) {
			return nil
		}
	}

	e.audit.Record(ctx, store.AuditEntry(principal.TenantContext(),
		"policy.denied", required, models.AuditOutcomeDenied,
		models.JSONMap{"client_type": string(principal.ClientType)}))
	return apierrors.Newf(apierrors.KindForbidden, "missing permission %q", required)
}

// CanSubscribe applies the channel access policy for reads.
func (e *PolicyEngine) CanSubscribe(ctx context.Context, principal *auth.Principal, channel string) error {
	return e.checkChannel(ctx, principal, channel, "read")
}

// CanPublish applies the channel access policy for writes.
func (e *PolicyEngine) CanPublish(ctx context.Context, principal *auth.Principal, channel string) error {
	return e.checkChannel(ctx, principal, channel, "write")
}

// checkChannel enforces the per-type channel policy. PRIVATE_USER channels
// admit only their owner. SYSTEM_EVENTS channels are readable by any
// authenticated principal and writable only by internal services. Every
// other type is organization-wide and falls through to the channel
// permission check.
func (e *PolicyEngine) checkChannel(ctx context.Context, principal *auth.Principal, channel, action string) error {
	deny := func(reason string) error {
		e.audit.Record(ctx, store.AuditEntry(principal.TenantContext(),
			"channel."+action+".denied", "channels/"+channel, models.AuditOutcomeDenied,
			models.JSONMap{"reason": reason}))
		return apierrors.Newf(apierrors.KindForbidden, "access to channel %q denied: %s", channel, reason)
	}

	switch models.ChannelTypeForName(channel) {
	case models.ChannelTypePrivateUser:
		owner, ok := models.PrivateChannelOwner(channel)
		if !ok {
			return deny("malformed private channel name")
		}
		if owner != principal.UserID {
			return deny("private channel belongs to another user")
		}
		return nil

	case models.ChannelTypeSystemEvents:
		if action == "read" {
			return nil
		}
		if principal.ClientType != models.ClientTypeInternalService {
			return deny("system channels accept writes from internal services only")
		}
		return nil

	default:
		return e.Authorize(ctx, principal, "channel", action)
	}
}
