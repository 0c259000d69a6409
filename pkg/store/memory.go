package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/tenant"
)

// MemoryStore is an in-memory MetaStore used by tests and single-node
// development. It applies the same tenant and system-role guards as the
// Postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[uuid.UUID]*models.Organization
	users         map[uuid.UUID]*models.User
	roles         map[uuid.UUID]*models.Role
	userRoles     map[uuid.UUID]*models.UserRole
	connections   map[string]*models.Connection
	events        []*models.Event
	audit         []*models.AuditRecord

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organizations: make(map[uuid.UUID]*models.Organization),
		users:         make(map[uuid.UUID]*models.User),
		roles:         make(map[uuid.UUID]*models.Role),
		userRoles:     make(map[uuid.UUID]*models.UserRole),
		connections:   make(map[string]*models.Connection),
		now:           time.Now,
	}
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateOrganization inserts a tenant row.
func (s *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	for _, existing := range s.organizations {
		if existing.Slug == org.Slug {
			return apierrors.Newf(apierrors.KindConflict, "organization slug %q already exists", org.Slug)
		}
	}
	now := s.now()
	org.CreatedAt = now
	org.UpdatedAt = now
	cp := *org
	s.organizations[org.ID] = &cp
	return nil
}

// GetOrganization fetches a tenant row.
func (s *MemoryStore) GetOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Organization, error) {
	if err := tc.Check(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.organizations[id]
	if !ok {
		return nil, apierrors.Newf(apierrors.KindNotFound, "organization %s not found", id)
	}
	cp := *org
	return &cp, nil
}

// GetOrganizationBySlug fetches a tenant row by its slug. It runs during
// the handshake, before a tenant context exists.
func (s *MemoryStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.organizations {
		if org.Slug == slug {
			cp := *org
			return &cp, nil
		}
	}
	return nil, apierrors.Newf(apierrors.KindNotFound, "organization slug %q not found", slug)
}

// DeleteOrganization removes the tenant and cascades to its users, roles,
// assignments, connections, events, and audit rows.
func (s *MemoryStore) DeleteOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	if err := tc.Check(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.organizations[id]; !ok {
		return apierrors.Newf(apierrors.KindNotFound, "organization %s not found", id)
	}
	delete(s.organizations, id)

	for uid, user := range s.users {
		if user.OrganizationID == id {
			delete(s.users, uid)
		}
	}
	for rid, role := range s.roles {
		if role.OrganizationID == id {
			delete(s.roles, rid)
			for urID, ur := range s.userRoles {
				if ur.RoleID == rid {
					delete(s.userRoles, urID)
				}
			}
		}
	}
	for sid, conn := range s.connections {
		if conn.OrganizationID == id {
			delete(s.connections, sid)
		}
	}
	events := s.events[:0]
	for _, e := range s.events {
		if e.OrganizationID != id {
			events = append(events, e)
		}
	}
	s.events = events
	audit := s.audit[:0]
	for _, a := range s.audit {
		if a.OrganizationID != id {
			audit = append(audit, a)
		}
	}
	s.audit = audit
	return nil
}

// CreateUser inserts a principal row.
func (s *MemoryStore) CreateUser(ctx context.Context, tc tenant.Context, user *models.User) error {
	if err := tc.Check(user.OrganizationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	for _, existing := range s.users {
		if existing.OrganizationID == user.OrganizationID && strings.EqualFold(existing.Email, user.Email) {
			return apierrors.Newf(apierrors.KindConflict, "user email %q already exists", user.Email)
		}
	}
	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// GetUser fetches a principal row inside the caller's tenant.
func (s *MemoryStore) GetUser(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok || !tc.Allows(user.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "user %s not found", id)
	}
	cp := *user
	return &cp, nil
}

// CreateRole inserts a role row. Role names are unique within the
// organization.
func (s *MemoryStore) CreateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	if err := tc.Check(role.OrganizationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.roles {
		if existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return apierrors.Newf(apierrors.KindConflict, "role %q already exists in organization", role.Name)
		}
	}
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	now := s.now()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

// GetRole fetches a role row inside the caller's tenant.
func (s *MemoryStore) GetRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRoleLocked(tc, id)
}

func (s *MemoryStore) getRoleLocked(tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	role, ok := s.roles[id]
	if !ok || !tc.Allows(role.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "role %s not found", id)
	}
	cp := *role
	return &cp, nil
}

// GetRoleByName fetches a role by its per-organization unique name.
func (s *MemoryStore) GetRoleByName(ctx context.Context, tc tenant.Context, name string) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, role := range s.roles {
		if role.Name == name && tc.Allows(role.OrganizationID) && role.OrganizationID == tc.OrganizationID {
			cp := *role
			return &cp, nil
		}
	}
	return nil, apierrors.Newf(apierrors.KindNotFound, "role %q not found", name)
}

// ListRoles returns the tenant's roles ordered by name.
func (s *MemoryStore) ListRoles(ctx context.Context, tc tenant.Context) ([]*models.Role, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Role
	for _, role := range s.roles {
		if tc.System || role.OrganizationID == tc.OrganizationID {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateRole rewrites a role row. System roles are immutable.
func (s *MemoryStore) UpdateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRoleLocked(tc, role.ID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apierrors.New(apierrors.KindForbidden, "system roles cannot be updated")
	}
	for _, other := range s.roles {
		if other.ID != role.ID && other.OrganizationID == existing.OrganizationID && other.Name == role.Name {
			return apierrors.Newf(apierrors.KindConflict, "role %q already exists in organization", role.Name)
		}
	}
	role.OrganizationID = existing.OrganizationID
	role.CreatedAt = existing.CreatedAt
	role.IsSystem = existing.IsSystem
	role.UpdatedAt = s.now()
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

// DeleteRole removes a role and its assignments. System roles are
// undeletable.
func (s *MemoryStore) DeleteRole(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRoleLocked(tc, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apierrors.New(apierrors.KindForbidden, "system roles cannot be deleted")
	}
	delete(s.roles, id)
	for urID, ur := range s.userRoles {
		if ur.RoleID == id {
			delete(s.userRoles, urID)
		}
	}
	return nil
}

// AssignRole links a role to a user. The user and role must belong to the
// same organization, and duplicate active assignments are rejected.
func (s *MemoryStore) AssignRole(ctx context.Context, tc tenant.Context, assignment *models.UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, err := s.getRoleLocked(tc, assignment.RoleID)
	if err != nil {
		return err
	}
	user, ok := s.users[assignment.UserID]
	if !ok || !tc.Allows(user.OrganizationID) {
		return apierrors.Newf(apierrors.KindNotFound, "user %s not found", assignment.UserID)
	}
	if user.OrganizationID != role.OrganizationID {
		return apierrors.New(apierrors.KindForbidden, "user and role belong to different organizations")
	}
	for _, existing := range s.userRoles {
		if existing.UserID == assignment.UserID && existing.RoleID == assignment.RoleID && existing.IsActive {
			return apierrors.New(apierrors.KindConflict, "role already assigned to user")
		}
	}
	if assignment.ID == uuid.Nil {
		assignment.ID = uuid.New()
	}
	assignment.IsActive = true
	assignment.CreatedAt = s.now()
	cp := *assignment
	s.userRoles[assignment.ID] = &cp
	return nil
}

// RevokeRole removes an active assignment.
func (s *MemoryStore) RevokeRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getRoleLocked(tc, roleID); err != nil {
		return err
	}
	for id, ur := range s.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID && ur.IsActive {
			delete(s.userRoles, id)
			return nil
		}
	}
	return apierrors.New(apierrors.KindNotFound, "role assignment not found")
}

// ListUserRoles returns the user's active, unexpired assignments.
func (s *MemoryStore) ListUserRoles(ctx context.Context, tc tenant.Context, userID uuid.UUID) ([]*models.UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok || !tc.Allows(user.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "user %s not found", userID)
	}

	now := s.now()
	var out []*models.UserRole
	for _, ur := range s.userRoles {
		if ur.UserID == userID && ur.IsActive && !ur.Expired(now) {
			cp := *ur
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertConnection writes a session row.
func (s *MemoryStore) UpsertConnection(ctx context.Context, tc tenant.Context, conn *models.Connection) error {
	if err := tc.Check(conn.OrganizationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[conn.SessionID] = conn.Clone()
	return nil
}

// GetConnection fetches a session row.
func (s *MemoryStore) GetConnection(ctx context.Context, tc tenant.Context, sessionID string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[sessionID]
	if !ok || !tc.Allows(conn.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "connection %s not found", sessionID)
	}
	return conn.Clone(), nil
}

// ListConnections returns the tenant's session rows.
func (s *MemoryStore) ListConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Connection
	for _, conn := range s.connections {
		if tc.System || conn.OrganizationID == tc.OrganizationID {
			out = append(out, conn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// DeleteConnection removes a session row.
func (s *MemoryStore) DeleteConnection(ctx context.Context, tc tenant.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[sessionID]
	if !ok || !tc.Allows(conn.OrganizationID) {
		return apierrors.Newf(apierrors.KindNotFound, "connection %s not found", sessionID)
	}
	delete(s.connections, sessionID)
	return nil
}

// CountConnections returns the number of session rows for a tenant.
func (s *MemoryStore) CountConnections(ctx context.Context, orgID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, conn := range s.connections {
		if conn.OrganizationID == orgID {
			count++
		}
	}
	return count, nil
}

// ListRecoverableConnections returns rows that survive a restart:
// connected, reconnecting, and suspended sessions.
func (s *MemoryStore) ListRecoverableConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Connection
	for _, conn := range s.connections {
		if !tc.Allows(conn.OrganizationID) {
			continue
		}
		switch conn.Status {
		case models.StatusConnected, models.StatusReconnecting, models.StatusSuspended:
			out = append(out, conn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// InsertEvent appends a durable event row.
func (s *MemoryStore) InsertEvent(ctx context.Context, tc tenant.Context, event *models.Event) error {
	if err := tc.Check(event.OrganizationID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// ListEvents returns the tenant's most recent events on a channel.
func (s *MemoryStore) ListEvents(ctx context.Context, tc tenant.Context, channel string, limit int) ([]*models.Event, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.events[i]
		if !tc.Allows(e.OrganizationID) {
			continue
		}
		if channel != "" && e.Channel != channel {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// InsertAudit appends an audit row. Audit writes never require a tenant
// context because denials must be recordable too.
func (s *MemoryStore) InsertAudit(ctx context.Context, record *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	cp := *record
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit returns the tenant's most recent audit rows.
func (s *MemoryStore) ListAudit(ctx context.Context, tc tenant.Context, limit int) ([]*models.AuditRecord, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuditRecord
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		a := s.audit[i]
		if !tc.Allows(a.OrganizationID) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

var _ MetaStore = (*MemoryStore)(nil)
