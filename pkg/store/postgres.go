package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore is the production MetaStore backed by Postgres via sqlx.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// PostgresOptions are the pool settings applied on open.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(ctx context.Context, opts PostgresOptions, logger observability.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", opts.DSN)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindFatal, "failed to connect to Postgres", err).WithOp("store.OpenPostgres")
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	logger.Info("Connected to Postgres", map[string]interface{}{
		"max_open_conns": opts.MaxOpenConns,
	})

	return NewPostgresStore(db, logger), nil
}

// NewPostgresStore wraps an existing pool. Tests hand in a mocked one.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the metadata tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return apierrors.Wrap(apierrors.KindFatal, "failed to apply schema", err).WithOp("store.EnsureSchema")
	}
	return nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apierrors.Wrap(apierrors.KindTransient, "postgres ping failed", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// wrapDB converts driver errors into typed fabric errors. Transient
// failures keep a stack so the breaker logs point at the failing query.
func wrapDB(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return apierrors.Wrap(apierrors.KindConflict, "uniqueness violation", err).WithOp(op)
	}
	return apierrors.Wrap(apierrors.KindTransient, "database failure", pkgerrors.WithStack(err)).WithOp(op)
}

// orgRow flattens the organization limits into columns.
type orgRow struct {
	ID             uuid.UUID          `db:"id"`
	Name           string             `db:"name"`
	Slug           string             `db:"slug"`
	Settings       models.JSONMap     `db:"settings"`
	MaxUsers       int                `db:"max_users"`
	MaxConnections int                `db:"max_connections"`
	MaxEvents      int                `db:"max_events"`
	MaxChannels    int                `db:"max_channels"`
	MaxStorage     int64              `db:"max_storage"`
	MaxAPICalls    int                `db:"max_api_calls"`
	Features       models.StringSlice `db:"features"`
	IsActive       bool               `db:"is_active"`
	CreatedAt      time.Time          `db:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at"`
}

func (r orgRow) toModel() *models.Organization {
	return &models.Organization{
		ID:       r.ID,
		Name:     r.Name,
		Slug:     r.Slug,
		Settings: r.Settings,
		Limits: models.OrganizationLimits{
			MaxUsers:       r.MaxUsers,
			MaxConnections: r.MaxConnections,
			MaxEvents:      r.MaxEvents,
			MaxChannels:    r.MaxChannels,
			MaxStorage:     r.MaxStorage,
			MaxAPICalls:    r.MaxAPICalls,
			Features:       r.Features,
		},
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const orgColumns = `id, name, slug, settings, max_users, max_connections, max_events,
	max_channels, max_storage, max_api_calls, features, is_active, created_at, updated_at`

// CreateOrganization inserts a tenant row.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now

	query := `INSERT INTO organizations (` + orgColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query,
		org.ID, org.Name, org.Slug, org.Settings,
		org.Limits.MaxUsers, org.Limits.MaxConnections, org.Limits.MaxEvents,
		org.Limits.MaxChannels, org.Limits.MaxStorage, org.Limits.MaxAPICalls,
		org.Limits.Features, org.IsActive, org.CreatedAt, org.UpdatedAt,
	)
	return wrapDB(err, "store.CreateOrganization")
}

// GetOrganization fetches a tenant row.
func (s *PostgresStore) GetOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Organization, error) {
	if err := tc.Check(id); err != nil {
		return nil, err
	}

	var row orgRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "organization %s not found", id)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetOrganization")
	}
	return row.toModel(), nil
}

// GetOrganizationBySlug fetches a tenant row by slug. Runs during the
// handshake, before a tenant context exists.
func (s *PostgresStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var row orgRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orgColumns+` FROM organizations WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "organization slug %q not found", slug)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetOrganizationBySlug")
	}
	return row.toModel(), nil
}

// DeleteOrganization removes the tenant row; foreign keys cascade to
// users, roles, connections, and events.
func (s *PostgresStore) DeleteOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	if err := tc.Check(id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return wrapDB(err, "store.DeleteOrganization")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierrors.Newf(apierrors.KindNotFound, "organization %s not found", id)
	}
	// audit_log carries no foreign key; prune explicitly.
	_, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE organization_id = $1`, id)
	return wrapDB(err, "store.DeleteOrganization")
}

// CreateUser inserts a principal row.
func (s *PostgresStore) CreateUser(ctx context.Context, tc tenant.Context, user *models.User) error {
	if err := tc.Check(user.OrganizationID); err != nil {
		return err
	}

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, organization_id, email, password_hash, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.OrganizationID, user.Email, user.PasswordHash, user.IsActive, user.CreatedAt, user.UpdatedAt,
	)
	return wrapDB(err, "store.CreateUser")
}

// GetUser fetches a principal row inside the caller's tenant.
func (s *PostgresStore) GetUser(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user,
		`SELECT id, organization_id, email, password_hash, is_active, created_at, updated_at
		 FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetUser")
	}
	if !tc.Allows(user.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "user %s not found", id)
	}
	return &user, nil
}

const roleColumns = `id, organization_id, name, description, permissions, level,
	is_system, is_active, created_at, updated_at`

// CreateRole inserts a role row. The per-organization unique index turns
// duplicate names into Conflict.
func (s *PostgresStore) CreateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	if err := tc.Check(role.OrganizationID); err != nil {
		return err
	}

	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (`+roleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		role.ID, role.OrganizationID, role.Name, role.Description, role.Permissions,
		role.Level, role.IsSystem, role.IsActive, role.CreatedAt, role.UpdatedAt,
	)
	return wrapDB(err, "store.CreateRole")
}

func (s *PostgresStore) getRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	var role models.Role
	err := s.db.GetContext(ctx, &role, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "role %s not found", id)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetRole")
	}
	if !tc.Allows(role.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "role %s not found", id)
	}
	return &role, nil
}

// GetRole fetches a role row inside the caller's tenant.
func (s *PostgresStore) GetRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	return s.getRole(ctx, tc, id)
}

// GetRoleByName fetches a role by its per-organization unique name.
func (s *PostgresStore) GetRoleByName(ctx context.Context, tc tenant.Context, name string) (*models.Role, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	var role models.Role
	err := s.db.GetContext(ctx, &role,
		`SELECT `+roleColumns+` FROM roles WHERE organization_id = $1 AND name = $2`,
		tc.OrganizationID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "role %q not found", name)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetRoleByName")
	}
	return &role, nil
}

// ListRoles returns the tenant's roles ordered by name.
func (s *PostgresStore) ListRoles(ctx context.Context, tc tenant.Context) ([]*models.Role, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	query := `SELECT ` + roleColumns + ` FROM roles WHERE organization_id = $1 ORDER BY name`
	args := []interface{}{tc.OrganizationID}
	if tc.System {
		query = `SELECT ` + roleColumns + ` FROM roles ORDER BY name`
		args = nil
	}

	var roles []*models.Role
	if err := s.db.SelectContext(ctx, &roles, query, args...); err != nil {
		return nil, wrapDB(err, "store.ListRoles")
	}
	return roles, nil
}

// UpdateRole rewrites a mutable role row. System roles stay untouched.
func (s *PostgresStore) UpdateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	existing, err := s.getRole(ctx, tc, role.ID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apierrors.New(apierrors.KindForbidden, "system roles cannot be updated")
	}

	role.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE roles SET name = $2, description = $3, permissions = $4, level = $5,
			is_active = $6, updated_at = $7
		 WHERE id = $1 AND is_system = FALSE`,
		role.ID, role.Name, role.Description, role.Permissions, role.Level,
		role.IsActive, role.UpdatedAt,
	)
	return wrapDB(err, "store.UpdateRole")
}

// DeleteRole removes a mutable role row; assignments cascade.
func (s *PostgresStore) DeleteRole(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	existing, err := s.getRole(ctx, tc, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apierrors.New(apierrors.KindForbidden, "system roles cannot be deleted")
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1 AND is_system = FALSE`, id)
	return wrapDB(err, "store.DeleteRole")
}

// AssignRole links a role to a user within one organization.
func (s *PostgresStore) AssignRole(ctx context.Context, tc tenant.Context, assignment *models.UserRole) error {
	role, err := s.getRole(ctx, tc, assignment.RoleID)
	if err != nil {
		return err
	}
	user, err := s.GetUser(ctx, tc, assignment.UserID)
	if err != nil {
		return err
	}
	if user.OrganizationID != role.OrganizationID {
		return apierrors.New(apierrors.KindForbidden, "user and role belong to different organizations")
	}

	if assignment.ID == uuid.Nil {
		assignment.ID = uuid.New()
	}
	assignment.IsActive = true
	assignment.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_roles (id, user_id, role_id, scope, expires_at, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		assignment.ID, assignment.UserID, assignment.RoleID, assignment.Scope,
		assignment.ExpiresAt, assignment.IsActive, assignment.CreatedAt,
	)
	return wrapDB(err, "store.AssignRole")
}

// RevokeRole removes an assignment.
func (s *PostgresStore) RevokeRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID) error {
	if _, err := s.getRole(ctx, tc, roleID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return wrapDB(err, "store.RevokeRole")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierrors.New(apierrors.KindNotFound, "role assignment not found")
	}
	return nil
}

// ListUserRoles returns the user's active, unexpired assignments.
func (s *PostgresStore) ListUserRoles(ctx context.Context, tc tenant.Context, userID uuid.UUID) ([]*models.UserRole, error) {
	if _, err := s.GetUser(ctx, tc, userID); err != nil {
		return nil, err
	}

	var assignments []*models.UserRole
	err := s.db.SelectContext(ctx, &assignments,
		`SELECT id, user_id, role_id, scope, expires_at, is_active, created_at
		 FROM user_roles
		 WHERE user_id = $1 AND is_active = TRUE AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrapDB(err, "store.ListUserRoles")
	}
	return assignments, nil
}

const connColumns = `session_id, organization_id, user_id, client_type, status, quality,
	latency_ms, missed_heartbeats, reconnect_attempts, max_reconnect_attempts,
	total_disconnections, connected_at, last_heartbeat, disconnected_at,
	next_reconnect_at, metadata`

// UpsertConnection writes a session row keyed by session id.
func (s *PostgresStore) UpsertConnection(ctx context.Context, tc tenant.Context, conn *models.Connection) error {
	if err := tc.Check(conn.OrganizationID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (`+connColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			quality = EXCLUDED.quality,
			latency_ms = EXCLUDED.latency_ms,
			missed_heartbeats = EXCLUDED.missed_heartbeats,
			reconnect_attempts = EXCLUDED.reconnect_attempts,
			max_reconnect_attempts = EXCLUDED.max_reconnect_attempts,
			total_disconnections = EXCLUDED.total_disconnections,
			last_heartbeat = EXCLUDED.last_heartbeat,
			disconnected_at = EXCLUDED.disconnected_at,
			next_reconnect_at = EXCLUDED.next_reconnect_at,
			metadata = EXCLUDED.metadata`,
		conn.SessionID, conn.OrganizationID, conn.UserID, conn.ClientType, conn.Status,
		conn.Quality, conn.LatencyMs, conn.MissedHeartbeats, conn.ReconnectAttempts,
		conn.MaxReconnectAttempts, conn.TotalDisconnections, conn.ConnectedAt,
		conn.LastHeartbeat, conn.DisconnectedAt, conn.NextReconnectAt, conn.Metadata,
	)
	return wrapDB(err, "store.UpsertConnection")
}

// GetConnection fetches a session row.
func (s *PostgresStore) GetConnection(ctx context.Context, tc tenant.Context, sessionID string) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.GetContext(ctx, &conn,
		`SELECT `+connColumns+` FROM connections WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "connection %s not found", sessionID)
	}
	if err != nil {
		return nil, wrapDB(err, "store.GetConnection")
	}
	if !tc.Allows(conn.OrganizationID) {
		return nil, apierrors.Newf(apierrors.KindNotFound, "connection %s not found", sessionID)
	}
	return &conn, nil
}

// ListConnections returns the tenant's session rows.
func (s *PostgresStore) ListConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	query := `SELECT ` + connColumns + ` FROM connections WHERE organization_id = $1 ORDER BY session_id`
	args := []interface{}{tc.OrganizationID}
	if tc.System {
		query = `SELECT ` + connColumns + ` FROM connections ORDER BY session_id`
		args = nil
	}

	var conns []*models.Connection
	if err := s.db.SelectContext(ctx, &conns, query, args...); err != nil {
		return nil, wrapDB(err, "store.ListConnections")
	}
	return conns, nil
}

// DeleteConnection removes a session row.
func (s *PostgresStore) DeleteConnection(ctx context.Context, tc tenant.Context, sessionID string) error {
	if _, err := s.GetConnection(ctx, tc, sessionID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE session_id = $1`, sessionID)
	return wrapDB(err, "store.DeleteConnection")
}

// CountConnections returns the number of session rows for a tenant.
func (s *PostgresStore) CountConnections(ctx context.Context, orgID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM connections WHERE organization_id = $1`, orgID)
	if err != nil {
		return 0, wrapDB(err, "store.CountConnections")
	}
	return count, nil
}

// ListRecoverableConnections returns rows whose status admits resuming
// after a restart.
func (s *PostgresStore) ListRecoverableConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}

	query := `SELECT ` + connColumns + ` FROM connections
		WHERE status IN ($1, $2, $3) ORDER BY session_id`
	args := []interface{}{models.StatusConnected, models.StatusReconnecting, models.StatusSuspended}
	if !tc.System {
		query = `SELECT ` + connColumns + ` FROM connections
			WHERE status IN ($1, $2, $3) AND organization_id = $4 ORDER BY session_id`
		args = append(args, tc.OrganizationID)
	}

	var conns []*models.Connection
	if err := s.db.SelectContext(ctx, &conns, query, args...); err != nil {
		return nil, wrapDB(err, "store.ListRecoverableConnections")
	}
	return conns, nil
}

// InsertEvent appends a durable event row.
func (s *PostgresStore) InsertEvent(ctx context.Context, tc tenant.Context, event *models.Event) error {
	if err := tc.Check(event.OrganizationID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, channel, payload, organization_id, user_id, session_id,
			acknowledgment, retry_count, priority, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Type, event.Channel, []byte(event.Payload), event.OrganizationID,
		event.UserID, event.SessionID, event.Acknowledgment, event.RetryCount,
		event.Priority, event.CreatedAt, event.Metadata,
	)
	return wrapDB(err, "store.InsertEvent")
}

// ListEvents returns the tenant's most recent events on a channel.
func (s *PostgresStore) ListEvents(ctx context.Context, tc tenant.Context, channel string, limit int) ([]*models.Event, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}
	if limit <= 0 {
		limit = 100
	}

	var events []*models.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, type, channel, payload, organization_id, user_id, session_id,
			acknowledgment, retry_count, priority, created_at, metadata
		 FROM events
		 WHERE organization_id = $1 AND ($2 = '' OR channel = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		tc.OrganizationID, channel, limit)
	if err != nil {
		return nil, wrapDB(err, "store.ListEvents")
	}
	return events, nil
}

// InsertAudit appends an audit row.
func (s *PostgresStore) InsertAudit(ctx context.Context, record *models.AuditRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, organization_id, actor_id, action, resource, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.OrganizationID, record.ActorID, record.Action,
		record.Resource, record.Outcome, record.Detail, record.CreatedAt,
	)
	return wrapDB(err, "store.InsertAudit")
}

// ListAudit returns the tenant's most recent audit rows.
func (s *PostgresStore) ListAudit(ctx context.Context, tc tenant.Context, limit int) ([]*models.AuditRecord, error) {
	if !tc.Valid() {
		return nil, apierrors.New(apierrors.KindForbidden, "missing tenant context")
	}
	if limit <= 0 {
		limit = 100
	}

	var records []*models.AuditRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT id, organization_id, actor_id, action, resource, outcome, detail, created_at
		 FROM audit_log WHERE organization_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		tc.OrganizationID, limit)
	if err != nil {
		return nil, wrapDB(err, "store.ListAudit")
	}
	return records, nil
}

var _ MetaStore = (*PostgresStore)(nil)
