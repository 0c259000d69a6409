package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

func setupPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewPostgresStore(db, observability.NewNoopLogger()), mock
}

func TestPostgresStore_Ping(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectPing()

		require.NoError(t, s.Ping(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreachable database is transient", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := s.Ping(ctx)
		assert.True(t, apierrors.IsTransient(err))
	})
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := setupPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organizations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrganization(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	tc := tenant.NewContext(orgID, uuid.Nil)
	now := time.Now()

	orgRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "name", "slug", "settings", "max_users", "max_connections",
			"max_events", "max_channels", "max_storage", "max_api_calls",
			"features", "is_active", "created_at", "updated_at",
		}).AddRow(
			orgID.String(), "Acme", "acme", []byte(`{"tier":"pro"}`), 100, 1000,
			100000, 100, int64(1<<30), 100000,
			[]byte(`["sso"]`), true, now, now,
		)
	}

	t.Run("limit columns map back onto the model", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM organizations WHERE id =").
			WithArgs(orgID).
			WillReturnRows(orgRows())

		org, err := s.GetOrganization(ctx, tc, orgID)
		require.NoError(t, err)
		assert.Equal(t, "acme", org.Slug)
		assert.Equal(t, 100, org.Limits.MaxUsers)
		assert.Equal(t, 1000, org.Limits.MaxConnections)
		assert.Equal(t, int64(1<<30), org.Limits.MaxStorage)
		assert.True(t, org.Limits.Features.Contains("sso"))
		assert.Equal(t, "pro", org.Settings["tier"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM organizations WHERE id =").
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := s.GetOrganization(ctx, tc, orgID)
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("cross-tenant context never reaches the database", func(t *testing.T) {
		s, mock := setupPostgres(t)

		_, err := s.GetOrganization(ctx, tenant.NewContext(uuid.New(), uuid.Nil), orgID)
		assert.True(t, apierrors.IsForbidden(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver failure is transient", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM organizations WHERE id =").
			WithArgs(orgID).
			WillReturnError(errors.New("read tcp: connection reset"))

		_, err := s.GetOrganization(ctx, tc, orgID)
		assert.True(t, apierrors.IsTransient(err))
	})

	t.Run("slug lookup needs no tenant context", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM organizations WHERE slug =").
			WithArgs("acme").
			WillReturnRows(orgRows())

		org, err := s.GetOrganizationBySlug(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, orgID, org.ID)
	})
}

func TestPostgresStore_DeleteOrganization(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("missing row is not found", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectExec("DELETE FROM organizations").
			WithArgs(orgID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.DeleteOrganization(ctx, tenant.SystemContext(), orgID)
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("delete prunes the audit trail", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectExec("DELETE FROM organizations").
			WithArgs(orgID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM audit_log").
			WithArgs(orgID).
			WillReturnResult(sqlmock.NewResult(0, 3))

		require.NoError(t, s.DeleteOrganization(ctx, tenant.SystemContext(), orgID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CreateRole(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	tc := tenant.NewContext(orgID, uuid.Nil)

	t.Run("insert", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectExec("INSERT INTO roles").
			WillReturnResult(sqlmock.NewResult(0, 1))

		role := &models.Role{OrganizationID: orgID, Name: "editor", Level: models.RoleLevelDeveloper}
		require.NoError(t, s.CreateRole(ctx, tc, role))
		assert.NotEqual(t, uuid.Nil, role.ID)
		assert.False(t, role.CreatedAt.IsZero())
	})

	t.Run("unique violation becomes conflict", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectExec("INSERT INTO roles").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "roles_organization_id_name_key"})

		err := s.CreateRole(ctx, tc, &models.Role{OrganizationID: orgID, Name: "editor"})
		assert.True(t, apierrors.IsConflict(err))
	})

	t.Run("foreign tenant is rejected before the insert", func(t *testing.T) {
		s, mock := setupPostgres(t)

		err := s.CreateRole(ctx, tc, &models.Role{OrganizationID: uuid.New(), Name: "editor"})
		assert.True(t, apierrors.IsForbidden(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func roleRows(roleID, orgID uuid.UUID, name string, system bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "organization_id", "name", "description", "permissions",
		"level", "is_system", "is_active", "created_at", "updated_at",
	}).AddRow(
		roleID.String(), orgID.String(), name, "", []byte(`["channel:subscribe"]`),
		"DEVELOPER", system, true, now, now,
	)
}

func TestPostgresStore_UpdateRole(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	roleID := uuid.New()
	tc := tenant.NewContext(orgID, uuid.Nil)

	t.Run("system roles are never updated", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM roles WHERE id =").
			WithArgs(roleID).
			WillReturnRows(roleRows(roleID, orgID, "org-admin", true))

		err := s.UpdateRole(ctx, tc, &models.Role{ID: roleID, Name: "renamed"})
		assert.True(t, apierrors.IsForbidden(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mutable role is rewritten", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM roles WHERE id =").
			WithArgs(roleID).
			WillReturnRows(roleRows(roleID, orgID, "editor", false))
		mock.ExpectExec("UPDATE roles SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.UpdateRole(ctx, tc, &models.Role{ID: roleID, Name: "publisher", Level: models.RoleLevelDeveloper})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role from another org reads as not found", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM roles WHERE id =").
			WithArgs(roleID).
			WillReturnRows(roleRows(roleID, uuid.New(), "editor", false))

		err := s.UpdateRole(ctx, tc, &models.Role{ID: roleID, Name: "publisher"})
		assert.True(t, apierrors.IsNotFound(err))
	})
}

func TestPostgresStore_AssignRole(t *testing.T) {
	ctx := context.Background()
	orgA := uuid.New()
	orgB := uuid.New()
	roleID := uuid.New()
	userID := uuid.New()
	now := time.Now()

	userRows := func(orgID uuid.UUID) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "organization_id", "email", "password_hash", "is_active", "created_at", "updated_at",
		}).AddRow(userID.String(), orgID.String(), "dev@test", "", true, now, now)
	}

	t.Run("cross-org assignment is forbidden", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM roles WHERE id =").
			WithArgs(roleID).
			WillReturnRows(roleRows(roleID, orgA, "viewer", false))
		mock.ExpectQuery("FROM users WHERE id =").
			WithArgs(userID).
			WillReturnRows(userRows(orgB))

		err := s.AssignRole(ctx, tenant.SystemContext(), &models.UserRole{UserID: userID, RoleID: roleID})
		assert.True(t, apierrors.IsForbidden(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate assignment becomes conflict", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectQuery("FROM roles WHERE id =").
			WithArgs(roleID).
			WillReturnRows(roleRows(roleID, orgA, "viewer", false))
		mock.ExpectQuery("FROM users WHERE id =").
			WithArgs(userID).
			WillReturnRows(userRows(orgA))
		mock.ExpectExec("INSERT INTO user_roles").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "user_roles_user_id_role_id_key"})

		err := s.AssignRole(ctx, tenant.NewContext(orgA, uuid.Nil), &models.UserRole{UserID: userID, RoleID: roleID})
		assert.True(t, apierrors.IsConflict(err))
	})
}

func TestPostgresStore_Connections(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	tc := tenant.NewContext(orgID, uuid.Nil)

	t.Run("upsert writes one row", func(t *testing.T) {
		s, mock := setupPostgres(t)
		mock.ExpectExec("INSERT INTO connections").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.UpsertConnection(ctx, tc, &models.Connection{
			SessionID:      "sess-1",
			OrganizationID: orgID,
			ClientType:     models.ClientTypeWebApp,
			Status:         models.StatusConnected,
			Quality:        models.QualityExcellent,
			ConnectedAt:    time.Now(),
			LastHeartbeat:  time.Now(),
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("foreign tenant is rejected before the write", func(t *testing.T) {
		s, mock := setupPostgres(t)

		err := s.UpsertConnection(ctx, tc, &models.Connection{
			SessionID:      "sess-2",
			OrganizationID: uuid.New(),
		})
		assert.True(t, apierrors.IsForbidden(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("recoverable rows filter by status", func(t *testing.T) {
		s, mock := setupPostgres(t)
		now := time.Now()
		rows := sqlmock.NewRows([]string{
			"session_id", "organization_id", "user_id", "client_type", "status", "quality",
			"latency_ms", "missed_heartbeats", "reconnect_attempts", "max_reconnect_attempts",
			"total_disconnections", "connected_at", "last_heartbeat", "disconnected_at",
			"next_reconnect_at", "metadata",
		}).AddRow(
			"sess-1", orgID.String(), nil, "WEB_APP", "CONNECTED", "GOOD",
			12.5, 0, 0, 5, 0, now, now, nil, nil, []byte(`{}`),
		).AddRow(
			"sess-2", orgID.String(), nil, "MOBILE_APP", "SUSPENDED", "POOR",
			900.0, 2, 1, 5, 3, now, now, now, nil, []byte(`{}`),
		)
		mock.ExpectQuery("WHERE status IN").
			WithArgs(models.StatusConnected, models.StatusReconnecting, models.StatusSuspended, orgID).
			WillReturnRows(rows)

		conns, err := s.ListRecoverableConnections(ctx, tc)
		require.NoError(t, err)
		require.Len(t, conns, 2)
		assert.Equal(t, models.StatusSuspended, conns[1].Status)
		assert.Nil(t, conns[0].UserID)
		assert.NotNil(t, conns[1].DisconnectedAt)
	})
}

func TestPostgresStore_InsertAudit(t *testing.T) {
	s, mock := setupPostgres(t)
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := &models.AuditRecord{
		OrganizationID: uuid.New(),
		Action:         "role.assign",
		Resource:       "roles/viewer",
		Outcome:        models.AuditOutcomeDenied,
	}
	require.NoError(t, s.InsertAudit(context.Background(), record))
	assert.NotEqual(t, uuid.Nil, record.ID)
	assert.False(t, record.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
