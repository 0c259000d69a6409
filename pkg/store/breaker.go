package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

// BreakerSettings tune the circuit guarding the metadata store.
type BreakerSettings struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:         "metastore",
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// BreakerStore decorates a MetaStore with a circuit breaker so a failing
// database sheds load fast instead of stalling every session operation.
// Business outcomes such as NotFound or Conflict never count as failures;
// only transport-level errors trip the circuit.
type BreakerStore struct {
	next   MetaStore
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreakerStore wraps next with a circuit breaker.
func NewBreakerStore(next MetaStore, settings BreakerSettings, logger observability.Logger) *BreakerStore {
	defaults := DefaultBreakerSettings()
	if settings.Name == "" {
		settings.Name = defaults.Name
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = defaults.MaxRequests
	}
	if settings.Interval == 0 {
		settings.Interval = defaults.Interval
	}
	if settings.Timeout == 0 {
		settings.Timeout = defaults.Timeout
	}
	if settings.FailureRatio == 0 {
		settings.FailureRatio = defaults.FailureRatio
	}
	if settings.MinRequests == 0 {
		settings.MinRequests = defaults.MinRequests
	}

	s := &BreakerStore{next: next, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Metadata store circuit state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: isStoreSuccess,
	})
	return s
}

// isStoreSuccess decides which errors count against the circuit. Typed
// business errors mean the database answered; only transport failures
// indicate an unhealthy backend.
func isStoreSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch apierrors.KindOf(err) {
	case apierrors.KindNotFound, apierrors.KindConflict, apierrors.KindForbidden,
		apierrors.KindUnauthorized, apierrors.KindQuotaExceeded, apierrors.KindParse:
		return true
	}
	return false
}

// State exposes the circuit state for monitoring endpoints.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

// Counts exposes the rolling request counts for monitoring endpoints.
func (s *BreakerStore) Counts() gobreaker.Counts {
	return s.cb.Counts()
}

func (s *BreakerStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apierrors.Wrap(apierrors.KindTransient, "metadata store circuit open", err).WithOp("store.breaker")
	}
	return err
}

func (s *BreakerStore) run(fn func() (interface{}, error)) (interface{}, error) {
	v, err := s.cb.Execute(fn)
	return v, s.mapErr(err)
}

func (s *BreakerStore) exec(fn func() error) error {
	_, err := s.run(func() (interface{}, error) { return nil, fn() })
	return err
}

// Ping routes through the circuit so half-open probes can close it again.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.exec(func() error { return s.next.Ping(ctx) })
}

// Close releases the underlying store.
func (s *BreakerStore) Close() error {
	return s.next.Close()
}

func (s *BreakerStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return s.exec(func() error { return s.next.CreateOrganization(ctx, org) })
}

func (s *BreakerStore) GetOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Organization, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetOrganization(ctx, tc, id) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Organization), nil
}

func (s *BreakerStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetOrganizationBySlug(ctx, slug) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Organization), nil
}

func (s *BreakerStore) DeleteOrganization(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	return s.exec(func() error { return s.next.DeleteOrganization(ctx, tc, id) })
}

func (s *BreakerStore) CreateUser(ctx context.Context, tc tenant.Context, user *models.User) error {
	return s.exec(func() error { return s.next.CreateUser(ctx, tc, user) })
}

func (s *BreakerStore) GetUser(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.User, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetUser(ctx, tc, id) })
	if err != nil {
		return nil, err
	}
	return v.(*models.User), nil
}

func (s *BreakerStore) CreateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	return s.exec(func() error { return s.next.CreateRole(ctx, tc, role) })
}

func (s *BreakerStore) GetRole(ctx context.Context, tc tenant.Context, id uuid.UUID) (*models.Role, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetRole(ctx, tc, id) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Role), nil
}

func (s *BreakerStore) GetRoleByName(ctx context.Context, tc tenant.Context, name string) (*models.Role, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetRoleByName(ctx, tc, name) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Role), nil
}

func (s *BreakerStore) ListRoles(ctx context.Context, tc tenant.Context) ([]*models.Role, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListRoles(ctx, tc) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.Role), nil
}

func (s *BreakerStore) UpdateRole(ctx context.Context, tc tenant.Context, role *models.Role) error {
	return s.exec(func() error { return s.next.UpdateRole(ctx, tc, role) })
}

func (s *BreakerStore) DeleteRole(ctx context.Context, tc tenant.Context, id uuid.UUID) error {
	return s.exec(func() error { return s.next.DeleteRole(ctx, tc, id) })
}

func (s *BreakerStore) AssignRole(ctx context.Context, tc tenant.Context, assignment *models.UserRole) error {
	return s.exec(func() error { return s.next.AssignRole(ctx, tc, assignment) })
}

func (s *BreakerStore) RevokeRole(ctx context.Context, tc tenant.Context, userID, roleID uuid.UUID) error {
	return s.exec(func() error { return s.next.RevokeRole(ctx, tc, userID, roleID) })
}

func (s *BreakerStore) ListUserRoles(ctx context.Context, tc tenant.Context, userID uuid.UUID) ([]*models.UserRole, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListUserRoles(ctx, tc, userID) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.UserRole), nil
}

func (s *BreakerStore) UpsertConnection(ctx context.Context, tc tenant.Context, conn *models.Connection) error {
	return s.exec(func() error { return s.next.UpsertConnection(ctx, tc, conn) })
}

func (s *BreakerStore) GetConnection(ctx context.Context, tc tenant.Context, sessionID string) (*models.Connection, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.GetConnection(ctx, tc, sessionID) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Connection), nil
}

func (s *BreakerStore) ListConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListConnections(ctx, tc) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.Connection), nil
}

func (s *BreakerStore) DeleteConnection(ctx context.Context, tc tenant.Context, sessionID string) error {
	return s.exec(func() error { return s.next.DeleteConnection(ctx, tc, sessionID) })
}

func (s *BreakerStore) CountConnections(ctx context.Context, orgID uuid.UUID) (int, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.CountConnections(ctx, orgID) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *BreakerStore) ListRecoverableConnections(ctx context.Context, tc tenant.Context) ([]*models.Connection, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListRecoverableConnections(ctx, tc) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.Connection), nil
}

func (s *BreakerStore) InsertEvent(ctx context.Context, tc tenant.Context, event *models.Event) error {
	return s.exec(func() error { return s.next.InsertEvent(ctx, tc, event) })
}

func (s *BreakerStore) ListEvents(ctx context.Context, tc tenant.Context, channel string, limit int) ([]*models.Event, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListEvents(ctx, tc, channel, limit) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.Event), nil
}

func (s *BreakerStore) InsertAudit(ctx context.Context, record *models.AuditRecord) error {
	return s.exec(func() error { return s.next.InsertAudit(ctx, record) })
}

func (s *BreakerStore) ListAudit(ctx context.Context, tc tenant.Context, limit int) ([]*models.AuditRecord, error) {
	v, err := s.run(func() (interface{}, error) { return s.next.ListAudit(ctx, tc, limit) })
	if err != nil {
		return nil, err
	}
	return v.([]*models.AuditRecord), nil
}

var _ MetaStore = (*BreakerStore)(nil)
