// Package auth authenticates fabric clients at the websocket handshake.
// Two credential shapes are accepted: HMAC-signed JWTs and preconfigured
// API keys. Authorization decisions live in pkg/rbac; this package only
// establishes who the caller is.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/apix-io/apix/pkg/common/errors"
	"github.com/apix-io/apix/pkg/models"
	"github.com/apix-io/apix/pkg/observability"
	"github.com/apix-io/apix/pkg/tenant"
)

// Common errors
var (
	ErrNoCredentials = apierrors.New(apierrors.KindUnauthorized, "no credentials provided")
	ErrInvalidToken  = apierrors.New(apierrors.KindUnauthorized, "invalid token")
	ErrTokenExpired  = apierrors.New(apierrors.KindUnauthorized, "token expired")
	ErrInvalidAPIKey = apierrors.New(apierrors.KindUnauthorized, "invalid API key")
)

// Method records how a principal authenticated.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Principal is an authenticated caller.
type Principal struct {
	OrganizationID uuid.UUID         `json:"organization_id"`
	UserID         uuid.UUID         `json:"user_id,omitempty"`
	Roles          []string          `json:"roles,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	ClientType     models.ClientType `json:"client_type"`
	Method         Method            `json:"method"`
}

// TenantContext derives the store context for this principal.
func (p *Principal) TenantContext() tenant.Context {
	return tenant.NewContext(p.OrganizationID, p.UserID)
}

func (p *Principal) clone() *Principal {
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	cp.Permissions = append([]string(nil), p.Permissions...)
	return &cp
}

// APIKeyEntry is one preconfigured API key. Keys carry the tenant they
// belong to; roles are resolved against pkg/rbac at authorization time.
type APIKeyEntry struct {
	OrganizationID string   `mapstructure:"organization_id"`
	UserID         string   `mapstructure:"user_id"`
	Roles          []string `mapstructure:"roles"`
	ClientType     string   `mapstructure:"client_type"`
}

// Config holds authenticator settings.
type Config struct {
	JWTSecret     string                 `mapstructure:"jwt_secret"`
	JWTIssuer     string                 `mapstructure:"jwt_issuer"`
	JWTExpiration time.Duration          `mapstructure:"jwt_expiration"`
	APIKeys       map[string]APIKeyEntry `mapstructure:"api_keys"`
	CacheSize     int                    `mapstructure:"cache_size"`
	CacheTTL      time.Duration          `mapstructure:"cache_ttl"`
}

// DefaultConfig returns the default authenticator settings.
func DefaultConfig() Config {
	return Config{
		JWTExpiration: 24 * time.Hour,
		CacheSize:     1024,
		CacheTTL:      5 * time.Minute,
	}
}

// Service validates credentials and produces principals.
type Service struct {
	config  Config
	cache   *principalCache
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewService creates an authenticator. At least one credential method
// must be configured.
func NewService(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Service, error) {
	if cfg.JWTSecret == "" && len(cfg.APIKeys) == 0 {
		return nil, apierrors.New(apierrors.KindFatal, "no authentication methods configured")
	}
	defaults := DefaultConfig()
	if cfg.JWTExpiration <= 0 {
		cfg.JWTExpiration = defaults.JWTExpiration
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}

	cache, err := newPrincipalCache(cfg.CacheSize)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindFatal, "failed to build principal cache", err)
	}

	return &Service{
		config:  cfg,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Authenticate resolves a credential of either shape. JWTs are recognized
// by their three-segment form; everything else is treated as an API key.
func (s *Service) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrNoCredentials
	}
	if strings.Count(credential, ".") == 2 {
		return s.ValidateToken(ctx, credential)
	}
	return s.ValidateAPIKey(ctx, credential)
}

// ValidateAPIKey resolves a preconfigured API key.
func (s *Service) ValidateAPIKey(ctx context.Context, key string) (*Principal, error) {
	if key == "" {
		return nil, ErrNoCredentials
	}

	if principal, ok := s.cache.get(key, s.now()); ok {
		s.metrics.IncrementCounterWithLabels("auth.cache.hit", 1, map[string]string{"method": string(MethodAPIKey)})
		return principal, nil
	}

	entry, ok := s.config.APIKeys[key]
	if !ok {
		s.metrics.IncrementCounter("auth.failure", 1)
		return nil, ErrInvalidAPIKey
	}

	orgID, err := uuid.Parse(entry.OrganizationID)
	if err != nil {
		s.logger.Error("API key has a malformed organization id", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, ErrInvalidAPIKey
	}

	principal := &Principal{
		OrganizationID: orgID,
		Roles:          append([]string(nil), entry.Roles...),
		ClientType:     models.ClientTypeAPIClient,
		Method:         MethodAPIKey,
	}
	if entry.UserID != "" {
		userID, err := uuid.Parse(entry.UserID)
		if err != nil {
			return nil, ErrInvalidAPIKey
		}
		principal.UserID = userID
	}
	if entry.ClientType != "" {
		ct := models.ClientType(entry.ClientType)
		if !ct.Valid() {
			return nil, ErrInvalidAPIKey
		}
		principal.ClientType = ct
	}

	s.cache.put(key, principal, s.now().Add(s.config.CacheTTL))
	s.metrics.IncrementCounterWithLabels("auth.success", 1, map[string]string{"method": string(MethodAPIKey)})
	return principal, nil
}
