package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/apix-io/apix/pkg/models"
)

// Claims is the JWT payload issued for fabric clients.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org"`
	UserID         string   `json:"user,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	ClientType     string   `json:"client_type,omitempty"`
}

// ValidateToken verifies an HMAC-signed JWT and maps its claims onto a
// principal.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrNoCredentials
	}
	if s.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}

	if principal, ok := s.cache.get(tokenString, s.now()); ok {
		s.metrics.IncrementCounterWithLabels("auth.cache.hit", 1, map[string]string{"method": string(MethodJWT)})
		return principal, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		s.metrics.IncrementCounter("auth.failure", 1)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if s.config.JWTIssuer != "" && !claims.VerifyIssuer(s.config.JWTIssuer, true) {
		return nil, ErrInvalidToken
	}

	principal, err := claims.principal()
	if err != nil {
		s.logger.Debug("Rejected token with malformed claims", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, ErrInvalidToken
	}

	expiry := s.now().Add(s.config.CacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiry) {
		expiry = claims.ExpiresAt.Time
	}
	s.cache.put(tokenString, principal, expiry)
	s.metrics.IncrementCounterWithLabels("auth.success", 1, map[string]string{"method": string(MethodJWT)})
	return principal, nil
}

// IssueToken signs a JWT for a principal. Used by provisioning tooling
// and tests; the fabric itself never mints tokens for clients.
func (s *Service) IssueToken(principal *Principal) (string, error) {
	if s.config.JWTSecret == "" {
		return "", errors.New("JWT secret not configured")
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTExpiration)),
			ID:        uuid.NewString(),
		},
		OrganizationID: principal.OrganizationID.String(),
		Roles:          principal.Roles,
		Permissions:    principal.Permissions,
		ClientType:     string(principal.ClientType),
	}
	if principal.UserID != uuid.Nil {
		claims.UserID = principal.UserID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWTSecret))
}

func (c *Claims) principal() (*Principal, error) {
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("org claim: %w", err)
	}

	principal := &Principal{
		OrganizationID: orgID,
		Roles:          append([]string(nil), c.Roles...),
		Permissions:    append([]string(nil), c.Permissions...),
		ClientType:     models.ClientTypeWebApp,
		Method:         MethodJWT,
	}
	if c.UserID != "" {
		userID, err := uuid.Parse(c.UserID)
		if err != nil {
			return nil, fmt.Errorf("user claim: %w", err)
		}
		principal.UserID = userID
	}
	if c.ClientType != "" {
		ct := models.ClientType(c.ClientType)
		if !ct.Valid() {
			return nil, fmt.Errorf("client_type claim: unknown type %q", c.ClientType)
		}
		principal.ClientType = ct
	}
	return principal, nil
}
