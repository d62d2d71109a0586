package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "rollcall"

// SessionClaims are the signed session claims a Principal is resolved from.
type SessionClaims struct {
	TenantID   string `json:"tid"`
	Role       string `json:"role"`
	SuperAdmin bool   `json:"sa,omitempty"`
	jwt.RegisteredClaims
}

// Sessions signs and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) SessionOption {
	return func(s *Sessions) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SessionOption {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessions constructs a session codec. The secret must be non-empty.
func NewSessions(secret string, opts ...SessionOption) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	s := &Sessions{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a session token for principal valid for ttl.
func (s *Sessions) Issue(principal Principal, ttl time.Duration) (string, Identity, error) {
	if err := principal.Validate(); err != nil {
		return "", Identity{}, err
	}
	if ttl <= 0 {
		return "", Identity{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Second)
	claims := SessionClaims{
		TenantID:   principal.TenantID,
		Role:       principal.Role.String(),
		SuperAdmin: principal.IsSuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Identity{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, Identity{
		Principal: principal,
		TokenID:   claims.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Parse verifies token and resolves the identity it carries.
func (s *Sessions) Parse(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	role, err := ParseHumanRole(claims.Role)
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	principal := Principal{
		ID:           claims.Subject,
		TenantID:     claims.TenantID,
		Role:         role,
		IsSuperAdmin: claims.SuperAdmin,
	}
	if err := principal.Validate(); err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	return Identity{
		Principal: principal,
		TokenID:   claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
