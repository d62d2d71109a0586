package auth

import (
	"fmt"
	"strings"
	"time"
)

// Principal is the authenticated actor for one request. It is built from
// signed session data and never persisted.
type Principal struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Role         Role   `json:"role"`
	IsSuperAdmin bool   `json:"is_super_admin,omitempty"`
}

// Validate checks that p is usable for an authorization decision.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: principal tenant is required", ErrInvalidInput)
	}
	if !p.Role.Valid() || p.Role == RoleSystem {
		return fmt.Errorf("%w: principal role %s is not assignable", ErrInvalidInput, p.Role)
	}
	return nil
}

// Identity is the resolved identity context: the principal plus metadata of
// the session token that proved it.
type Identity struct {
	Principal Principal
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
