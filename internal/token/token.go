// Package token issues and validates single-use verification tokens and
// throttles issuance per principal and purpose.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purpose binds a token to the flow it may complete.
type Purpose string

const (
	PurposeEmailVerify   Purpose = "emailVerify"
	PurposePasswordReset Purpose = "passwordReset"
)

// State of a stored token. Expiry is derived from the clock and never stored.
type State string

const (
	StateIssued  State = "issued"
	StateUsed    State = "used"
	StateExpired State = "expired"
)

// ErrNotFound is returned by stores for an unknown token id.
var ErrNotFound = errors.New("token: not found")

// Token is the stored record. It never holds the secret.
type Token struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	PrincipalID string    `json:"principal_id"`
	Purpose     Purpose   `json:"purpose"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	State       State     `json:"state"`
	UsedAt      time.Time `json:"used_at,omitempty"`
}

// StateAt reports the token's state as observed at now.
func (t Token) StateAt(now time.Time) State {
	if t.State == StateIssued && now.After(t.ExpiresAt) {
		return StateExpired
	}
	return t.State
}

// Issued is returned once per issuance; Secret is never available again.
type Issued struct {
	Secret    string    `json:"secret"`
	TokenID   string    `json:"token_id"`
	Purpose   Purpose   `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validated is the result of a successful validation.
type Validated struct {
	TokenID     string    `json:"token_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	PrincipalID string    `json:"principal_id"`
	Purpose     Purpose   `json:"purpose"`
	UsedAt      time.Time `json:"used_at"`
}

// Store persists tokens.
type Store interface {
	Insert(ctx context.Context, t Token) error
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (Token, error)
	// MarkUsed moves id from issued to used in one conditional write and
	// reports whether this call performed the transition.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
}

// ThrottleKey identifies one issuance throttle.
type ThrottleKey struct {
	PrincipalID string
	Purpose     Purpose
}

func (k ThrottleKey) String() string {
	return fmt.Sprintf("%s:%s", k.PrincipalID, k.Purpose)
}

// ThrottleStore applies Limits.Advance to the stored state of one key
// atomically with respect to other Reserve calls on the same key.
type ThrottleStore interface {
	Reserve(ctx context.Context, key ThrottleKey, limits Limits, now time.Time) (ThrottleState, bool, error)
}
