package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/obs"
)

// ResourceType is the audit resource type of token events.
const ResourceType = "verificationToken"

// ErrMissingPepper is returned when the service is built without a pepper.
var ErrMissingPepper = errors.New("token: pepper is not configured")

// Auditor receives one event per issuance attempt and per validation.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Event) {}

// Service issues and validates verification tokens.
type Service struct {
	tokens    Store
	throttle  ThrottleStore
	hash      hasher
	ttls      map[Purpose]time.Duration
	limits    Limits
	now       func() time.Time
	timeout   time.Duration
	retries   uint64
	retryBase time.Duration
	auditor   Auditor
	logger    *slog.Logger
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithPepper sets the key mixed into every token id.
func WithPepper(pepper []byte) ServiceOption {
	return func(s *Service) {
		if len(pepper) > 0 {
			s.hash = newHasher(pepper)
		}
	}
}

// WithTTL sets the lifetime of tokens issued for purpose and makes the
// purpose issuable.
func WithTTL(purpose Purpose, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttls[purpose] = ttl
		}
	}
}

func WithLimits(l Limits) ServiceOption {
	return func(s *Service) {
		s.limits = l
	}
}

func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTimeout bounds every storage round trip of one operation.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReadRetries sets how often a failed token read is retried. Writes are
// never retried.
func WithReadRetries(n uint64, base time.Duration) ServiceOption {
	return func(s *Service) {
		s.retries = n
		if base > 0 {
			s.retryBase = base
		}
	}
}

func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the token service.
func NewService(tokens Store, throttle ThrottleStore, opts ...ServiceOption) (*Service, error) {
	if tokens == nil || throttle == nil {
		return nil, errors.New("token: store and throttle are required")
	}
	s := &Service{
		tokens:   tokens,
		throttle: throttle,
		ttls: map[Purpose]time.Duration{
			PurposeEmailVerify:   24 * time.Hour,
			PurposePasswordReset: time.Hour,
		},
		limits:    DefaultLimits(),
		now:       time.Now,
		timeout:   3 * time.Second,
		retries:   2,
		retryBase: 50 * time.Millisecond,
		auditor:   nopAuditor{},
		logger:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hash == (hasher{}) {
		return nil, ErrMissingPepper
	}
	if err := s.limits.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// TTL reports the lifetime of tokens for purpose.
func (s *Service) TTL(purpose Purpose) (time.Duration, bool) {
	ttl, ok := s.ttls[purpose]
	return ttl, ok
}

// Issue creates a token for principalID. The throttle is consulted before
// anything is written; a refusal carries the time issuance reopens. The
// tenant of a principal found in ctx is recorded on the token.
func (s *Service) Issue(ctx context.Context, principalID string, purpose Purpose) (Issued, error) {
	principalID = strings.TrimSpace(principalID)
	ttl, ok := s.ttls[purpose]
	if principalID == "" || !ok {
		return Issued{}, &apperr.Error{
			Code:    apperr.InvalidRequest,
			Message: fmt.Sprintf("unknown purpose %q or missing principal", purpose),
		}
	}
	var tenantID string
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		tenantID = p.TenantID
	}
	ev := audit.Event{
		TenantID:     tenantID,
		PrincipalID:  principalID,
		ResourceType: ResourceType,
		Action:       audit.ActionTokenIssue,
		Detail:       map[string]any{"purpose": string(purpose)},
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	now := s.now().UTC()

	st, admitted, err := s.throttle.Reserve(ctx, ThrottleKey{PrincipalID: principalID, Purpose: purpose}, s.limits, now)
	if err != nil {
		return Issued{}, s.issueFailed(ctx, ev, purpose, apperr.Wrap(apperr.StorageUnavailable, err))
	}
	if !admitted {
		ev.Detail["next_allowed_at"] = st.NextAllowedAt.Format(time.RFC3339)
		return Issued{}, s.issueFailed(ctx, ev, purpose, apperr.RateLimited(st.NextAllowedAt))
	}

	secret, err := newSecret()
	if err != nil {
		return Issued{}, s.issueFailed(ctx, ev, purpose, apperr.Wrap(apperr.Internal, err))
	}
	id, err := s.hash.tokenID(secret)
	if err != nil {
		return Issued{}, s.issueFailed(ctx, ev, purpose, apperr.Wrap(apperr.Internal, err))
	}
	tok := Token{
		ID:          id,
		TenantID:    tenantID,
		PrincipalID: principalID,
		Purpose:     purpose,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		State:       StateIssued,
	}
	if err := s.tokens.Insert(ctx, tok); err != nil {
		return Issued{}, s.issueFailed(ctx, ev, purpose, apperr.Wrap(apperr.StorageUnavailable, err))
	}

	ev.Success = true
	ev.ResourceID = id
	s.auditor.Record(ctx, ev)
	obs.ObserveIssue(string(purpose), "issued")
	return Issued{Secret: secret, TokenID: id, Purpose: purpose, ExpiresAt: tok.ExpiresAt}, nil
}

func (s *Service) issueFailed(ctx context.Context, ev audit.Event, purpose Purpose, err *apperr.Error) error {
	ev.Reason = err.Code
	s.auditor.Record(ctx, ev)
	result := "error"
	switch err.Code {
	case apperr.RateLimitExceeded:
		result = "rate_limited"
	default:
		s.logger.Warn("token issue failed", "principal_id", ev.PrincipalID, "purpose", purpose, "error", err)
	}
	obs.ObserveIssue(string(purpose), result)
	return err
}

// Validate consumes the token behind secret for purpose. Failures are
// reported in the order not found, already used, expired, purpose mismatch.
// A storage failure fails closed as not found.
func (s *Service) Validate(ctx context.Context, secret string, purpose Purpose) (Validated, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.hash.tokenID(strings.TrimSpace(secret))
	if err != nil {
		return Validated{}, s.validateDone(ctx, Token{}, purpose, apperr.Wrap(apperr.TokenNotFound, err))
	}
	tok, err := s.get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return Validated{}, s.validateDone(ctx, Token{ID: id}, purpose, apperr.New(apperr.TokenNotFound))
	case err != nil:
		s.logger.Warn("token read failed", "token_id", id, "error", err)
		return Validated{}, s.validateDone(ctx, Token{ID: id}, purpose, apperr.Wrap(apperr.TokenNotFound, err))
	}

	now := s.now().UTC()
	switch tok.StateAt(now) {
	case StateUsed:
		return Validated{}, s.validateDone(ctx, tok, purpose, apperr.New(apperr.TokenAlreadyUsed))
	case StateExpired:
		return Validated{}, s.validateDone(ctx, tok, purpose, apperr.New(apperr.TokenExpired))
	}
	if tok.Purpose != purpose {
		return Validated{}, s.validateDone(ctx, tok, purpose, apperr.New(apperr.PurposeMismatch))
	}

	swapped, err := s.tokens.MarkUsed(ctx, id, now)
	if err != nil {
		s.logger.Warn("token consume failed", "token_id", id, "error", err)
		return Validated{}, s.validateDone(ctx, tok, purpose, apperr.Wrap(apperr.TokenNotFound, err))
	}
	if !swapped {
		return Validated{}, s.validateDone(ctx, tok, purpose, apperr.New(apperr.TokenAlreadyUsed))
	}

	_ = s.validateDone(ctx, tok, purpose, nil)
	return Validated{
		TokenID:     id,
		TenantID:    tok.TenantID,
		PrincipalID: tok.PrincipalID,
		Purpose:     tok.Purpose,
		UsedAt:      now,
	}, nil
}

func (s *Service) validateDone(ctx context.Context, tok Token, purpose Purpose, err *apperr.Error) error {
	ev := audit.Event{
		TenantID:     tok.TenantID,
		PrincipalID:  tok.PrincipalID,
		ResourceType: ResourceType,
		ResourceID:   tok.ID,
		Action:       audit.ActionTokenValidate,
		Success:      err == nil,
		Detail:       map[string]any{"purpose": string(purpose)},
	}
	result := "ok"
	if err != nil {
		ev.Reason = err.Code
		result = string(err.Code)
	}
	s.auditor.Record(ctx, ev)
	obs.ObserveValidate(string(purpose), result)
	if err == nil {
		return nil
	}
	return err
}

func (s *Service) get(ctx context.Context, id string) (Token, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx)

	var tok Token
	err := backoff.Retry(func() error {
		t, err := s.tokens.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		tok = t
		return nil
	}, b)
	return tok, err
}
