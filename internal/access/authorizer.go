// Package access runs the authorization control flow around a caller's
// operation: evaluate, narrow updates, execute, and audit the outcome once.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/obs"
	"rollcall.io/internal/policy"
)

// ErrResourceNotFound is returned by loaders for an unknown resource.
var ErrResourceNotFound = errors.New("access: resource not found")

// Auditor receives one event per authorization.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

// ResourceRef names a resource to be loaded from storage.
type ResourceRef struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

// Loader reads the current snapshot of a resource.
type Loader interface {
	Load(ctx context.Context, ref ResourceRef) (policy.Resource, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, ref ResourceRef) (policy.Resource, error)

func (f LoaderFunc) Load(ctx context.Context, ref ResourceRef) (policy.Resource, error) {
	return f(ctx, ref)
}

// Authorizer is safe for concurrent use.
type Authorizer struct {
	engine    *policy.Engine
	auditor   Auditor
	loader    Loader
	logger    *slog.Logger
	retries   uint64
	retryBase time.Duration
	timeout   time.Duration
}

// Option customises an Authorizer.
type Option func(*Authorizer)

func WithLoader(l Loader) Option {
	return func(a *Authorizer) { a.loader = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authorizer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLoadRetries bounds how often a failed resource read is retried.
func WithLoadRetries(n uint64, base time.Duration) Option {
	return func(a *Authorizer) {
		a.retries = n
		if base > 0 {
			a.retryBase = base
		}
	}
}

// WithLoadTimeout bounds one resource load including retries.
func WithLoadTimeout(d time.Duration) Option {
	return func(a *Authorizer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Event) {}

// NewAuthorizer decides with engine and reports to auditor; a nil auditor
// discards events.
func NewAuthorizer(engine *policy.Engine, auditor Auditor, opts ...Option) *Authorizer {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	a := &Authorizer{
		engine:    engine,
		auditor:   auditor,
		logger:    obs.Logger(),
		retries:   2,
		retryBase: 50 * time.Millisecond,
		timeout:   3 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Preview evaluates without auditing, for speculative checks such as
// deciding which controls a UI renders as disabled.
func (a *Authorizer) Preview(principal auth.Principal, resource policy.Resource, req policy.Request) policy.Decision {
	return a.engine.Decide(principal, resource, req)
}

// PolicyVersion reports the version of the active policy table.
func (a *Authorizer) PolicyVersion() string {
	if t := a.engine.Table(); t != nil {
		return t.Version
	}
	return ""
}

// Authorize decides and audits a check that has no operation attached.
// Nothing runs, so the record is marked check_only and never successful.
func (a *Authorizer) Authorize(ctx context.Context, principal auth.Principal, resource policy.Resource, req policy.Request) (policy.Decision, error) {
	return a.Do(ctx, principal, resource, req, nil)
}

// Do decides req and, when allowed, runs fn with the decision. Exactly one
// audit event is emitted; its success flag is true only when the decision
// allowed the operation and fn ran and returned nil. A nil fn makes the call
// a check. A denial is returned as the decision's taxonomy error; an fn
// failure is returned as is.
func (a *Authorizer) Do(ctx context.Context, principal auth.Principal, resource policy.Resource, req policy.Request, fn func(context.Context, policy.Decision) error) (policy.Decision, error) {
	d := a.engine.Decide(principal, resource, req)
	obs.ObserveDecision(resource.Type, string(req.Kind), string(d.Outcome), string(d.Reason))

	var err error
	if !d.Allowed() {
		err = d.Err()
	} else if fn != nil {
		err = fn(ctx, d)
	}
	a.auditor.Record(ctx, decisionEvent(principal, resource, req, d, fn != nil, err))
	return d, err
}

// DoRef loads the resource named by ref through the configured Loader and
// then behaves like Do. A load that keeps failing fails closed with
// STORAGE_UNAVAILABLE and is audited as an unsuccessful attempt.
func (a *Authorizer) DoRef(ctx context.Context, principal auth.Principal, ref ResourceRef, req policy.Request, fn func(context.Context, policy.Decision) error) (policy.Decision, error) {
	resource, err := a.load(ctx, ref)
	if err != nil {
		d := policy.Decision{Outcome: policy.Deny, Reason: apperr.CodeOf(err)}
		a.auditor.Record(ctx, audit.Event{
			TenantID:     ref.TenantID,
			PrincipalID:  principal.ID,
			ResourceType: ref.Type,
			ResourceID:   ref.ID,
			Action:       audit.ActionAuthorize,
			Reason:       d.Reason,
			Detail:       map[string]any{"operation": string(req.Kind), "outcome": string(d.Outcome)},
		})
		return d, err
	}
	return a.Do(ctx, principal, resource, req, fn)
}

func (a *Authorizer) load(ctx context.Context, ref ResourceRef) (policy.Resource, error) {
	if a.loader == nil {
		return policy.Resource{}, apperr.Wrap(apperr.StorageUnavailable, errors.New("access: no resource loader configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	policyB := backoff.NewExponentialBackOff()
	policyB.InitialInterval = a.retryBase
	policyB.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policyB, a.retries), ctx)

	var res policy.Resource
	err := backoff.Retry(func() error {
		r, err := a.loader.Load(ctx, ref)
		if errors.Is(err, ErrResourceNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	}, b)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		return policy.Resource{}, &apperr.Error{Code: apperr.InvalidRequest, Message: fmt.Sprintf("%s %s does not exist", ref.Type, ref.ID), Err: err}
	case err != nil:
		a.logger.Warn("resource load failed", "resource_type", ref.Type, "resource_id", ref.ID, "error", err)
		return policy.Resource{}, apperr.Wrap(apperr.StorageUnavailable, err)
	}
	if res.Type == "" {
		res.Type = ref.Type
	}
	if res.ID == "" {
		res.ID = ref.ID
	}
	return res, nil
}

func decisionEvent(principal auth.Principal, resource policy.Resource, req policy.Request, d policy.Decision, ran bool, opErr error) audit.Event {
	detail := map[string]any{
		"operation": string(req.Kind),
		"outcome":   string(d.Outcome),
	}
	if !ran {
		detail["check_only"] = true
	}
	if d.Actor != "" {
		detail["actor"] = string(d.Actor)
	}
	if len(d.NarrowedFields) > 0 {
		detail["narrowed_fields"] = d.NarrowedFields
	}
	if len(d.Fields) > 0 {
		detail["fields"] = d.Fields
	}
	if principal.TenantID != resource.TenantID {
		detail["principal_tenant_id"] = principal.TenantID
		if d.Allowed() && principal.IsSuperAdmin {
			detail["super_admin_bypass"] = true
		}
	}
	if d.Allowed() && opErr != nil {
		detail["operation_error"] = opErr.Error()
	}
	return audit.Event{
		TenantID:     resource.TenantID,
		PrincipalID:  principal.ID,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Action:       audit.ActionAuthorize,
		Success:      d.Allowed() && ran && opErr == nil,
		Reason:       d.Reason,
		Denied:       !d.Allowed(),
		Detail:       detail,
	}
}
