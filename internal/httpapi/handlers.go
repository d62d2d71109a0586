// Package httpapi exposes the access core over HTTP: authorization checks,
// verification token issuance and validation, and the operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"rollcall.io/internal/access"
	"rollcall.io/internal/apperr"
	"rollcall.io/internal/audit"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/obs"
	"rollcall.io/internal/policy"
	"rollcall.io/internal/token"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Readiness checks the named dependencies the service needs to serve.
type Readiness struct {
	Deps    map[string]Pinger
	Timeout time.Duration
}

// Check pings every dependency and returns a per-dependency status plus the
// joined failures.
func (rp Readiness) Check(ctx context.Context) (map[string]string, error) {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names := make([]string, 0, len(rp.Deps))
	for name := range rp.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		if err := rp.Deps[name].Ping(ctx); err != nil {
			status[name] = "down"
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		status[name] = "up"
	}
	return status, errors.Join(errs...)
}

// API is the HTTP layer.
type API struct {
	router      chi.Router
	readiness   Readiness
	version     string
	authz       *access.Authorizer
	tokens      *token.Service
	sessions    *auth.Sessions
	feed        *audit.Feed
	rateBurst   int
	ratePerSec  int
	maxBody     int64
	corsOrigins []string
}

// Option customises the API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket. A non-positive burst disables it.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithAuditFeed mounts the live audit stream for tenant admins.
func WithAuditFeed(f *audit.Feed) Option {
	return func(a *API) { a.feed = f }
}

// New builds the router. Access routes are mounted when authz is set and
// token routes when tokens is set; both authenticated groups need sessions.
func New(rp Readiness, version string, authz *access.Authorizer, tokens *token.Service, sessions *auth.Sessions, opts ...Option) *API {
	a := &API{
		readiness:  rp,
		version:    version,
		authz:      authz,
		tokens:     tokens,
		sessions:   sessions,
		rateBurst:  50,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.corsOrigins))
	if a.rateBurst > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.rateBurst, a.ratePerSec)
		})
	}
	r.Use(MaxBodyBytes(a.maxBody))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	if a.tokens != nil {
		r.Post("/v1/verification-tokens/validate", a.ValidateToken)
	}
	r.Group(func(r chi.Router) {
		r.Use(a.requirePrincipal)
		if a.authz != nil {
			r.Post("/v1/access/check", a.Check)
			r.Post("/v1/access/preview", a.Preview)
		}
		if a.tokens != nil {
			r.Post("/v1/verification-tokens", a.IssueToken)
		}
		if a.feed != nil && a.authz != nil {
			r.Get("/v1/audit/stream", a.AuditStream)
		}
	})
	return r
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rollcall-access",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	deps, err := a.readiness.Check(r.Context())
	obs.SetReady(err == nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"deps":   deps,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"deps":   deps,
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "rollcall-access",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.authz != nil {
		info["policy_version"] = a.authz.PolicyVersion()
	}
	writeJSON(w, http.StatusOK, info)
}

type checkRequest struct {
	Resource *policy.Resource    `json:"resource,omitempty"`
	Ref      *access.ResourceRef `json:"ref,omitempty"`
	Request  policy.Request      `json:"request"`
}

type decisionResponse struct {
	Allowed  bool            `json:"allowed"`
	Decision policy.Decision `json:"decision"`
}

// validate enforces the shape of each endpoint. Audited checks name the
// resource by ref so its snapshot comes from storage; previews take a
// caller snapshot because nothing is recorded.
func (c checkRequest) validate(audited bool) error {
	switch {
	case c.Request.Kind == "":
		return invalidRequest("request.kind is required")
	case audited && c.Resource != nil:
		return invalidRequest("checks are recorded against stored resources; send ref instead of a resource snapshot")
	case audited && c.Ref == nil:
		return invalidRequest("ref is required")
	case !audited && c.Ref != nil:
		return invalidRequest("ref is not supported here; send the resource snapshot")
	case !audited && c.Resource == nil:
		return invalidRequest("resource is required")
	}
	return nil
}

// Check loads the referenced resource, decides and audits the operation. A
// denial renders as its taxonomy error.
func (a *API) Check(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.Unauthenticated))
		return
	}
	var body checkRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := body.validate(true); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := a.authz.DoRef(r.Context(), principal, *body.Ref, body.Request, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Allowed: true, Decision: d})
}

// Preview evaluates without auditing so clients can decide which controls
// to offer. The decision is returned whatever its outcome.
func (a *API) Preview(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.Unauthenticated))
		return
	}
	var body checkRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := body.validate(false); err != nil {
		writeError(w, r, err)
		return
	}
	d := a.authz.Preview(principal, *body.Resource, body.Request)
	writeJSON(w, http.StatusOK, decisionResponse{Allowed: d.Allowed(), Decision: d})
}

type issueRequest struct {
	Purpose token.Purpose `json:"purpose"`
}

// IssueToken issues a verification token for the calling principal. The
// secret appears in this response only.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.Unauthenticated))
		return
	}
	var body issueRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	issued, err := a.tokens.Issue(r.Context(), principal.ID, body.Purpose)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

type validateRequest struct {
	Secret  string        `json:"secret"`
	Purpose token.Purpose `json:"purpose"`
}

// ValidateToken consumes a token. It is public: the secret is the credential.
func (a *API) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var body validateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Purpose == "" {
		writeError(w, r, invalidRequest("purpose is required"))
		return
	}
	res, err := a.tokens.Validate(r.Context(), body.Secret, body.Purpose)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
