package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall.io/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequirePrincipalAttachesIdentity(t *testing.T) {
	sessions, err := auth.NewSessions("test-secret")
	require.NoError(t, err)
	a := &API{sessions: sessions}

	var (
		got    auth.Principal
		rawTok string
	)
	handler := a.requirePrincipal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFromContext(r.Context())
		rawTok, _ = auth.TokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok, _, err := sessions.Issue(ownerMember, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ownerMember, got)
	assert.Equal(t, tok, rawTok)
}

func TestRequirePrincipalRejectsMissingToken(t *testing.T) {
	sessions, err := auth.NewSessions("test-secret")
	require.NoError(t, err)
	a := &API{sessions: sessions}

	rr := httptest.NewRecorder()
	a.requirePrincipal(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
}

func TestRequirePrincipalRejectsForeignSignature(t *testing.T) {
	sessions, err := auth.NewSessions("test-secret")
	require.NoError(t, err)
	forger, err := auth.NewSessions("other-secret")
	require.NoError(t, err)
	a := &API{sessions: sessions}

	tok, _, err := forger.Issue(tenantAdmin, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	a.requirePrincipal(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequirePrincipalWithoutSessionsFailsClosed(t *testing.T) {
	a := &API{}
	rr := httptest.NewRecorder()
	a.requirePrincipal(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
