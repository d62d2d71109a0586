package httpapi

import (
	"net/http"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/auth"
)

const authHeader = "Authorization"

// requirePrincipal resolves the bearer session token into an identity and
// attaches it to the request context.
func (a *API) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.sessions == nil {
			unauthenticated(w, r, auth.ErrMissingSecret)
			return
		}
		token, err := auth.ParseBearer(r.Header.Get(authHeader))
		if err != nil {
			unauthenticated(w, r, err)
			return
		}
		id, err := a.sessions.Parse(token)
		if err != nil {
			unauthenticated(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="rollcall"`)
	writeError(w, r, apperr.Wrap(apperr.Unauthenticated, err))
}
