package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sentra.org/internal/authz"
	"sentra.org/internal/gateway"
)

const (
	authHeader    = "Authorization"
	bearerScheme  = "Bearer "
	sessionCookie = "sentra_session"
)

// Endpoints that must work without a credential. Everything else gets
// an authenticated principal or a 401.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/mfa",
	"/v1/auth/refresh",
	"/v1/auth/oauth/begin",
	"/v1/auth/oauth/callback",
	"/",
}

// withAuth resolves a bearer access token or a session cookie to a
// principal. A 401 means the credential itself failed; a 403 is only
// ever produced later, by an authorization check on a valid principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.authenticate(r)
		if err != nil {
			a.handleAuthError(w, r, gateway.ErrUnauthenticated)
			return
		}
		ctx := authz.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) authenticate(r *http.Request) (authz.Principal, error) {
	if raw, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return a.gw.ValidateToken(r.Context(), raw)
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return a.gw.ValidateSession(r.Context(), cookie.Value)
	}
	return authz.Principal{}, gateway.ErrUnauthenticated
}

// ensurePermission runs the decision engine and writes the 403 on deny.
// Callers must return immediately when it reports false.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, action string, resource authz.Resource) bool {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		a.handleAuthError(w, r, gateway.ErrUnauthenticated)
		return false
	}
	decision, err := a.gw.Authorize(r.Context(), principal, action, resource, nil)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	if decision.Effect != authz.Allow {
		a.handleAuthError(w, r, gateway.ErrPermissionDenied)
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerScheme)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerScheme):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
