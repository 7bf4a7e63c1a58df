package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentra.org/internal/authz"
	"sentra.org/internal/credstore"
	"sentra.org/internal/gateway"
	"sentra.org/internal/password"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

type apiFixture struct {
	api   *API
	h     http.Handler
	users *credstore.MemoryStore
	roles *credstore.MemoryRoleStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	users := credstore.NewMemoryStore()
	roles := credstore.NewMemoryRoleStore()

	hasher, err := password.NewHasher(password.Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1,
		MinLength: 8, MaxLength: 512,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	sessions, err := session.NewManager(session.NewMemoryStore(), session.Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	tokens, err := token.NewService(token.NewMemoryRefreshStore(), token.NewMemoryRevocationSet(),
		token.WithSecret("httpapi-test-signing-secret"),
		token.WithIssuer("sentra-test"),
	)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	engine := authz.NewEngine(authz.RoleResolverFunc(roles.Resolver()))
	gw, err := gateway.New(users, roles, hasher, sessions, tokens, engine)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	api := New(gw, users, roles, ReadyProbe{}, "test")
	return &apiFixture{api: api, h: api.Handler(), users: users, roles: roles}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) login(t *testing.T, email, pass string) (accessToken, refreshToken, userID string) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": email, "password": pass,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", rr.Code, rr.Body.String())
	}
	var res loginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if res.Tokens == nil {
		t.Fatalf("no tokens in login response: %s", rr.Body.String())
	}
	return res.Tokens.AccessToken, res.Tokens.RefreshToken, res.UserID
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", rr.Code, rr.Body.String())
	}

	// Duplicate registration conflicts.
	rr = f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", rr.Code)
	}

	// Weak password rejected up front.
	rr = f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "bob@example.com", "password": "short",
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("weak password status = %d", rr.Code)
	}

	access, _, _ := f.login(t, "alice@example.com", "correct horse battery")
	if access == "" {
		t.Fatalf("empty access token")
	}
}

func TestLoginFailureIsGeneric401(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)

	for _, body := range []map[string]string{
		{"email": "alice@example.com", "password": "wrong password"},
		{"email": "nobody@example.com", "password": "wrong password"},
	} {
		rr := f.do(t, http.MethodPost, "/v1/auth/login", body, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d for %v", rr.Code, body)
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["error"] != "invalid credentials" {
			t.Fatalf("error = %v, want the generic message", payload["error"])
		}
	}
}

func TestProtectedEndpointsRequireCredential(t *testing.T) {
	f := newAPIFixture(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/auth/logout_all"},
		{http.MethodPost, "/v1/authz/check"},
		{http.MethodGet, "/v1/users/u1"},
		{http.MethodGet, "/v1/roles"},
	} {
		rr := f.do(t, tc.method, tc.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", tc.method, tc.path, rr.Code)
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["error"] != "authentication required" {
			t.Fatalf("%s %s error = %v", tc.method, tc.path, payload["error"])
		}
	}
}

func TestAdminEndpointsReturn403WithoutPermission(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	access, _, _ := f.login(t, "alice@example.com", "correct horse battery")

	rr := f.do(t, http.MethodGet, "/v1/roles", nil, bearer(access))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("roles list status = %d, want 403", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "permission denied" {
		t.Fatalf("error = %v", payload["error"])
	}
	rr = f.do(t, http.MethodPut, "/v1/users/someone-else/status", map[string]string{
		"status": "disabled",
	}, bearer(access))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status change = %d, want 403", rr.Code)
	}
}

func TestAdminEndpointsWithGrant(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "admin@example.com", "password": "correct horse battery",
	}, nil)
	admin, err := f.users.FindByEmail(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if err := f.users.UpdateAccess(ctx, admin.ID, nil, []string{"user.*", "role.*"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	access, _, _ := f.login(t, "admin@example.com", "correct horse battery")

	rr := f.do(t, http.MethodPost, "/v1/roles", map[string]any{
		"name":        "auditor",
		"description": "read-only access",
		"permissions": []string{"doc.read"},
	}, bearer(access))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create role status = %d body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/v1/roles/auditor", nil, bearer(access))
	if rr.Code != http.StatusOK {
		t.Fatalf("get role status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/roles", nil, bearer(access))
	if rr.Code != http.StatusOK {
		t.Fatalf("list roles status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/v1/roles/auditor", nil, bearer(access))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete role status = %d", rr.Code)
	}
}

func TestUserCanReadOwnRecordOnly(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "bob@example.com", "password": "correct horse battery",
	}, nil)
	aliceAccess, _, aliceID := f.login(t, "alice@example.com", "correct horse battery")
	_, _, bobID := f.login(t, "bob@example.com", "correct horse battery")

	rr := f.do(t, http.MethodGet, "/v1/users/"+aliceID, nil, bearer(aliceAccess))
	if rr.Code != http.StatusOK {
		t.Fatalf("own record status = %d", rr.Code)
	}
	var view userView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Email != "alice@example.com" {
		t.Fatalf("email = %q", view.Email)
	}
	// No secret material in the response body.
	if bytes.Contains(rr.Body.Bytes(), []byte("argon2id")) {
		t.Fatalf("password hash leaked: %s", rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/v1/users/"+bobID, nil, bearer(aliceAccess))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign record status = %d, want 403", rr.Code)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	_, refresh, _ := f.login(t, "alice@example.com", "correct horse battery")

	rr := f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body %s", rr.Code, rr.Body.String())
	}

	// Replay of the consumed token is a 401.
	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rr.Code)
	}
}

func TestAuthzCheckEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	access, _, userID := f.login(t, "alice@example.com", "correct horse battery")

	check := func(body map[string]any) map[string]any {
		rr := f.do(t, http.MethodPost, "/v1/authz/check", body, bearer(access))
		if rr.Code != http.StatusOK {
			t.Fatalf("check status = %d body %s", rr.Code, rr.Body.String())
		}
		var out map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	out := check(map[string]any{
		"action":   "delete",
		"resource": map[string]any{"type": "doc", "id": "d1"},
	})
	if out["allowed"] != false {
		t.Fatalf("unowned delete allowed: %v", out)
	}

	out = check(map[string]any{
		"action":   "delete",
		"resource": map[string]any{"type": "doc", "id": "d2", "owner_id": userID},
	})
	if out["allowed"] != true || out["rule"] != "owner" {
		t.Fatalf("owner delete denied: %v", out)
	}
}

func TestSessionCookieAuthenticates(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	rr := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d", rr.Code)
	}
	var sessionValue string
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			sessionValue = c.Value
			if !c.HttpOnly || !c.Secure {
				t.Fatalf("cookie flags: httponly=%v secure=%v", c.HttpOnly, c.Secure)
			}
		}
	}
	if sessionValue == "" {
		t.Fatalf("no session cookie set")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout_all", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionValue})
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cookie-authenticated call status = %d", rec.Code)
	}

	// The session died with logout_all.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/auth/logout_all", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionValue})
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status = %d, want 401", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/auth/login", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestLockedAccountIs423(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	for i := 0; i < 5; i++ {
		rr := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": "alice@example.com", "password": fmt.Sprintf("wrong-%d", i),
		}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, rr.Code)
		}
	}
	rr := f.do(t, http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "alice@example.com", "password": "correct horse battery",
	}, nil)
	if rr.Code != http.StatusLocked {
		t.Fatalf("locked status = %d, want 423", rr.Code)
	}
}
