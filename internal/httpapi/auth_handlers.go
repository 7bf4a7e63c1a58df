package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sentra.org/internal/authz"
	"sentra.org/internal/gateway"
	"sentra.org/internal/password"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type mfaRequest struct {
	Challenge string `json:"challenge"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	UserID       string             `json:"user_id"`
	MFARequired  bool               `json:"mfa_required,omitempty"`
	MFAChallenge string             `json:"mfa_challenge,omitempty"`
	Tokens       *tokenPairResponse `json:"tokens,omitempty"`
}

func pairResponse(pair token.Pair) *tokenPairResponse {
	return &tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.gw.Register(r.Context(), req.Email, req.Password, nil)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gw.Login(r.Context(), req.Email, req.Password, requestMetadata(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	a.writeLoginResult(w, res)
}

func (a *API) handleCompleteMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req mfaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gw.CompleteMFA(r.Context(), req.Challenge, req.Code, requestMetadata(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	a.writeLoginResult(w, res)
}

func (a *API) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	secret, url, err := a.gw.EnrollTOTP(r.Context(), principal.ID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret": secret,
		"url":    url,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.gw.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		if err := a.gw.Logout(r.Context(), cookie.Value); err != nil {
			writeError(w, r, http.StatusInternalServerError, "logout failed")
			return
		}
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.gw.LogoutAll(r.Context(), principal.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gw.ChangePassword(r.Context(), principal.ID, req.OldPassword, req.NewPassword); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	state, err := a.gw.BeginOAuth(r.Context(), r.URL.Query().Get("redirect_uri"))
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "oauth is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, r, http.StatusBadRequest, "state and code are required")
		return
	}
	res, err := a.gw.CompleteOAuth(r.Context(), state, code, requestMetadata(r))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	a.writeLoginResult(w, res)
}

type authzCheckRequest struct {
	Action   string            `json:"action"`
	Resource authz.Resource    `json:"resource"`
	Env      map[string]string `json:"env"`
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	decision, err := a.gw.Authorize(r.Context(), principal, req.Action, req.Resource, req.Env)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": decision.Effect == authz.Allow,
		"rule":    decision.Rule,
	})
}

func (a *API) writeLoginResult(w http.ResponseWriter, res *gateway.LoginResult) {
	if res.MFAChallenge != "" {
		writeJSON(w, http.StatusOK, loginResponse{
			UserID:       res.UserID,
			MFARequired:  true,
			MFAChallenge: res.MFAChallenge,
		})
		return
	}
	setSessionCookie(w, res.SessionID, res.Tokens.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		UserID: res.UserID,
		Tokens: pairResponse(res.Tokens),
	})
}

// handleAuthError maps gateway errors onto status codes: credential
// failures are 401, denied authorization is 403, lockout is 423,
// upstream trouble is 502. The body never says which login step failed.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, gateway.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, gateway.ErrInvalidCredentials),
		errors.Is(err, token.ErrInvalid),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrSignature),
		errors.Is(err, token.ErrRevoked),
		errors.Is(err, session.ErrInvalid),
		errors.Is(err, session.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, gateway.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account temporarily locked")
	case errors.Is(err, gateway.ErrUpstream):
		writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
	case errors.Is(err, password.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, "password does not meet the policy")
	case isConflict(err):
		writeError(w, r, http.StatusConflict, "already exists")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func requestMetadata(r *http.Request) session.Metadata {
	return session.Metadata{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func setSessionCookie(w http.ResponseWriter, sessionID string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
