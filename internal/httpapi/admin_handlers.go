package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/authz"
	"sentra.org/internal/credstore"
)

type updateAccessRequest struct {
	Roles  []string `json:"roles"`
	Grants []string `json:"grants"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type upsertRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// userView strips the secrets from a credential record before it leaves
// the service. The password hash and MFA secret never appear on the wire.
type userView struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Roles          []string  `json:"roles"`
	Grants         []string  `json:"grants"`
	Status         string    `json:"status"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	MFAEnrolled    bool      `json:"mfa_enrolled"`
	Provider       string    `json:"provider,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(u *credstore.User) userView {
	return userView{
		ID:             u.ID,
		Email:          u.Email,
		Roles:          u.Roles,
		Grants:         u.Grants,
		Status:         u.Status,
		FailedAttempts: u.FailedAttempts,
		LockedUntil:    u.LockedUntil,
		MFAEnrolled:    u.MFASecret != "",
		Provider:       u.Provider,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleUserGet(w, r, userID)
	case len(parts) == 2 && parts[1] == "access":
		a.handleUserAccess(w, r, userID)
	case len(parts) == 2 && parts[1] == "status":
		a.handleUserStatus(w, r, userID)
	case len(parts) == 2 && parts[1] == "unlock":
		a.handleUserUnlock(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleUserGet lets anyone read their own record; reading someone
// else's requires the user.read permission (or an admin grant).
func (a *API) handleUserGet(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, "read", authz.Resource{Type: "user", ID: userID, OwnerID: userID}) {
		return
	}
	user, err := a.users.FindByID(r.Context(), userID)
	if err != nil {
		a.handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func (a *API) handleUserAccess(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, "manage", authz.Resource{Type: "user", ID: userID}) {
		return
	}
	var req updateAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.users.UpdateAccess(r.Context(), userID, req.Roles, req.Grants); err != nil {
		a.handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.access_updated", map[string]any{
		"target_user_id": userID,
		"roles":          req.Roles,
		"grants":         req.Grants,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, "manage", authz.Resource{Type: "user", ID: userID}) {
		return
	}
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.users.SetStatus(r.Context(), userID, req.Status); err != nil {
		a.handleStoreError(w, r, err)
		return
	}
	// Disabling an account revokes everything it holds.
	if req.Status == credstore.StatusDisabled {
		if err := a.gw.LogoutAll(r.Context(), userID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "revocation failed")
			return
		}
	}
	_ = audit.LogEvent(r.Context(), "admin.user.status_changed", map[string]any{
		"target_user_id": userID,
		"status":         req.Status,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserUnlock(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, "manage", authz.Resource{Type: "user", ID: userID}) {
		return
	}
	if err := a.users.Unlock(r.Context(), userID); err != nil {
		a.handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.unlocked", map[string]any{
		"target_user_id": userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "read", authz.Resource{Type: "role"}) {
			return
		}
		roles, err := a.roles.List(r.Context())
		if err != nil {
			a.handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, "manage", authz.Resource{Type: "role"}) {
			return
		}
		var req upsertRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role := &credstore.Role{
			Name:        req.Name,
			Description: req.Description,
			Permissions: req.Permissions,
		}
		if err := a.roles.Upsert(r.Context(), role); err != nil {
			a.handleStoreError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.role.upserted", map[string]any{
			"role":        role.Name,
			"permissions": role.Permissions,
		})
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, "read", authz.Resource{Type: "role", ID: name}) {
			return
		}
		role, err := a.roles.Find(r.Context(), name)
		if err != nil {
			a.handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, "manage", authz.Resource{Type: "role", ID: name}) {
			return
		}
		if err := a.roles.Delete(r.Context(), name); err != nil {
			a.handleStoreError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.role.deleted", map[string]any{"role": name})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, credstore.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, credstore.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func isConflict(err error) bool {
	return errors.Is(err, credstore.ErrAlreadyExists)
}
