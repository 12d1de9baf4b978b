package httpapi

import (
	"net/http"
	"time"

	"vms.org/internal/audit"
	"vms.org/internal/auth"
	"vms.org/internal/identity"
)

type loginRequest struct {
	ServiceNumber string `json:"service_number"`
	Password      string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type sessionResponse struct {
	User identity.User `json:"user"`
	auth.TokenPair
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in identity.SignupInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.identity.Signup(r.Context(), in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.signup", map[string]any{
		"target_user_id": u.ID,
		"target_role":    string(u.Role),
	})
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ServiceNumber == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "service_number and password are required")
		return
	}
	u, pair, err := a.identity.Authenticate(r.Context(), req.ServiceNumber, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx := auth.ContextWithUser(r.Context(), u.ID, string(u.Role))
	_ = audit.LogEvent(ctx, "identity.session.started", map[string]any{
		"expires_at": pair.RefreshExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, sessionResponse{User: u, TokenPair: pair})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	u, pair, err := a.identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: u, TokenPair: pair})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	if err := a.identity.Logout(r.Context(), u.ID); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.session.ended", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetMe(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, _ := currentUser(r.Context())
	updated, err := a.identity.UpdateProfile(r.Context(), u.ID, req.FullName, req.Email)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.profile.updated", nil)
	writeJSON(w, http.StatusOK, updated)
}
