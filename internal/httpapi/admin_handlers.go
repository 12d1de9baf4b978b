package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vms.org/internal/audit"
	"vms.org/internal/identity"
)

type userListResponse struct {
	Items []identity.User `json:"items"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	status := identity.StatusPending
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := identity.ParseStatus(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "status must be pending, approved or rejected")
			return
		}
		status = parsed
	}
	users, err := a.identity.ListByStatus(r.Context(), status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userListResponse{Items: nonNil(users)})
}

func (a *API) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	a.transitionUser(w, r, "identity.user.approved", a.identity.Approve)
}

func (a *API) handleRejectUser(w http.ResponseWriter, r *http.Request) {
	a.transitionUser(w, r, "identity.user.rejected", a.identity.Reject)
}

func (a *API) transitionUser(w http.ResponseWriter, r *http.Request, event string, apply func(ctx context.Context, userID string) (identity.User, error)) {
	userID := chi.URLParam(r, "userID")
	u, err := apply(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"target_user_id": u.ID,
		"target_role":    string(u.Role),
	})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := a.identity.Delete(r.Context(), userID); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "identity.user.deleted", map[string]any{
		"target_user_id": userID,
	})
	w.WriteHeader(http.StatusNoContent)
}
