package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vms.org/internal/notify"
)

type notificationListResponse struct {
	Items []notify.Notification `json:"items"`
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	items, err := a.notifications.ListFor(r.Context(), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationListResponse{Items: nonNil(items)})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	n, err := a.notifications.UnreadCount(r.Context(), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	n, err := a.notifications.MarkRead(r.Context(), chi.URLParam(r, "notificationID"), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	n, err := a.notifications.MarkAllRead(r.Context(), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}
