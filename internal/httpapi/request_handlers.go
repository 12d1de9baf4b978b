package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vms.org/internal/audit"
	"vms.org/internal/identity"
	"vms.org/internal/validation"
	"vms.org/internal/visitor"
)

type decisionRequest struct {
	Decision string `json:"decision"`
}

type requestListResponse struct {
	Items []visitor.Request `json:"items"`
}

func (a *API) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var d visitor.Details
	if err := decodeJSON(w, r, &d); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, _ := currentUser(r.Context())
	req, err := a.workflow.Submit(r.Context(), u.ID, d)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "visitor.request.submitted", map[string]any{
		"request_id_ref":  req.ID,
		"office_of_visit": req.MainVisitor.OfficeOfVisit,
	})
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) handleListOwnRequests(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	items, err := a.requests.ListByRequester(r.Context(), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestListResponse{Items: nonNil(items)})
}

func (a *API) handleRequestStats(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	stats, err := a.requests.Stats(r.Context(), u.ID, a.now())
	if err != nil {
		handleError(w, r, err)
		return
	}
	stats.Daily = nonNil(stats.Daily)
	stats.Monthly = nonNil(stats.Monthly)
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	requestID := chi.URLParam(r, "requestID")
	if err := a.workflow.Cancel(r.Context(), requestID, u.ID); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "visitor.request.cancelled", map[string]any{
		"request_id_ref": requestID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleListOfficeRequests lists requests for the caller's office. Subadmins
// always see their assigned office; a superadmin names one with ?office=.
func (a *API) handleListOfficeRequests(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	q := r.URL.Query()

	office := u.AssignedOffice
	if u.Role == identity.RoleSuperadmin {
		office = strings.TrimSpace(q.Get("office"))
	}
	var status visitor.Status
	v := validation.Violations{}
	validation.Required("office", office, v)
	if raw := q.Get("status"); raw != "" {
		parsed, ok := visitor.ParseStatus(raw)
		if !ok {
			v.Add("status", "must be pending, approved or rejected")
		}
		status = parsed
	}
	if err := v.Err(); err != nil {
		handleError(w, r, err)
		return
	}

	items, err := a.requests.ListByOffice(r.Context(), office, status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestListResponse{Items: nonNil(items)})
}

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v := validation.Violations{}
	validation.Required("decision", body.Decision, v)
	validation.OneOf("decision", body.Decision, []string{string(visitor.StatusApproved), string(visitor.StatusRejected)}, v)
	if err := v.Err(); err != nil {
		handleError(w, r, err)
		return
	}

	u, _ := currentUser(r.Context())
	requestID := chi.URLParam(r, "requestID")
	req, err := a.workflow.Decide(r.Context(), requestID, u.ID, visitor.Status(body.Decision))
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "visitor.request.decided", map[string]any{
		"request_id_ref": req.ID,
		"decision":       string(req.Status),
	})
	writeJSON(w, http.StatusOK, req)
}
