package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"vms.org/internal/auth"
	"vms.org/internal/identity"
	"vms.org/internal/notify"
	"vms.org/internal/stream"
	"vms.org/internal/visitor"
	"vms.org/internal/workflow"
)

const (
	superServiceNumber = "SA-001"
	superPassword      = "super-secret-pass"
)

var fixedNow = time.Date(2024, time.September, 25, 9, 0, 0, 0, time.UTC)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	issuer, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	requestStore := visitor.NewMemoryStore()
	notifications := notify.NewMemoryStore()
	identities := identity.NewService(identity.NewMemoryStore(), issuer, identity.WithReferrers(requestStore, notifications))
	requests := visitor.NewService(requestStore)
	hub := stream.NewHub()
	dispatcher := notify.NewDispatcher(notifications, identities, notify.WithPusher(hub))
	engine := workflow.New(identities, requests, workflow.WithSink("notify", dispatcher))

	if _, _, err := identities.EnsureSuperAdmin(context.Background(), identity.SuperAdmin{
		ServiceNumber: superServiceNumber,
		Password:      superPassword,
	}); err != nil {
		t.Fatalf("ensure superadmin: %v", err)
	}

	api := New(Services{
		Identity:      identities,
		Requests:      requests,
		Workflow:      engine,
		Notifications: dispatcher,
		Hub:           hub,
	}, ReadyProbe{}, "test",
		WithRateLimit(1000, 1000),
		WithLoginLimit(100, time.Minute),
		WithKeepAlive(50*time.Millisecond),
		WithClock(func() time.Time { return fixedNow }),
	)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func decodeBody[T any](t *testing.T, resp *http.Response, want int) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, data)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %T: %v (%s)", out, err, data)
		}
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	return decodeBody[map[string]any](t, resp, want)
}

func (c *apiClient) login(serviceNumber, password string) sessionResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", loginRequest{ServiceNumber: serviceNumber, Password: password}, "")
	return decodeBody[sessionResponse](c.t, resp, http.StatusOK)
}

func (c *apiClient) superToken() string {
	c.t.Helper()
	return c.login(superServiceNumber, superPassword).AccessToken
}

// register signs up, approves through the admin API and logs in.
func (c *apiClient) register(serviceNumber string, role identity.Role, office string) (identity.User, string) {
	c.t.Helper()
	in := identity.SignupInput{
		FullName:      "User " + serviceNumber,
		ServiceNumber: serviceNumber,
		Email:         strings.ToLower(serviceNumber) + "@example.org",
		Password:      "password-" + serviceNumber,
		Role:          role,
	}
	if role == identity.RoleSubadmin {
		in.AssignedOffice = office
	} else {
		in.Office = office
	}
	u := decodeBody[identity.User](c.t, c.post("/v1/auth/signup", in, ""), http.StatusCreated)
	decodeBody[identity.User](c.t, c.post("/v1/admin/users/"+u.ID+"/approve", nil, c.superToken()), http.StatusOK)
	session := c.login(serviceNumber, in.Password)
	return session.User, session.AccessToken
}

func johnDoe() visitor.Details {
	return visitor.Details{MainVisitor: visitor.MainVisitor{
		Title:         "Mr",
		Name:          "John Doe",
		Gender:        visitor.GenderMale,
		Phone:         "08011112222",
		Purpose:       "OFFICIAL",
		OfficeOfVisit: "HR",
		VisitDate:     "2024-09-20",
		VisitTime:     "10:00",
	}}
}

func TestHealthReadyInfo(t *testing.T) {
	c := newTestAPI(t)

	body := expectStatus(t, c.get("/healthz", nil, ""), http.StatusOK)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	expectStatus(t, c.get("/readyz", nil, ""), http.StatusOK)
	info := expectStatus(t, c.get("/v1/info", nil, ""), http.StatusOK)
	if info["name"] != serviceName {
		t.Fatalf("unexpected info: %v", info)
	}

	resp := c.get("/metrics", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}

	notFound := expectStatus(t, c.get("/nope", nil, ""), http.StatusNotFound)
	if notFound["request_id"] == nil {
		t.Fatalf("expected request_id in error body: %v", notFound)
	}
}

func TestSignupApprovalAndLogin(t *testing.T) {
	c := newTestAPI(t)

	in := identity.SignupInput{
		FullName:      "Ada Office",
		ServiceNumber: "OF-100",
		Email:         "ada@example.org",
		Password:      "correct horse",
		Role:          identity.RoleOffice,
		Office:        "Finance",
	}
	u := decodeBody[identity.User](t, c.post("/v1/auth/signup", in, ""), http.StatusCreated)
	if u.Status != identity.StatusPending || u.Office != "Finance" {
		t.Fatalf("unexpected signup result: %+v", u)
	}

	expectStatus(t, c.post("/v1/auth/signup", in, ""), http.StatusConflict)
	expectStatus(t, c.post("/v1/auth/login", loginRequest{ServiceNumber: "OF-100", Password: "correct horse"}, ""), http.StatusForbidden)
	expectStatus(t, c.post("/v1/auth/login", loginRequest{ServiceNumber: "OF-100", Password: "wrong"}, ""), http.StatusUnauthorized)

	super := c.superToken()
	pending := decodeBody[userListResponse](t, c.get("/v1/admin/users", nil, super), http.StatusOK)
	if len(pending.Items) != 1 || pending.Items[0].ID != u.ID {
		t.Fatalf("expected one pending user, got %+v", pending.Items)
	}
	expectStatus(t, c.get("/v1/admin/users", url.Values{"status": {"bogus"}}, super), http.StatusBadRequest)

	approved := decodeBody[identity.User](t, c.post("/v1/admin/users/"+u.ID+"/approve", nil, super), http.StatusOK)
	if approved.Status != identity.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	expectStatus(t, c.post("/v1/admin/users/"+u.ID+"/reject", nil, super), http.StatusConflict)
	expectStatus(t, c.post("/v1/admin/users/missing/approve", nil, super), http.StatusNotFound)

	session := c.login("OF-100", "correct horse")
	if session.AccessToken == "" || session.RefreshToken == "" || session.User.ID != u.ID {
		t.Fatalf("unexpected session: %+v", session)
	}
	me := decodeBody[identity.User](t, c.get("/v1/me", nil, session.AccessToken), http.StatusOK)
	if me.ServiceNumber != "OF-100" {
		t.Fatalf("unexpected me: %+v", me)
	}

	updated := decodeBody[identity.User](t, c.do(http.MethodPut, "/v1/me", profileRequest{FullName: "Ada L.", Email: "ada.l@example.org"}, session.AccessToken), http.StatusOK)
	if updated.FullName != "Ada L." || updated.Email != "ada.l@example.org" {
		t.Fatalf("profile not updated: %+v", updated)
	}

	expectStatus(t, c.get("/v1/admin/users", nil, session.AccessToken), http.StatusForbidden)
}

func TestSignupValidationListsFields(t *testing.T) {
	c := newTestAPI(t)
	body := expectStatus(t, c.post("/v1/auth/signup", identity.SignupInput{Role: identity.RoleOffice}, ""), http.StatusBadRequest)
	fields, _ := body["fields"].([]any)
	want := map[string]bool{"full_name": true, "service_number": true, "email": true, "password": true, "office": true}
	for _, f := range fields {
		delete(want, f.(string))
	}
	if len(want) != 0 {
		t.Fatalf("missing violations %v in %v", want, body)
	}
}

func TestVisitorRequestLifecycle(t *testing.T) {
	c := newTestAPI(t)
	office, officeToken := c.register("OF-1", identity.RoleOffice, "Finance")
	_, hrToken := c.register("SUB-HR", identity.RoleSubadmin, "HR")
	_, itToken := c.register("SUB-IT", identity.RoleSubadmin, "IT")

	req := decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), officeToken), http.StatusCreated)
	if req.Status != visitor.StatusPending || req.RequesterID != office.ID {
		t.Fatalf("unexpected request: %+v", req)
	}

	hrInbox := decodeBody[notificationListResponse](t, c.get("/v1/notifications", nil, hrToken), http.StatusOK)
	if len(hrInbox.Items) != 1 || hrInbox.Items[0].Type != notify.TypeInfo || hrInbox.Items[0].VisitorRequestID != req.ID {
		t.Fatalf("expected NEW_REQUEST notification for HR subadmin, got %+v", hrInbox.Items)
	}
	itInbox := decodeBody[notificationListResponse](t, c.get("/v1/notifications", nil, itToken), http.StatusOK)
	if len(itInbox.Items) != 0 {
		t.Fatalf("IT subadmin must not be notified: %+v", itInbox.Items)
	}

	queue := decodeBody[requestListResponse](t, c.get("/v1/office/visitor-requests", url.Values{"status": {"pending"}}, hrToken), http.StatusOK)
	if len(queue.Items) != 1 || queue.Items[0].ID != req.ID {
		t.Fatalf("unexpected HR queue: %+v", queue.Items)
	}

	decisionPath := "/v1/visitor-requests/" + req.ID + "/decision"
	expectStatus(t, c.post(decisionPath, decisionRequest{Decision: "approved"}, itToken), http.StatusForbidden)
	expectStatus(t, c.post(decisionPath, decisionRequest{Decision: "approved"}, officeToken), http.StatusForbidden)
	expectStatus(t, c.post(decisionPath, decisionRequest{Decision: "pending"}, hrToken), http.StatusBadRequest)

	decided := decodeBody[visitor.Request](t, c.post(decisionPath, decisionRequest{Decision: "approved"}, hrToken), http.StatusOK)
	if decided.Status != visitor.StatusApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}

	inbox := decodeBody[notificationListResponse](t, c.get("/v1/notifications", nil, officeToken), http.StatusOK)
	if len(inbox.Items) != 1 {
		t.Fatalf("expected one decision notification, got %+v", inbox.Items)
	}
	n := inbox.Items[0]
	if n.Type != notify.TypeSuccess || !strings.Contains(n.Message, "John Doe") || !strings.Contains(n.Message, "approved") {
		t.Fatalf("unexpected decision notification: %+v", n)
	}

	// retry with the same outcome is accepted and does not notify again
	decodeBody[visitor.Request](t, c.post(decisionPath, decisionRequest{Decision: "approved"}, hrToken), http.StatusOK)
	expectStatus(t, c.post(decisionPath, decisionRequest{Decision: "rejected"}, hrToken), http.StatusConflict)

	inbox = decodeBody[notificationListResponse](t, c.get("/v1/notifications", nil, officeToken), http.StatusOK)
	if len(inbox.Items) != 1 {
		t.Fatalf("retry must not double notify, got %d notifications", len(inbox.Items))
	}

	own := decodeBody[requestListResponse](t, c.get("/v1/visitor-requests", nil, officeToken), http.StatusOK)
	if len(own.Items) != 1 || own.Items[0].Status != visitor.StatusApproved {
		t.Fatalf("unexpected own list: %+v", own.Items)
	}

	stats := decodeBody[visitor.Stats](t, c.get("/v1/visitor-requests/stats", nil, officeToken), http.StatusOK)
	if len(stats.Daily) != 1 || stats.Daily[0].Date != "2024-09-20" || stats.Daily[0].Count != 1 {
		t.Fatalf("unexpected daily stats: %+v", stats.Daily)
	}
	if len(stats.Monthly) != 1 || stats.Monthly[0].Month != "September 2024" {
		t.Fatalf("unexpected monthly stats: %+v", stats.Monthly)
	}

	expectStatus(t, c.post("/v1/visitor-requests/missing/decision", decisionRequest{Decision: "approved"}, hrToken), http.StatusNotFound)
}

func TestSubmitValidationNamesEveryMissingField(t *testing.T) {
	c := newTestAPI(t)
	_, token := c.register("OF-2", identity.RoleOffice, "Finance")

	body := expectStatus(t, c.post("/v1/visitor-requests", visitor.Details{}, token), http.StatusBadRequest)
	fields, _ := body["fields"].([]any)
	got := make([]string, 0, len(fields))
	for _, f := range fields {
		got = append(got, f.(string))
	}
	want := "gender,name,office_of_visit,phone,purpose,title,visit_date,visit_time"
	if strings.Join(got, ",") != want {
		t.Fatalf("fields = %v, want %s", got, want)
	}

	expectStatus(t, c.post("/v1/visitor-requests", map[string]any{"unknown": true}, token), http.StatusBadRequest)
}

func TestCancelOwnership(t *testing.T) {
	c := newTestAPI(t)
	_, ownerToken := c.register("OF-3", identity.RoleOffice, "Finance")
	_, otherToken := c.register("OF-4", identity.RoleOffice, "Legal")
	_, hrToken := c.register("SUB-HR2", identity.RoleSubadmin, "HR")

	pending := decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), ownerToken), http.StatusCreated)
	expectStatus(t, c.do(http.MethodDelete, "/v1/visitor-requests/"+pending.ID, nil, otherToken), http.StatusForbidden)

	resp := c.do(http.MethodDelete, "/v1/visitor-requests/"+pending.ID, nil, ownerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectStatus(t, c.do(http.MethodDelete, "/v1/visitor-requests/"+pending.ID, nil, ownerToken), http.StatusNotFound)

	decided := decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), ownerToken), http.StatusCreated)
	decodeBody[visitor.Request](t, c.post("/v1/visitor-requests/"+decided.ID+"/decision", decisionRequest{Decision: "rejected"}, hrToken), http.StatusOK)
	expectStatus(t, c.do(http.MethodDelete, "/v1/visitor-requests/"+decided.ID, nil, otherToken), http.StatusForbidden)
	expectStatus(t, c.do(http.MethodDelete, "/v1/visitor-requests/"+decided.ID, nil, ownerToken), http.StatusConflict)
}

func TestAuthenticationRequired(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.get("/v1/visitor-requests", nil, ""), http.StatusUnauthorized)
	expectStatus(t, c.get("/v1/notifications", nil, "garbage"), http.StatusUnauthorized)
	expectStatus(t, c.get("/v1/me", nil, ""), http.StatusUnauthorized)
}

func TestDeletedUserTokenRejected(t *testing.T) {
	c := newTestAPI(t)
	u, token := c.register("OF-5", identity.RoleOffice, "Finance")

	resp := c.do(http.MethodDelete, "/v1/admin/users/"+u.ID, nil, c.superToken())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectStatus(t, c.get("/v1/me", nil, token), http.StatusUnauthorized)
}

func TestDeleteUserWithHistoryConflicts(t *testing.T) {
	c := newTestAPI(t)
	office, officeToken := c.register("OF-7", identity.RoleOffice, "Finance")
	decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), officeToken), http.StatusCreated)

	expectStatus(t, c.do(http.MethodDelete, "/v1/admin/users/"+office.ID, nil, c.superToken()), http.StatusConflict)
	list := decodeBody[requestListResponse](t, c.get("/v1/visitor-requests", nil, officeToken), http.StatusOK)
	if len(list.Items) != 1 {
		t.Fatalf("request history changed: %d items", len(list.Items))
	}
}

func TestRefreshRotationAndLogout(t *testing.T) {
	c := newTestAPI(t)
	_, _ = c.register("OF-6", identity.RoleOffice, "Finance")
	first := c.login("OF-6", "password-OF-6")

	second := decodeBody[sessionResponse](t, c.post("/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, ""), http.StatusOK)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	expectStatus(t, c.post("/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, ""), http.StatusUnauthorized)

	resp := c.post("/v1/auth/logout", nil, second.AccessToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	expectStatus(t, c.post("/v1/auth/refresh", refreshRequest{RefreshToken: second.RefreshToken}, ""), http.StatusUnauthorized)
	expectStatus(t, c.post("/v1/auth/refresh", refreshRequest{}, ""), http.StatusBadRequest)
}

func TestNotificationReadState(t *testing.T) {
	c := newTestAPI(t)
	_, officeToken := c.register("OF-7", identity.RoleOffice, "Finance")
	_, hrToken := c.register("SUB-HR3", identity.RoleSubadmin, "HR")

	decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), officeToken), http.StatusCreated)
	second := johnDoe()
	second.MainVisitor.Name = "Jane Roe"
	decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", second, officeToken), http.StatusCreated)

	count := decodeBody[map[string]int](t, c.get("/v1/notifications/unread-count", nil, hrToken), http.StatusOK)
	if count["count"] != 2 {
		t.Fatalf("expected 2 unread, got %v", count)
	}

	inbox := decodeBody[notificationListResponse](t, c.get("/v1/notifications", nil, hrToken), http.StatusOK)
	target := inbox.Items[0].ID
	expectStatus(t, c.post("/v1/notifications/"+target+"/read", nil, officeToken), http.StatusForbidden)

	read := decodeBody[notify.Notification](t, c.post("/v1/notifications/"+target+"/read", nil, hrToken), http.StatusOK)
	if !read.Read {
		t.Fatalf("notification not marked read: %+v", read)
	}
	expectStatus(t, c.post("/v1/notifications/missing/read", nil, hrToken), http.StatusNotFound)

	updated := decodeBody[map[string]int](t, c.post("/v1/notifications/read-all", nil, hrToken), http.StatusOK)
	if updated["updated"] != 1 {
		t.Fatalf("expected 1 updated, got %v", updated)
	}
	count = decodeBody[map[string]int](t, c.get("/v1/notifications/unread-count", nil, hrToken), http.StatusOK)
	if count["count"] != 0 {
		t.Fatalf("expected 0 unread, got %v", count)
	}
}

func TestNotificationStreamDeliversLivePush(t *testing.T) {
	c := newTestAPI(t)
	_, officeToken := c.register("OF-8", identity.RoleOffice, "Finance")
	_, hrToken := c.register("SUB-HR4", identity.RoleSubadmin, "HR")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/notifications/stream?access_token="+url.QueryEscape(hrToken), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(pred func(string) bool) string {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream closed early")
				}
				if pred(line) {
					return line
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for stream line")
			}
		}
	}

	waitFor(func(l string) bool { return l == ": stream started" })
	decodeBody[visitor.Request](t, c.post("/v1/visitor-requests", johnDoe(), officeToken), http.StatusCreated)

	waitFor(func(l string) bool { return l == "event: "+notify.PushEvent })
	data := waitFor(func(l string) bool { return strings.HasPrefix(l, "data: ") })
	var n notify.Notification
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &n); err != nil {
		t.Fatalf("decode pushed notification: %v", err)
	}
	if !strings.Contains(n.Message, "John Doe") || n.Type != notify.TypeInfo {
		t.Fatalf("unexpected pushed notification: %+v", n)
	}

	waitFor(func(l string) bool { return l == ": keepalive" })
}
