package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(method, path, token string, body, out any) int {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (c *client) must(method, path, token string, want int, body, out any) {
	if got := c.call(method, path, token, body, out); got != want {
		log.Fatalf("%s %s: expected %d, got %d", method, path, want, got)
	}
}

type user struct {
	ID string `json:"id"`
}

type session struct {
	AccessToken string `json:"access_token"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	base := strings.TrimRight(getenv("VMS_SMOKE_URL", "http://localhost:8080"), "/")
	grpcAddr := getenv("VMS_SMOKE_GRPC_ADDR", "localhost:9090")
	superSN := os.Getenv("VMS_SUPERADMIN_SERVICE_NUMBER")
	superPW := os.Getenv("VMS_SUPERADMIN_PASSWORD")
	if superSN == "" || superPW == "" {
		log.Fatal("VMS_SUPERADMIN_SERVICE_NUMBER and VMS_SUPERADMIN_PASSWORD are required")
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	cancel()
	if err != nil || hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: status=%v err=%v", hc.GetStatus(), err)
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}
	suffix := fmt.Sprintf("%06d", rand.Intn(1_000_000))

	var super session
	c.must(http.MethodPost, "/v1/auth/login", "", http.StatusOK, map[string]string{
		"service_number": superSN, "password": superPW,
	}, &super)

	register := func(sn, role, officeKey, office string) string {
		var u user
		c.must(http.MethodPost, "/v1/auth/signup", "", http.StatusCreated, map[string]string{
			"full_name":      "Smoke " + sn,
			"service_number": sn,
			"email":          strings.ToLower(sn) + "@smoke.invalid",
			"password":       "smoke-" + sn,
			"role":           role,
			officeKey:        office,
		}, &u)
		c.must(http.MethodPost, "/v1/admin/users/"+u.ID+"/approve", super.AccessToken, http.StatusOK, nil, nil)
		var s session
		c.must(http.MethodPost, "/v1/auth/login", "", http.StatusOK, map[string]string{
			"service_number": sn, "password": "smoke-" + sn,
		}, &s)
		return s.AccessToken
	}

	office := "SMOKE-" + suffix
	requester := register("OF-"+suffix, "office", "office", "Operations")
	approver := register("SUB-"+suffix, "subadmin", "assigned_office", office)

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	c.must(http.MethodPost, "/v1/visitor-requests", requester, http.StatusCreated, map[string]any{
		"main_visitor": map[string]string{
			"title": "Mr", "name": "Smoke Visitor", "gender": "M", "phone": "08000000000",
			"purpose": "OFFICIAL", "office_of_visit": office,
			"visit_date": time.Now().UTC().Format("2006-01-02"), "visit_time": "10:00",
		},
	}, &created)
	if created.Status != "pending" {
		log.Fatalf("expected pending request, got %q", created.Status)
	}

	c.must(http.MethodPost, "/v1/visitor-requests/"+created.ID+"/decision", approver, http.StatusOK, map[string]string{"decision": "approved"}, nil)
	if got := c.call(http.MethodPost, "/v1/visitor-requests/"+created.ID+"/decision", approver, map[string]string{"decision": "rejected"}, nil); got != http.StatusConflict {
		log.Fatalf("conflicting decision: expected 409, got %d", got)
	}

	var inbox struct {
		Items []struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"items"`
	}
	c.must(http.MethodGet, "/v1/notifications", requester, http.StatusOK, nil, &inbox)
	if len(inbox.Items) == 0 || inbox.Items[0].Type != "success" {
		log.Fatalf("expected success notification, got %+v", inbox.Items)
	}

	fmt.Printf("smoke OK: request %s approved, requester notified: %q\n", created.ID, inbox.Items[0].Message)
}
