package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/engine"
	"planlock/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("planlock")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

type idBody struct {
	ID int64 `json:"id"`
}

func createPlanFixture(t *testing.T, srv *testServer) (departmentID, userID, objectiveID int64) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/departments", map[string]any{
		"name": "Engineering",
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create department: %d %s", res.StatusCode, string(data))
	}
	var dep idBody
	_ = json.Unmarshal(data, &dep)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/users", map[string]any{
		"name":          "Alice",
		"department_id": dep.ID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	var user idBody
	_ = json.Unmarshal(data, &user)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/objectives", map[string]any{
		"department_id": dep.ID,
		"name":          "Ship v2",
		"kpis":          []string{"delivery"},
		"measurement":   "Direct",
		"user_id":       user.ID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create objective: %d %s", res.StatusCode, string(data))
	}
	var obj idBody
	_ = json.Unmarshal(data, &obj)
	return dep.ID, user.ID, obj.ID
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/lock-rules", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"planner"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "alice" {
		t.Fatalf("expected actor alice, got %q", who.ActorID)
	}
}

func TestCheckFieldEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, objectiveID := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type": "specific_users",
		"user_ids":   []int64{userID},
		"lock_types": []string{"target"},
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/field", map[string]any{
		"field_type": "annual_target",
		"entity_id":  objectiveID,
		"user_id":    userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.IsLocked {
		t.Fatalf("expected locked, got %s", string(data))
	}
	if verdict.ScopeType != "specific_users" {
		t.Fatalf("expected specific_users, got %q", verdict.ScopeType)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/field", map[string]any{
		"field_type": "annual_target",
		"entity_id":  objectiveID,
		"user_id":    userID + 1000,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check other user: %d %s", res.StatusCode, string(data))
	}
	verdict = VerdictResponse{}
	_ = json.Unmarshal(data, &verdict)
	if verdict.IsLocked {
		t.Fatalf("other user should be unlocked: %s", string(data))
	}
}

func TestBatchCheckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, objectiveID := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type":         "hierarchical",
		"user_scope":         "all",
		"kpi_scope":          "all",
		"objective_scope":    "all",
		"lock_annual_target": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/batch", map[string]any{
		"checks": []map[string]any{
			{"field_type": "annual_target", "entity_id": objectiveID, "user_id": userID},
			{"field_type": "monthly_actual", "entity_id": objectiveID, "user_id": userID},
			{"field_type": "annual_target", "entity_id": 99999, "user_id": userID},
		},
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		Results []BatchCheckItemResponse `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out.Results))
	}
	if !out.Results[0].Verdict.IsLocked {
		t.Fatal("annual_target should be locked")
	}
	if out.Results[1].Verdict.IsLocked {
		t.Fatal("monthly_actual should not be locked by an annual_target rule")
	}
	if out.Results[2].Verdict.IsLocked {
		t.Fatal("unknown entity should fail open")
	}
}

func TestRuleValidationRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type": "hierarchical",
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", envelope.Error.Code)
	}
}

func TestLockedWriteRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, objectiveID := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type":         "hierarchical",
		"user_scope":         "all",
		"kpi_scope":          "all",
		"objective_scope":    "all",
		"lock_annual_target": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/v1/objectives/"+itoa(objectiveID)+"/annual-target", map[string]any{
		"value":   120,
		"user_id": userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "locked" {
		t.Fatalf("expected locked, got %q", envelope.Error.Code)
	}

	// Monthly actuals stay writable under an annual_target lock.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/api/v1/objectives/"+itoa(objectiveID)+"/monthly-values", map[string]any{
		"month":        "2026-03",
		"actual_value": 10,
		"user_id":      userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("monthly actual write: %d %s", res.StatusCode, string(data))
	}
}

func TestCheckOperationEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, _ := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type":         "hierarchical",
		"user_scope":         "all",
		"kpi_scope":          "all",
		"objective_scope":    "all",
		"lock_add_objective": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/operation", map[string]any{
		"operation": "add_objective",
		"user_id":   userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check add: %d %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.IsLocked {
		t.Fatalf("expected add_objective locked, got %s", string(data))
	}

	// The rule only gates adds; deletes stay open.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/operation", map[string]any{
		"operation": "delete_objective",
		"user_id":   userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check delete: %d %s", res.StatusCode, string(data))
	}
	verdict = VerdictResponse{}
	_ = json.Unmarshal(data, &verdict)
	if verdict.IsLocked {
		t.Fatalf("delete_objective should be unlocked: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/operation", map[string]any{
		"operation": "rename_objective",
		"user_id":   userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown operation, got %d %s", res.StatusCode, string(data))
	}
}

func TestCheckFieldDebugPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, objectiveID := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type": "all_users",
		"lock_types": []string{"target"},
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/field", map[string]any{
		"field_type": "annual_target",
		"entity_id":  objectiveID,
		"user_id":    userID,
		"debug":      true,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if len(verdict.Considered) != 1 {
		t.Fatalf("expected 1 considered rule, got %s", string(data))
	}
	if verdict.Considered[0].ScopeType != "all_users" {
		t.Fatalf("unexpected considered rule: %+v", verdict.Considered[0])
	}
}

func TestDeactivateRuleEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, userID, objectiveID := createPlanFixture(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules", map[string]any{
		"scope_type": "all_users",
		"lock_types": []string{"target"},
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}
	var rule LockRuleResponse
	_ = json.Unmarshal(data, &rule)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/lock-rules/"+itoa(rule.ID)+"/deactivate", nil, actorHeaders)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/checks/field", map[string]any{
		"field_type": "annual_target",
		"entity_id":  objectiveID,
		"user_id":    userID,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	_ = json.Unmarshal(data, &verdict)
	if verdict.IsLocked {
		t.Fatalf("deactivated rule should not lock: %s", string(data))
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
