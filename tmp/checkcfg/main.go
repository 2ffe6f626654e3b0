package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/engine"
	"planlock/internal/migrate"
	"planlock/internal/server"
)

func main() {
	workspace := "/tmp/planlock-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("planlock")
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	e := engine.New(conn, cfg)
	h, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth:     server.AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	dept := post(ts.URL, "/api/v1/departments", map[string]any{"name": "Engineering"})
	deptID := int64(dept["id"].(float64))
	post(ts.URL, "/api/v1/users", map[string]any{
		"name": "Alice", "email": "alice@example.com", "department_id": deptID,
	})
	obj := post(ts.URL, "/api/v1/objectives", map[string]any{
		"department_id": deptID,
		"name":          "Ship v2",
		"kpis":          []string{"delivery"},
		"measurement":   "Direct",
		"user_id":       1,
	})
	objID := int64(obj["id"].(float64))
	post(ts.URL, "/api/v1/lock-rules", map[string]any{
		"scope_type": "specific_users",
		"user_ids":   []int64{1},
		"lock_types": []string{"target"},
	})
	verdict := post(ts.URL, "/api/v1/checks/field", map[string]any{
		"field_type": "annual_target",
		"entity_id":  objID,
		"user_id":    1,
	})
	fmt.Printf("verdict=%v\n", verdict)
}

func post(base, path string, body map[string]any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp map[string]any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	if res.StatusCode >= 300 {
		panic(fmt.Sprintf("POST %s: status=%d resp=%v", path, res.StatusCode, resp))
	}
	return resp
}
