package planlocksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planlock HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Verdict is the outcome of a single lock check.
type Verdict struct {
	IsLocked      bool             `json:"is_locked"`
	Reason        string           `json:"reason,omitempty"`
	MatchedRuleID *int64           `json:"matched_rule_id,omitempty"`
	ScopeType     string           `json:"scope_type,omitempty"`
	Considered    []ConsideredRule `json:"considered_rules,omitempty"`
}

// ConsideredRule is one active rule in evaluation order, present only when
// the check asked for debug output.
type ConsideredRule struct {
	ID        int64  `json:"id"`
	ScopeType string `json:"scope_type"`
	Malformed bool   `json:"malformed,omitempty"`
}

// FieldCheck identifies one field to evaluate.
type FieldCheck struct {
	FieldType string `json:"field_type"`
	EntityID  int64  `json:"entity_id"`
	UserID    int64  `json:"user_id"`
	Period    string `json:"period,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

// BatchCheckItem is one result of a batch evaluation, in request order.
type BatchCheckItem struct {
	FieldType string  `json:"field_type"`
	EntityID  int64   `json:"entity_id"`
	Verdict   Verdict `json:"verdict"`
	Error     string  `json:"error,omitempty"`
}

// LockRuleCreate is the payload for creating a rule.
type LockRuleCreate struct {
	ScopeType string `json:"scope_type"`

	UserScope      string   `json:"user_scope,omitempty"`
	KPIScope       string   `json:"kpi_scope,omitempty"`
	ObjectiveScope string   `json:"objective_scope,omitempty"`
	UserIDs        []int64  `json:"user_ids,omitempty"`
	KPIIDs         []string `json:"kpi_ids,omitempty"`
	ObjectiveIDs   []int64  `json:"objective_ids,omitempty"`

	LockAnnualTarget    bool `json:"lock_annual_target,omitempty"`
	LockMonthlyTarget   bool `json:"lock_monthly_target,omitempty"`
	LockMonthlyActual   bool `json:"lock_monthly_actual,omitempty"`
	LockAllOtherFields  bool `json:"lock_all_other_fields,omitempty"`
	LockAddObjective    bool `json:"lock_add_objective,omitempty"`
	LockDeleteObjective bool `json:"lock_delete_objective,omitempty"`

	LockTypes             []string `json:"lock_types,omitempty"`
	KPI                   string   `json:"kpi,omitempty"`
	DepartmentID          *int64   `json:"department_id,omitempty"`
	DepartmentObjectiveID *int64   `json:"department_objective_id,omitempty"`

	ExcludeAnnualTarget  bool `json:"exclude_annual_target,omitempty"`
	ExcludeMonthlyTarget bool `json:"exclude_monthly_target,omitempty"`
	ExcludeMonthlyActual bool `json:"exclude_monthly_actual,omitempty"`

	Description string `json:"description,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

// LockRule is the API rule model as returned by the server.
type LockRule struct {
	ID        int64  `json:"id"`
	ScopeType string `json:"scope_type"`
	IsActive  bool   `json:"is_active"`

	UserScope      string   `json:"user_scope,omitempty"`
	KPIScope       string   `json:"kpi_scope,omitempty"`
	ObjectiveScope string   `json:"objective_scope,omitempty"`
	UserIDs        []int64  `json:"user_ids,omitempty"`
	KPIIDs         []string `json:"kpi_ids,omitempty"`
	ObjectiveIDs   []int64  `json:"objective_ids,omitempty"`

	LockAnnualTarget    bool `json:"lock_annual_target"`
	LockMonthlyTarget   bool `json:"lock_monthly_target"`
	LockMonthlyActual   bool `json:"lock_monthly_actual"`
	LockAllOtherFields  bool `json:"lock_all_other_fields"`
	LockAddObjective    bool `json:"lock_add_objective"`
	LockDeleteObjective bool `json:"lock_delete_objective"`

	LockTypes             []string `json:"lock_types,omitempty"`
	KPI                   string   `json:"kpi,omitempty"`
	DepartmentID          *int64   `json:"department_id,omitempty"`
	DepartmentObjectiveID *int64   `json:"department_objective_id,omitempty"`

	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Malformed   bool   `json:"malformed,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedLockRules wraps rule listings with cursors.
type PaginatedLockRules struct {
	Items      []LockRule `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CheckField evaluates whether a single field is locked.
func (c *Client) CheckField(ctx context.Context, check FieldCheck) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "checks/field", check, &resp)
	return resp, err
}

// CheckBatch evaluates many fields in one round trip. Results come back
// in request order.
func (c *Client) CheckBatch(ctx context.Context, checks []FieldCheck) ([]BatchCheckItem, error) {
	body := map[string]any{"checks": checks}
	var resp struct {
		Results []BatchCheckItem `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "checks/batch", body, &resp)
	return resp.Results, err
}

// CheckOperation evaluates a structural operation such as adding or
// deleting an objective.
func (c *Client) CheckOperation(ctx context.Context, operation, kpi string, groupID, userID int64) (Verdict, error) {
	body := map[string]any{
		"operation": operation,
		"user_id":   userID,
	}
	if kpi != "" {
		body["kpi"] = kpi
	}
	if groupID != 0 {
		body["group_id"] = groupID
	}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "checks/operation", body, &resp)
	return resp, err
}

// CreateLockRule creates a lock rule.
func (c *Client) CreateLockRule(ctx context.Context, rule LockRuleCreate) (LockRule, error) {
	var resp LockRule
	err := c.do(ctx, http.MethodPost, "lock-rules", rule, &resp)
	return resp, err
}

// GetLockRule fetches a rule by id.
func (c *Client) GetLockRule(ctx context.Context, id int64) (LockRule, error) {
	var resp LockRule
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("lock-rules/%d", id), nil, &resp)
	return resp, err
}

// ListLockRules returns a paginated rule listing. scopeType is optional.
func (c *Client) ListLockRules(ctx context.Context, scopeType string, limit int, cursor string) (PaginatedLockRules, error) {
	q := url.Values{}
	if scopeType != "" {
		q.Set("scope_type", scopeType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "lock-rules"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedLockRules
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeactivateLockRule turns a rule off without deleting it.
func (c *Client) DeactivateLockRule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("lock-rules/%d/deactivate", id), nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + c.path(endpoint)
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "api/v1"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
