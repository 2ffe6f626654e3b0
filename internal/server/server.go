package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/engine/auth"
	"planlock/internal/lock"
	"planlock/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"locked"`
	Message string         `json:"message" example:"locked by specific_users rule 4 for annual_target"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"rule_id\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planlock API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Planlock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerChecks(group, cfg.Engine)
	registerLockRules(group, cfg.Engine)
	registerDepartments(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerObjectives(group, cfg.Engine)
	registerLookups(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var le engine.LockedError
	if errors.As(err, &le) {
		details := map[string]any{"scope_type": le.Verdict.ScopeType}
		if le.Verdict.RuleID != nil {
			details["rule_id"] = *le.Verdict.RuleID
		}
		return newAPIError(http.StatusLocked, "locked", err.Error(), details)
	}
	var se lock.StoreError
	if errors.As(err, &se) {
		return newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", err.Error(), nil)
	}
	var re lock.ResolverError
	if errors.As(err, &re) {
		return newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusLocked:
		return "locked"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks the principal's token claims first, then the RBAC
// tables. Actors with no role assignments at all are unrestricted so a fresh
// single-node install works before any roles are seeded.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, principal.ActorID)
	if err != nil {
		return err
	}
	if len(roles) == 0 && len(principal.Permissions) == 0 {
		return nil
	}
	ok, err := e.Auth.ActorHasPermission(ctx, tx, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Planlock API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Instance counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		var resp StatusResponse
		row := e.DB.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM lock_rules WHERE is_active = 1),
			(SELECT COUNT(*) FROM lock_rules),
			(SELECT COUNT(*) FROM objectives),
			(SELECT COUNT(*) FROM departments),
			(SELECT COUNT(*) FROM users)`)
		if err := row.Scan(&resp.ActiveRules, &resp.TotalRules, &resp.Objectives, &resp.Departments, &resp.Users); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerChecks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-field",
		Method:      http.MethodPost,
		Path:        "/checks/field",
		Summary:     "Check whether one field is locked",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckFieldRequest `json:"body"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		if input.Body.FieldType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "field_type is required", nil)
		}
		verdict, err := e.CheckField(ctx, checkContext(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		resp := verdictResponse(verdict)
		if input.Body.Debug {
			considered, err := consideredRules(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Considered = considered
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-batch",
		Method:      http.MethodPost,
		Path:        "/checks/batch",
		Summary:     "Check many fields in one call",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckBatchRequest `json:"body"`
	}) (*struct {
		Body struct {
			Results []BatchCheckItemResponse `json:"results"`
		} `json:"body"`
	}, error) {
		if len(input.Body.Checks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "checks is required", nil)
		}
		contexts := make([]lock.Context, 0, len(input.Body.Checks))
		for _, c := range input.Body.Checks {
			// A batch-level user_id covers checks that omit their own.
			if c.UserID == 0 {
				c.UserID = input.Body.UserID
			}
			contexts = append(contexts, checkContext(c))
		}
		results := e.CheckBatch(ctx, contexts)
		out := make([]BatchCheckItemResponse, 0, len(results))
		for i, res := range results {
			item := BatchCheckItemResponse{
				FieldType: input.Body.Checks[i].FieldType,
				EntityID:  input.Body.Checks[i].EntityID,
				Verdict:   verdictResponse(res.Verdict),
			}
			if res.Err != nil {
				item.Error = res.Err.Error()
			}
			out = append(out, item)
		}
		resp := &struct {
			Body struct {
				Results []BatchCheckItemResponse `json:"results"`
			} `json:"body"`
		}{}
		resp.Body.Results = out
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-operation",
		Method:      http.MethodPost,
		Path:        "/checks/operation",
		Summary:     "Check whether a structural operation is locked",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckOperationRequest `json:"body"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		op, err := lock.ParseOperation(input.Body.Operation)
		if err != nil {
			return nil, handleError(engine.ValidationError{Msg: err.Error()})
		}
		verdict, err := e.CheckOperation(ctx, lock.OperationContext{
			Operation:    op,
			KPITag:       input.Body.KPI,
			GroupID:      input.Body.GroupID,
			ActingUserID: input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: verdictResponse(verdict)}, nil
	})
}

// consideredRules returns the active rules in the order the evaluator tries
// them, for support tooling.
func consideredRules(ctx context.Context, e engine.Engine) ([]ConsideredRule, error) {
	rules, err := e.Repo.ListActiveLockRules(ctx)
	if err != nil {
		return nil, err
	}
	lock.Order(rules)
	out := make([]ConsideredRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ConsideredRule{
			ID:        r.ID,
			ScopeType: r.ScopeType,
			Malformed: r.Malformed,
		})
	}
	return out, nil
}

func registerLockRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-lock-rule",
		Method:      http.MethodPost,
		Path:        "/lock-rules",
		Summary:     "Create lock rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body LockRuleRequest `json:"body"`
	}) (*struct {
		Body LockRuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		rule, err := e.CreateLockRule(ctx, lockRuleFromRequest(input.Body), active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockRuleResponse `json:"body"`
		}{Body: lockRuleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lock-rules",
		Method:      http.MethodGet,
		Path:        "/lock-rules",
		Summary:     "List lock rules",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ScopeType string `query:"scope_type"`
		Active    string `query:"active" enum:"true,false,"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedLockRules `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorIDRaw, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		var cursorID int64
		if cursorIDRaw != "" {
			cursorID, err = strconv.ParseInt(cursorIDRaw, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		f := repo.LockRuleFilters{
			ScopeType:       input.ScopeType,
			CreatedBy:       input.CreatedBy,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		switch input.Active {
		case "true":
			v := true
			f.Active = &v
		case "false":
			v := false
			f.Active = &v
		}
		items, err := e.ListLockRules(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLockRules{Items: []LockRuleResponse{}}
		if len(items) > limit {
			next := items[limit]
			resp.NextCursor = composeCursor(next.CreatedAt, strconv.FormatInt(next.ID, 10))
			items = items[:limit]
		}
		resp.Items = mapLockRules(items)
		return &struct {
			Body paginatedLockRules `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lock-rule",
		Method:      http.MethodGet,
		Path:        "/lock-rules/{id}",
		Summary:     "Get lock rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body LockRuleResponse `json:"body"`
	}, error) {
		rule, err := e.GetLockRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockRuleResponse `json:"body"`
		}{Body: lockRuleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lock-rule",
		Method:      http.MethodPatch,
		Path:        "/lock-rules/{id}",
		Summary:     "Update lock rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body UpdateLockRuleRequest `json:"body"`
	}) (*struct {
		Body LockRuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		u := lockRuleUpdate(input.Body, rawBodyMap(ctx))
		rule, err := e.UpdateLockRule(ctx, input.ID, u, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockRuleResponse `json:"body"`
		}{Body: lockRuleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-lock-rule",
		Method:      http.MethodPost,
		Path:        "/lock-rules/{id}/deactivate",
		Summary:     "Deactivate lock rule",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeactivateLockRule(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-create-lock-rules",
		Method:      http.MethodPost,
		Path:        "/lock-rules/bulk",
		Summary:     "Create many lock rules atomically",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkLockRulesRequest `json:"body"`
	}) (*struct {
		Body struct {
			Items []LockRuleResponse `json:"items"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		if len(input.Body.Rules) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rules is required", nil)
		}
		rules := make([]domain.LockRule, 0, len(input.Body.Rules))
		for _, r := range input.Body.Rules {
			rules = append(rules, lockRuleFromRequest(r))
		}
		created, err := e.BulkCreateLockRules(ctx, rules, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []LockRuleResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = mapLockRules(created)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-deactivate-lock-rules",
		Method:      http.MethodPost,
		Path:        "/lock-rules/bulk-deactivate",
		Summary:     "Deactivate many lock rules atomically",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkDeactivateRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rule.write"); err != nil {
			return nil, handleError(err)
		}
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		if err := e.BulkDeactivateLockRules(ctx, input.Body.IDs, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDepartments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-department",
		Method:      http.MethodPost,
		Path:        "/departments",
		Summary:     "Create department",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDepartmentRequest `json:"body"`
	}) (*struct {
		Body domain.Department `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		dep, err := e.CreateDepartment(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Department `json:"body"`
		}{Body: dep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "List departments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []domain.Department `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.Repo.ListDepartments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Department `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		user, err := e.CreateUser(ctx, input.Body.Name, input.Body.Email, input.Body.DepartmentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, input *struct {
		DepartmentID int64 `query:"department_id"`
	}) (*struct {
		Body struct {
			Items []domain.User `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.Repo.ListUsers(ctx, input.DepartmentID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.User `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})
}

func registerObjectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-objective",
		Method:      http.MethodPost,
		Path:        "/objectives",
		Summary:     "Create objective",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateObjectiveRequest `json:"body"`
	}) (*struct {
		Body domain.Objective `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		obj, err := e.CreateObjective(ctx, engine.ObjectiveCreateOptions{
			DepartmentID: input.Body.DepartmentID,
			Name:         input.Body.Name,
			KPIs:         input.Body.KPIs,
			Measurement:  input.Body.Measurement,
			AnnualTarget: input.Body.AnnualTarget,
			UserID:       input.Body.UserID,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Objective `json:"body"`
		}{Body: obj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-objectives",
		Method:      http.MethodGet,
		Path:        "/objectives",
		Summary:     "List objectives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DepartmentID int64  `query:"department_id"`
		KPI          string `query:"kpi"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedObjectives `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorIDRaw, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		var cursorID int64
		if cursorIDRaw != "" {
			cursorID, err = strconv.ParseInt(cursorIDRaw, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.Repo.ListObjectives(ctx, repo.ObjectiveFilters{
			DepartmentID:    input.DepartmentID,
			KPI:             input.KPI,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedObjectives{Items: []domain.Objective{}}
		if len(items) > limit {
			next := items[limit]
			resp.NextCursor = composeCursor(next.CreatedAt, strconv.FormatInt(next.ID, 10))
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedObjectives `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-objective",
		Method:      http.MethodGet,
		Path:        "/objectives/{id}",
		Summary:     "Get objective",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Objective `json:"body"`
	}, error) {
		obj, err := e.Repo.GetObjective(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Objective `json:"body"`
		}{Body: obj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-objective",
		Method:      http.MethodPatch,
		Path:        "/objectives/{id}",
		Summary:     "Update objective details",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                  `path:"id"`
		Body UpdateObjectiveRequest `json:"body"`
	}) (*struct {
		Body domain.Objective `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		u := repo.ObjectiveUpdate{
			Name:        input.Body.Name,
			Measurement: input.Body.Measurement,
		}
		if input.Body.KPIs != nil {
			kpis := input.Body.KPIs
			u.KPIs = &kpis
		}
		obj, err := e.UpdateObjectiveDetails(ctx, input.ID, u, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Objective `json:"body"`
		}{Body: obj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-objective",
		Method:      http.MethodDelete,
		Path:        "/objectives/{id}",
		Summary:     "Delete objective",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		ID     int64 `path:"id"`
		UserID int64 `query:"user_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteObjective(ctx, input.ID, input.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-annual-target",
		Method:      http.MethodPut,
		Path:        "/objectives/{id}/annual-target",
		Summary:     "Set annual target",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                  `path:"id"`
		Body SetAnnualTargetRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetAnnualTarget(ctx, input.ID, input.Body.Value, input.Body.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-monthly-value",
		Method:      http.MethodPut,
		Path:        "/objectives/{id}/monthly-values",
		Summary:     "Set monthly target or actual",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusLocked,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body MonthlyValueRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetMonthlyValue(ctx, input.ID, input.Body.Month, input.Body.Target, input.Body.Actual, input.Body.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-monthly-values",
		Method:      http.MethodGet,
		Path:        "/objectives/{id}/monthly-values",
		Summary:     "List monthly values",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body struct {
			Items []domain.MonthlyValue `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetObjective(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMonthlyValues(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.MonthlyValue `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-data-source",
		Method:      http.MethodPut,
		Path:        "/objectives/{id}/data-source",
		Summary:     "Bind objective to external metric series",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body MappingRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "plan.write"); err != nil {
			return nil, handleError(err)
		}
		err := e.SetDataSourceMapping(ctx, domain.DataSourceMapping{
			ObjectiveID:  input.ID,
			TargetSource: input.Body.TargetSource,
			ActualSource: input.Body.ActualSource,
			PMSProject:   input.Body.PMSProject,
			PMSMetric:    input.Body.PMSMetric,
			OdooProject:  input.Body.OdooProject,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-data-source",
		Method:      http.MethodGet,
		Path:        "/objectives/{id}/data-source",
		Summary:     "Get objective data source mapping",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.DataSourceMapping `json:"body"`
	}, error) {
		m, err := e.Repo.GetDataSourceMapping(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DataSourceMapping `json:"body"`
		}{Body: m}, nil
	})
}

func registerLookups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "kpis-by-users",
		Method:      http.MethodPost,
		Path:        "/lookups/kpis-by-users",
		Summary:     "KPI tags reachable from a set of users",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LookupUsersRequest `json:"body"`
	}) (*struct {
		Body struct {
			KPIs []string `json:"kpis"`
		} `json:"body"`
	}, error) {
		if len(input.Body.UserIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_ids is required", nil)
		}
		kpis, err := e.KPIsByUsers(ctx, input.Body.UserIDs)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				KPIs []string `json:"kpis"`
			} `json:"body"`
		}{}
		resp.Body.KPIs = nonNilSlice(kpis)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "objectives-by-users",
		Method:      http.MethodPost,
		Path:        "/lookups/objectives-by-users",
		Summary:     "Objectives owned by the departments of a set of users",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LookupUsersRequest `json:"body"`
	}) (*struct {
		Body struct {
			Items []domain.Objective `json:"items"`
		} `json:"body"`
	}, error) {
		if len(input.Body.UserIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_ids is required", nil)
		}
		items, err := e.ObjectivesByUsers(ctx, input.Body.UserIDs)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Objective `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = nonNilSlice(items)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "objectives-by-kpis",
		Method:      http.MethodPost,
		Path:        "/lookups/objectives-by-kpis",
		Summary:     "Objectives carrying any of a set of KPI tags",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LookupKPIsRequest `json:"body"`
	}) (*struct {
		Body struct {
			Items []domain.Objective `json:"items"`
		} `json:"body"`
	}, error) {
		if len(input.Body.KPIs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kpis is required", nil)
		}
		items, err := e.ObjectivesByKPIs(ctx, input.Body.KPIs)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.Objective `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = nonNilSlice(items)
		return resp, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List activity log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action  string `query:"action"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedActivity `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorIDRaw, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		var cursorID int64
		if cursorIDRaw != "" {
			cursorID, err = strconv.ParseInt(cursorIDRaw, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.Repo.ListActivityLogs(ctx, repo.ActivityLogFilters{
			Action:          input.Action,
			ActorID:         input.ActorID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActivity{Items: []domain.ActivityLog{}}
		if len(items) > limit {
			next := items[limit]
			resp.NextCursor = composeCursor(next.CreatedAt, strconv.FormatInt(next.ID, 10))
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedActivity `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"rule,objective,rbac,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := changeRole(ctx, e, input.Body.ActorID, input.Body.RoleID, true); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := changeRole(ctx, e, input.Body.ActorID, input.Body.RoleID, false); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func changeRole(ctx context.Context, e engine.Engine, actorID, roleID string, grant bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if grant {
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
			return err
		}
	} else {
		if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return nil, handleError(err)
			}
			defer tx.Rollback()
			if dbRoles, err := e.Auth.ActorRoles(ctx, tx, principal.ActorID); err == nil && len(roles) == 0 {
				roles = dbRoles
			}
			if dbPerms, err := e.Auth.ActorPermissions(ctx, tx, principal.ActorID); err == nil {
				perms = dbPerms
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

// lockRuleUpdate translates a PATCH body into a partial update. The raw body
// map distinguishes an omitted list from an explicit empty one.
func lockRuleUpdate(req UpdateLockRuleRequest, raw map[string]json.RawMessage) repo.LockRuleUpdate {
	u := repo.LockRuleUpdate{
		UserScope:             req.UserScope,
		KPIScope:              req.KPIScope,
		ObjectiveScope:        req.ObjectiveScope,
		LockAnnualTarget:      req.LockAnnualTarget,
		LockMonthlyTarget:     req.LockMonthlyTarget,
		LockMonthlyActual:     req.LockMonthlyActual,
		LockAllOtherFields:    req.LockAllOtherFields,
		LockAddObjective:      req.LockAddObjective,
		LockDeleteObjective:   req.LockDeleteObjective,
		KPI:                   req.KPI,
		DepartmentID:          req.DepartmentID,
		DepartmentObjectiveID: req.DepartmentObjectiveID,
		ExcludeAnnualTarget:   req.ExcludeAnnualTarget,
		ExcludeMonthlyTarget:  req.ExcludeMonthlyTarget,
		ExcludeMonthlyActual:  req.ExcludeMonthlyActual,
		Description:           req.Description,
	}
	if _, ok := raw["user_ids"]; ok {
		ids := req.UserIDs
		u.UserIDs = &ids
	}
	if _, ok := raw["kpi_ids"]; ok {
		ids := req.KPIIDs
		u.KPIIDs = &ids
	}
	if _, ok := raw["objective_ids"]; ok {
		ids := req.ObjectiveIDs
		u.ObjectiveIDs = &ids
	}
	if _, ok := raw["lock_types"]; ok {
		types := req.LockTypes
		u.LockTypes = &types
	}
	return u
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
