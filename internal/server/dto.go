package server

import (
	"encoding/json"

	"planlock/internal/domain"
	"planlock/internal/lock"
)

// Request payloads

type LockRuleRequest struct {
	ScopeType string `json:"scope_type" enum:"hierarchical,specific_users,department_kpi,specific_kpi,all_users,specific_objective,all_department_objectives"`

	UserScope      string   `json:"user_scope,omitempty" enum:"all,specific,none"`
	KPIScope       string   `json:"kpi_scope,omitempty" enum:"all,specific,none"`
	ObjectiveScope string   `json:"objective_scope,omitempty" enum:"all,specific,none"`
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

type UpdateLockRuleRequest struct {
	UserScope      *string  `json:"user_scope,omitempty" enum:"all,specific,none"`
	KPIScope       *string  `json:"kpi_scope,omitempty" enum:"all,specific,none"`
	ObjectiveScope *string  `json:"objective_scope,omitempty" enum:"all,specific,none"`
	UserIDs        []int64  `json:"user_ids,omitempty"`
	KPIIDs         []string `json:"kpi_ids,omitempty"`
	ObjectiveIDs   []int64  `json:"objective_ids,omitempty"`

	LockAnnualTarget    *bool `json:"lock_annual_target,omitempty"`
	LockMonthlyTarget   *bool `json:"lock_monthly_target,omitempty"`
	LockMonthlyActual   *bool `json:"lock_monthly_actual,omitempty"`
	LockAllOtherFields  *bool `json:"lock_all_other_fields,omitempty"`
	LockAddObjective    *bool `json:"lock_add_objective,omitempty"`
	LockDeleteObjective *bool `json:"lock_delete_objective,omitempty"`

	LockTypes             []string `json:"lock_types,omitempty"`
	KPI                   *string  `json:"kpi,omitempty"`
	DepartmentID          *int64   `json:"department_id,omitempty"`
	DepartmentObjectiveID *int64   `json:"department_objective_id,omitempty"`

	ExcludeAnnualTarget  *bool `json:"exclude_annual_target,omitempty"`
	ExcludeMonthlyTarget *bool `json:"exclude_monthly_target,omitempty"`
	ExcludeMonthlyActual *bool `json:"exclude_monthly_actual,omitempty"`

	Description *string `json:"description,omitempty"`
}

type BulkLockRulesRequest struct {
	Rules []LockRuleRequest `json:"rules"`
}

type BulkDeactivateRequest struct {
	IDs []int64 `json:"ids"`
}

type CheckFieldRequest struct {
	FieldType string `json:"field_type" enum:"annual_target,monthly_target,monthly_actual,all_other_fields"`
	EntityID  int64  `json:"entity_id"`
	UserID    int64  `json:"user_id"`
	Period    string `json:"period,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

type CheckBatchRequest struct {
	Checks []CheckFieldRequest `json:"checks"`
	UserID int64               `json:"user_id,omitempty"`
}

type CheckOperationRequest struct {
	Operation string `json:"operation" enum:"add_objective,delete_objective"`
	KPI       string `json:"kpi,omitempty"`
	GroupID   int64  `json:"group_id,omitempty"`
	UserID    int64  `json:"user_id"`
}

type CreateDepartmentRequest struct {
	Name string `json:"name"`
}

type CreateUserRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	DepartmentID int64  `json:"department_id"`
}

type CreateObjectiveRequest struct {
	DepartmentID int64    `json:"department_id"`
	Name         string   `json:"name"`
	KPIs         []string `json:"kpis,omitempty"`
	Measurement  string   `json:"measurement,omitempty"`
	AnnualTarget *float64 `json:"annual_target,omitempty"`
	UserID       int64    `json:"user_id"`
}

type UpdateObjectiveRequest struct {
	Name        *string  `json:"name,omitempty"`
	KPIs        []string `json:"kpis,omitempty"`
	Measurement *string  `json:"measurement,omitempty"`
	UserID      int64    `json:"user_id"`
}

type SetAnnualTargetRequest struct {
	Value  float64 `json:"value"`
	UserID int64   `json:"user_id"`
}

type MonthlyValueRequest struct {
	Month  string   `json:"month" example:"2026-03"`
	Target *float64 `json:"target_value,omitempty"`
	Actual *float64 `json:"actual_value,omitempty"`
	UserID int64    `json:"user_id"`
}

type MappingRequest struct {
	TargetSource string `json:"target_source,omitempty" enum:"manual,pms_target"`
	ActualSource string `json:"actual_source,omitempty" enum:"manual,pms_actual,odoo_services_done"`
	PMSProject   string `json:"pms_project,omitempty"`
	PMSMetric    string `json:"pms_metric,omitempty"`
	OdooProject  string `json:"odoo_project,omitempty"`
}

type LookupUsersRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

type LookupKPIsRequest struct {
	KPIs []string `json:"kpis"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type VerdictResponse struct {
	IsLocked      bool             `json:"is_locked"`
	Reason        string           `json:"reason,omitempty"`
	MatchedRuleID *int64           `json:"matched_rule_id,omitempty"`
	ScopeType     string           `json:"scope_type,omitempty"`
	Considered    []ConsideredRule `json:"considered_rules,omitempty"`
}

// ConsideredRule is one active rule in evaluation order, returned when a
// check asks for debug output.
type ConsideredRule struct {
	ID        int64  `json:"id"`
	ScopeType string `json:"scope_type"`
	Malformed bool   `json:"malformed,omitempty"`
}

type BatchCheckItemResponse struct {
	FieldType string          `json:"field_type"`
	EntityID  int64           `json:"entity_id"`
	Verdict   VerdictResponse `json:"verdict"`
	Error     string          `json:"error,omitempty"`
}

type LockRuleResponse struct {
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

	ExcludeAnnualTarget  bool `json:"exclude_annual_target,omitempty"`
	ExcludeMonthlyTarget bool `json:"exclude_monthly_target,omitempty"`
	ExcludeMonthlyActual bool `json:"exclude_monthly_actual,omitempty"`

	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Malformed   bool   `json:"malformed,omitempty"`
}

type paginatedLockRules struct {
	Items      []LockRuleResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedObjectives struct {
	Items      []domain.Objective `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedActivity struct {
	Items      []domain.ActivityLog `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	ActiveRules int `json:"active_rules"`
	TotalRules  int `json:"total_rules"`
	Objectives  int `json:"objectives"`
	Departments int `json:"departments"`
	Users       int `json:"users"`
}

// Mappers

func verdictResponse(v lock.Verdict) VerdictResponse {
	return VerdictResponse{
		IsLocked:      v.Locked,
		Reason:        v.Reason,
		MatchedRuleID: v.RuleID,
		ScopeType:     v.ScopeType,
	}
}

func lockRuleResponse(r domain.LockRule) LockRuleResponse {
	return LockRuleResponse{
		ID:                    r.ID,
		ScopeType:             r.ScopeType,
		IsActive:              r.IsActive,
		UserScope:             r.UserScope,
		KPIScope:              r.KPIScope,
		ObjectiveScope:        r.ObjectiveScope,
		UserIDs:               r.UserIDs,
		KPIIDs:                r.KPIIDs,
		ObjectiveIDs:          r.ObjectiveIDs,
		LockAnnualTarget:      r.LockAnnualTarget,
		LockMonthlyTarget:     r.LockMonthlyTarget,
		LockMonthlyActual:     r.LockMonthlyActual,
		LockAllOtherFields:    r.LockAllOtherFields,
		LockAddObjective:      r.LockAddObjective,
		LockDeleteObjective:   r.LockDeleteObjective,
		LockTypes:             r.LockTypes,
		KPI:                   r.KPI,
		DepartmentID:          r.DepartmentID,
		DepartmentObjectiveID: r.DepartmentObjectiveID,
		ExcludeAnnualTarget:   r.ExcludeAnnualTarget,
		ExcludeMonthlyTarget:  r.ExcludeMonthlyTarget,
		ExcludeMonthlyActual:  r.ExcludeMonthlyActual,
		Description:           r.Description,
		CreatedBy:             r.CreatedBy,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
		Malformed:             r.Malformed,
	}
}

func lockRuleFromRequest(req LockRuleRequest) domain.LockRule {
	return domain.LockRule{
		ScopeType:             req.ScopeType,
		UserScope:             req.UserScope,
		KPIScope:              req.KPIScope,
		ObjectiveScope:        req.ObjectiveScope,
		UserIDs:               req.UserIDs,
		KPIIDs:                req.KPIIDs,
		ObjectiveIDs:          req.ObjectiveIDs,
		LockAnnualTarget:      req.LockAnnualTarget,
		LockMonthlyTarget:     req.LockMonthlyTarget,
		LockMonthlyActual:     req.LockMonthlyActual,
		LockAllOtherFields:    req.LockAllOtherFields,
		LockAddObjective:      req.LockAddObjective,
		LockDeleteObjective:   req.LockDeleteObjective,
		LockTypes:             req.LockTypes,
		KPI:                   req.KPI,
		DepartmentID:          req.DepartmentID,
		DepartmentObjectiveID: req.DepartmentObjectiveID,
		ExcludeAnnualTarget:   req.ExcludeAnnualTarget,
		ExcludeMonthlyTarget:  req.ExcludeMonthlyTarget,
		ExcludeMonthlyActual:  req.ExcludeMonthlyActual,
		Description:           req.Description,
	}
}

func checkContext(req CheckFieldRequest) lock.Context {
	return lock.Context{
		FieldType:    lock.FieldType(req.FieldType),
		EntityID:     req.EntityID,
		ActingUserID: req.UserID,
		Period:       req.Period,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapLockRules(items []domain.LockRule) []LockRuleResponse {
	res := make([]LockRuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, lockRuleResponse(r))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
