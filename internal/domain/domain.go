package domain

// Scope type values carried in LockRule.ScopeType.
const (
	ScopeHierarchical            = "hierarchical"
	ScopeSpecificUsers           = "specific_users"
	ScopeDepartmentKPI           = "department_kpi"
	ScopeSpecificKPI             = "specific_kpi"
	ScopeAllUsers                = "all_users"
	ScopeSpecificObjective       = "specific_objective"
	ScopeAllDepartmentObjectives = "all_department_objectives"
)

// Scope dimension values for the hierarchical shape. ScopeNone is treated as
// ScopeAll during matching; it survives only as stored data.
const (
	ScopeAll      = "all"
	ScopeSpecific = "specific"
	ScopeNone     = "none"
)

// LockTypeAll is the sentinel in a legacy rule's lock_types list meaning the
// rule covers every field, not just the ones named.
const LockTypeAll = "all_department_objectives"

// LockRule is the persisted policy unit deciding whether a plan field may be
// edited. The hierarchical shape carries three orthogonal scope dimensions and
// per-field switches; the six legacy shapes are retained for rules created
// before the hierarchical model existed.
type LockRule struct {
	ID        int64  `json:"id"`
	ScopeType string `json:"scope_type" enum:"hierarchical,specific_users,department_kpi,specific_kpi,all_users,specific_objective,all_department_objectives"`
	IsActive  bool   `json:"is_active"`

	UserScope      string  `json:"user_scope,omitempty" enum:"all,specific,none"`
	KPIScope       string  `json:"kpi_scope,omitempty" enum:"all,specific,none"`
	ObjectiveScope string  `json:"objective_scope,omitempty" enum:"all,specific,none"`
	UserIDs        []int64 `json:"user_ids,omitempty"`
	KPIIDs         []string `json:"kpi_ids,omitempty"`
	ObjectiveIDs   []int64 `json:"objective_ids,omitempty"`

	LockAnnualTarget    bool `json:"lock_annual_target"`
	LockMonthlyTarget   bool `json:"lock_monthly_target"`
	LockMonthlyActual   bool `json:"lock_monthly_actual"`
	LockAllOtherFields  bool `json:"lock_all_other_fields"`
	LockAddObjective    bool `json:"lock_add_objective"`
	LockDeleteObjective bool `json:"lock_delete_objective"`

	// Legacy shape fields.
	LockTypes             []string `json:"lock_types,omitempty"`
	KPI                   string   `json:"kpi,omitempty"`
	DepartmentID          *int64   `json:"department_id,omitempty"`
	DepartmentObjectiveID *int64   `json:"department_objective_id,omitempty"`
	ExcludeMonthlyTarget  bool     `json:"exclude_monthly_target"`
	ExcludeMonthlyActual  bool     `json:"exclude_monthly_actual"`
	ExcludeAnnualTarget   bool     `json:"exclude_annual_target"`

	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`

	// Malformed marks a stored rule whose scope lists could not be decoded.
	// Such rules never match; they are surfaced in listings so operators can
	// repair them.
	Malformed bool `json:"malformed,omitempty"`
}

type Department struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	DepartmentID int64  `json:"department_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Objective is a department objective, the entity whose fields lock rules
// guard. KPIs holds the full tag set; Measurement is the raw category string
// ("Direct", "In direct", or an excluded monitoring category).
type Objective struct {
	ID           int64    `json:"id"`
	DepartmentID int64    `json:"department_id"`
	Name         string   `json:"name"`
	KPIs         []string `json:"kpis"`
	Measurement  string   `json:"measurement"`
	AnnualTarget *float64 `json:"annual_target,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// MonthlyValue is one month of target/actual data for an objective.
type MonthlyValue struct {
	ObjectiveID int64    `json:"objective_id"`
	Month       string   `json:"month"`
	Target      *float64 `json:"target_value,omitempty"`
	Actual      *float64 `json:"actual_value,omitempty"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// DataSourceMapping binds an objective to the external metric series the
// backfill job reads when a lock freezes its monthly values.
type DataSourceMapping struct {
	ObjectiveID  int64  `json:"objective_id"`
	TargetSource string `json:"target_source" enum:"manual,pms_target"`
	ActualSource string `json:"actual_source" enum:"manual,pms_actual,odoo_services_done"`
	PMSProject   string `json:"pms_project,omitempty"`
	PMSMetric    string `json:"pms_metric,omitempty"`
	OdooProject  string `json:"odoo_project,omitempty"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type ActivityLog struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
