package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"planlock/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const lockRuleColumns = `id,scope_type,is_active,user_scope,kpi_scope,objective_scope,user_ids,kpi_ids,objective_ids,lock_annual_target,lock_monthly_target,lock_monthly_actual,lock_all_other_fields,lock_add_objective,lock_delete_objective,lock_types,kpi,department_id,department_objective_id,exclude_monthly_target,exclude_monthly_actual,exclude_annual_target,description,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLockRule(row rowScanner) (domain.LockRule, error) {
	var r domain.LockRule
	var userScope, kpiScope, objectiveScope sql.NullString
	var userIDs, kpiIDs, objectiveIDs, lockTypes sql.NullString
	var kpi, description, createdBy sql.NullString
	var departmentID, departmentObjectiveID sql.NullInt64
	err := row.Scan(&r.ID, &r.ScopeType, &r.IsActive,
		&userScope, &kpiScope, &objectiveScope,
		&userIDs, &kpiIDs, &objectiveIDs,
		&r.LockAnnualTarget, &r.LockMonthlyTarget, &r.LockMonthlyActual,
		&r.LockAllOtherFields, &r.LockAddObjective, &r.LockDeleteObjective,
		&lockTypes, &kpi, &departmentID, &departmentObjectiveID,
		&r.ExcludeMonthlyTarget, &r.ExcludeMonthlyActual, &r.ExcludeAnnualTarget,
		&description, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.UserScope = userScope.String
	r.KPIScope = kpiScope.String
	r.ObjectiveScope = objectiveScope.String
	r.KPI = kpi.String
	r.Description = description.String
	r.CreatedBy = createdBy.String
	if departmentID.Valid {
		v := departmentID.Int64
		r.DepartmentID = &v
	}
	if departmentObjectiveID.Valid {
		v := departmentObjectiveID.Int64
		r.DepartmentObjectiveID = &v
	}
	var ok bool
	if r.UserIDs, ok = decodeInt64List(userIDs.String); !ok {
		r.Malformed = true
	}
	if r.ObjectiveIDs, ok = decodeInt64List(objectiveIDs.String); !ok {
		r.Malformed = true
	}
	if r.KPIIDs, ok = decodeStringList(kpiIDs.String); !ok {
		r.Malformed = true
	}
	if r.LockTypes, ok = decodeStringList(lockTypes.String); !ok {
		r.Malformed = true
	}
	return r, nil
}

// decodeInt64List parses a stored JSON array into ids. Legacy rows hold
// numbers and numeric strings interchangeably; entries that coerce are kept,
// anything else drops. A row whose column is not a JSON array at all is
// reported as malformed.
func decodeInt64List(raw string) ([]int64, bool) {
	if raw == "" {
		return nil, true
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}
	var out []int64
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			out = append(out, int64(v))
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				out = append(out, n)
			}
		}
	}
	return out, true
}

func decodeStringList(raw string) ([]string, bool) {
	if raw == "" {
		return nil, true
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatInt(int64(v), 10))
		}
	}
	return out, true
}

func encodeInt64List(ids []int64) any {
	if len(ids) == 0 {
		return nil
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func encodeStringList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func (r Repo) InsertLockRule(ctx context.Context, tx *sql.Tx, rule domain.LockRule) (int64, error) {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`INSERT INTO lock_rules(scope_type,is_active,user_scope,kpi_scope,objective_scope,user_ids,kpi_ids,objective_ids,lock_annual_target,lock_monthly_target,lock_monthly_actual,lock_all_other_fields,lock_add_objective,lock_delete_objective,lock_types,kpi,department_id,department_objective_id,exclude_monthly_target,exclude_monthly_actual,exclude_annual_target,description,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ScopeType, rule.IsActive,
		nullable(rule.UserScope), nullable(rule.KPIScope), nullable(rule.ObjectiveScope),
		encodeInt64List(rule.UserIDs), encodeStringList(rule.KPIIDs), encodeInt64List(rule.ObjectiveIDs),
		rule.LockAnnualTarget, rule.LockMonthlyTarget, rule.LockMonthlyActual,
		rule.LockAllOtherFields, rule.LockAddObjective, rule.LockDeleteObjective,
		encodeStringList(rule.LockTypes), nullable(rule.KPI), nullableInt64Ptr(rule.DepartmentID), nullableInt64Ptr(rule.DepartmentObjectiveID),
		rule.ExcludeMonthlyTarget, rule.ExcludeMonthlyActual, rule.ExcludeAnnualTarget,
		nullable(rule.Description), nullable(rule.CreatedBy), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetLockRule(ctx context.Context, id int64) (domain.LockRule, error) {
	return scanLockRule(r.DB.QueryRowContext(ctx, `SELECT `+lockRuleColumns+` FROM lock_rules WHERE id=?`, id))
}

func (r Repo) GetLockRuleTx(ctx context.Context, tx *sql.Tx, id int64) (domain.LockRule, error) {
	return scanLockRule(tx.QueryRowContext(ctx, `SELECT `+lockRuleColumns+` FROM lock_rules WHERE id=?`, id))
}

// ListActiveLockRules returns every active rule in ascending id order.
// Evaluation re-sorts by specificity; this method only guarantees a stable
// read.
func (r Repo) ListActiveLockRules(ctx context.Context) ([]domain.LockRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+lockRuleColumns+` FROM lock_rules WHERE is_active=1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LockRule
	for rows.Next() {
		rule, err := scanLockRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

type LockRuleFilters struct {
	ScopeType       string
	Active          *bool
	CreatedBy       string
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListLockRules(ctx context.Context, f LockRuleFilters) ([]domain.LockRule, error) {
	var clauses []string
	var args []any
	if f.ScopeType != "" {
		clauses = append(clauses, "scope_type=?")
		args = append(args, f.ScopeType)
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, *f.Active)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + lockRuleColumns + ` FROM lock_rules ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LockRule
	for rows.Next() {
		rule, err := scanLockRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

type LockRuleUpdate struct {
	IsActive              *bool
	Description           *string
	UserScope             *string
	KPIScope              *string
	ObjectiveScope        *string
	UserIDs               *[]int64
	KPIIDs                *[]string
	ObjectiveIDs          *[]int64
	LockAnnualTarget      *bool
	LockMonthlyTarget     *bool
	LockMonthlyActual     *bool
	LockAllOtherFields    *bool
	LockAddObjective      *bool
	LockDeleteObjective   *bool
	LockTypes             *[]string
	KPI                   *string
	DepartmentID          *int64
	DepartmentObjectiveID *int64
	ExcludeMonthlyTarget  *bool
	ExcludeMonthlyActual  *bool
	ExcludeAnnualTarget   *bool
}

// UpdateLockRule applies the non-nil fields of u and bumps updated_at.
func (r Repo) UpdateLockRule(ctx context.Context, tx *sql.Tx, id int64, u LockRuleUpdate, now string) error {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}
	if u.Description != nil {
		set("description", nullable(*u.Description))
	}
	if u.UserScope != nil {
		set("user_scope", nullable(*u.UserScope))
	}
	if u.KPIScope != nil {
		set("kpi_scope", nullable(*u.KPIScope))
	}
	if u.ObjectiveScope != nil {
		set("objective_scope", nullable(*u.ObjectiveScope))
	}
	if u.UserIDs != nil {
		set("user_ids", encodeInt64List(*u.UserIDs))
	}
	if u.KPIIDs != nil {
		set("kpi_ids", encodeStringList(*u.KPIIDs))
	}
	if u.ObjectiveIDs != nil {
		set("objective_ids", encodeInt64List(*u.ObjectiveIDs))
	}
	if u.LockAnnualTarget != nil {
		set("lock_annual_target", *u.LockAnnualTarget)
	}
	if u.LockMonthlyTarget != nil {
		set("lock_monthly_target", *u.LockMonthlyTarget)
	}
	if u.LockMonthlyActual != nil {
		set("lock_monthly_actual", *u.LockMonthlyActual)
	}
	if u.LockAllOtherFields != nil {
		set("lock_all_other_fields", *u.LockAllOtherFields)
	}
	if u.LockAddObjective != nil {
		set("lock_add_objective", *u.LockAddObjective)
	}
	if u.LockDeleteObjective != nil {
		set("lock_delete_objective", *u.LockDeleteObjective)
	}
	if u.LockTypes != nil {
		set("lock_types", encodeStringList(*u.LockTypes))
	}
	if u.KPI != nil {
		set("kpi", nullable(*u.KPI))
	}
	if u.DepartmentID != nil {
		set("department_id", *u.DepartmentID)
	}
	if u.DepartmentObjectiveID != nil {
		set("department_objective_id", *u.DepartmentObjectiveID)
	}
	if u.ExcludeMonthlyTarget != nil {
		set("exclude_monthly_target", *u.ExcludeMonthlyTarget)
	}
	if u.ExcludeMonthlyActual != nil {
		set("exclude_monthly_actual", *u.ExcludeMonthlyActual)
	}
	if u.ExcludeAnnualTarget != nil {
		set("exclude_annual_target", *u.ExcludeAnnualTarget)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", now)
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE lock_rules SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLockRuleActive flips the active flag; deactivation is the soft delete.
func (r Repo) SetLockRuleActive(ctx context.Context, tx *sql.Tx, id int64, active bool, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE lock_rules SET is_active=?, updated_at=? WHERE id=?`, active, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
