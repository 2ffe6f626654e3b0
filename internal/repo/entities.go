package repo

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"planlock/internal/domain"
)

// KPI tags are stored in a single column joined by "||", matching how the
// plan spreadsheet imports arrive.
const kpiSeparator = "||"

func splitKPIs(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, kpiSeparator) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinKPIs(tags []string) string {
	return strings.Join(tags, kpiSeparator)
}

func (r Repo) InsertDepartment(ctx context.Context, d domain.Department) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO departments(name,created_at) VALUES (?,?)`, d.Name, d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDepartment(ctx context.Context, id int64) (domain.Department, error) {
	var d domain.Department
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM departments ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,email,department_id,created_at) VALUES (?,?,?,?)`,
		u.Name, nullable(u.Email), u.DepartmentID, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,department_id,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &email, &u.DepartmentID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Email = email.String
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, departmentID int64) ([]domain.User, error) {
	query := `SELECT id,name,email,department_id,created_at FROM users`
	var args []any
	if departmentID > 0 {
		query += ` WHERE department_id=?`
		args = append(args, departmentID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.DepartmentID, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		res = append(res, u)
	}
	return res, rows.Err()
}

const objectiveColumns = `id,department_id,name,kpi,measurement,annual_target,created_at,updated_at`

func scanObjective(row rowScanner) (domain.Objective, error) {
	var o domain.Objective
	var kpi string
	var annual sql.NullFloat64
	err := row.Scan(&o.ID, &o.DepartmentID, &o.Name, &kpi, &o.Measurement, &annual, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.KPIs = splitKPIs(kpi)
	if annual.Valid {
		v := annual.Float64
		o.AnnualTarget = &v
	}
	return o, nil
}

func (r Repo) InsertObjective(ctx context.Context, o domain.Objective) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO objectives(department_id,name,kpi,measurement,annual_target,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		o.DepartmentID, o.Name, joinKPIs(o.KPIs), o.Measurement, nullableFloatPtr(o.AnnualTarget), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetObjective(ctx context.Context, id int64) (domain.Objective, error) {
	return scanObjective(r.DB.QueryRowContext(ctx, `SELECT `+objectiveColumns+` FROM objectives WHERE id=?`, id))
}

type ObjectiveFilters struct {
	DepartmentID    int64
	KPI             string
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListObjectives(ctx context.Context, f ObjectiveFilters) ([]domain.Objective, error) {
	var clauses []string
	var args []any
	if f.DepartmentID > 0 {
		clauses = append(clauses, "department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + objectiveColumns + ` FROM objectives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 && f.KPI == "" {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, err
		}
		// Tag membership needs the split list, so the KPI filter runs here.
		if f.KPI != "" && !slices.Contains(o.KPIs, f.KPI) {
			continue
		}
		res = append(res, o)
		if f.KPI != "" && f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, rows.Err()
}

type ObjectiveUpdate struct {
	Name         *string
	KPIs         *[]string
	Measurement  *string
	AnnualTarget *float64
}

func (r Repo) UpdateObjective(ctx context.Context, id int64, u ObjectiveUpdate, now string) error {
	var fields []string
	var args []any
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.KPIs != nil {
		fields = append(fields, "kpi=?")
		args = append(args, joinKPIs(*u.KPIs))
	}
	if u.Measurement != nil {
		fields = append(fields, "measurement=?")
		args = append(args, *u.Measurement)
	}
	if u.AnnualTarget != nil {
		fields = append(fields, "annual_target=?")
		args = append(args, *u.AnnualTarget)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE objectives SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteObjective(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM objectives WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertMonthlyValue writes one month of data. Nil target or actual leaves
// the stored value untouched so backfill can fill one side at a time.
func (r Repo) UpsertMonthlyValue(ctx context.Context, tx *sql.Tx, mv domain.MonthlyValue) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO monthly_values(objective_id,month,target_value,actual_value,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(objective_id,month) DO UPDATE SET
  target_value=COALESCE(excluded.target_value,monthly_values.target_value),
  actual_value=COALESCE(excluded.actual_value,monthly_values.actual_value),
  updated_at=excluded.updated_at`,
		mv.ObjectiveID, mv.Month, nullableFloatPtr(mv.Target), nullableFloatPtr(mv.Actual), mv.UpdatedAt)
	return err
}

func (r Repo) ListMonthlyValues(ctx context.Context, objectiveID int64) ([]domain.MonthlyValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT objective_id,month,target_value,actual_value,updated_at FROM monthly_values WHERE objective_id=? ORDER BY month ASC`, objectiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MonthlyValue
	for rows.Next() {
		var mv domain.MonthlyValue
		var target, actual sql.NullFloat64
		if err := rows.Scan(&mv.ObjectiveID, &mv.Month, &target, &actual, &mv.UpdatedAt); err != nil {
			return nil, err
		}
		if target.Valid {
			v := target.Float64
			mv.Target = &v
		}
		if actual.Valid {
			v := actual.Float64
			mv.Actual = &v
		}
		res = append(res, mv)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ObjectivesByUsers returns the objectives of the departments the given users
// belong to.
func (r Repo) ObjectivesByUsers(ctx context.Context, userIDs []int64) ([]domain.Objective, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	query := `SELECT ` + objectiveColumns + ` FROM objectives WHERE department_id IN (SELECT department_id FROM users WHERE id IN (` + placeholders(len(userIDs)) + `)) ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// KPIsByUsers returns the distinct KPI tags on those objectives, in first
// occurrence order.
func (r Repo) KPIsByUsers(ctx context.Context, userIDs []int64) ([]string, error) {
	objectives, err := r.ObjectivesByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, o := range objectives {
		for _, tag := range o.KPIs {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

// ObjectivesByKPIs returns objectives carrying any of the given tags.
func (r Repo) ObjectivesByKPIs(ctx context.Context, tags []string) ([]domain.Objective, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+objectiveColumns+` FROM objectives ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Objective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, err
		}
		for _, tag := range tags {
			if slices.Contains(o.KPIs, tag) {
				res = append(res, o)
				break
			}
		}
	}
	return res, rows.Err()
}
