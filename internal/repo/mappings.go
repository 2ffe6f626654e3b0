package repo

import (
	"context"
	"database/sql"

	"planlock/internal/domain"
)

// UpsertDataSourceMapping stores the external source binding for an objective.
func (r Repo) UpsertDataSourceMapping(ctx context.Context, m domain.DataSourceMapping) error {
	return r.upsertDataSourceMapping(ctx, nil, m)
}

func (r Repo) UpsertDataSourceMappingTx(ctx context.Context, tx *sql.Tx, m domain.DataSourceMapping) error {
	return r.upsertDataSourceMapping(ctx, tx, m)
}

func (r Repo) upsertDataSourceMapping(ctx context.Context, tx *sql.Tx, m domain.DataSourceMapping) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO objective_data_source_mappings(objective_id,target_source,actual_source,pms_project,pms_metric,odoo_project,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(objective_id) DO UPDATE SET target_source=excluded.target_source, actual_source=excluded.actual_source, pms_project=excluded.pms_project, pms_metric=excluded.pms_metric, odoo_project=excluded.odoo_project, updated_at=excluded.updated_at`,
		m.ObjectiveID, m.TargetSource, m.ActualSource, nullable(m.PMSProject), nullable(m.PMSMetric), nullable(m.OdooProject), m.UpdatedAt)
	return err
}

func scanDataSourceMapping(row rowScanner) (domain.DataSourceMapping, error) {
	var m domain.DataSourceMapping
	var pmsProject, pmsMetric, odooProject sql.NullString
	err := row.Scan(&m.ObjectiveID, &m.TargetSource, &m.ActualSource, &pmsProject, &pmsMetric, &odooProject, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.PMSProject = pmsProject.String
	m.PMSMetric = pmsMetric.String
	m.OdooProject = odooProject.String
	return m, nil
}

func (r Repo) GetDataSourceMapping(ctx context.Context, objectiveID int64) (domain.DataSourceMapping, error) {
	return scanDataSourceMapping(r.DB.QueryRowContext(ctx, `SELECT objective_id,target_source,actual_source,pms_project,pms_metric,odoo_project,updated_at FROM objective_data_source_mappings WHERE objective_id=?`, objectiveID))
}

func (r Repo) ListDataSourceMappings(ctx context.Context) ([]domain.DataSourceMapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT objective_id,target_source,actual_source,pms_project,pms_metric,odoo_project,updated_at FROM objective_data_source_mappings ORDER BY objective_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataSourceMapping
	for rows.Next() {
		m, err := scanDataSourceMapping(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MappingsForObjectives returns the mappings for the given objectives keyed by
// objective id. Objectives without a mapping are simply absent.
func (r Repo) MappingsForObjectives(ctx context.Context, objectiveIDs []int64) (map[int64]domain.DataSourceMapping, error) {
	if len(objectiveIDs) == 0 {
		return map[int64]domain.DataSourceMapping{}, nil
	}
	args := make([]any, len(objectiveIDs))
	for i, id := range objectiveIDs {
		args[i] = id
	}
	query := `SELECT objective_id,target_source,actual_source,pms_project,pms_metric,odoo_project,updated_at FROM objective_data_source_mappings WHERE objective_id IN (` + placeholders(len(objectiveIDs)) + `)`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]domain.DataSourceMapping{}
	for rows.Next() {
		m, err := scanDataSourceMapping(rows)
		if err != nil {
			return nil, err
		}
		res[m.ObjectiveID] = m
	}
	return res, rows.Err()
}

func (r Repo) DeleteDataSourceMapping(ctx context.Context, objectiveID int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM objective_data_source_mappings WHERE objective_id=?`, objectiveID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
