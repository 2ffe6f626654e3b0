package repo

import (
	"context"
	"database/sql"
	"strings"

	"planlock/internal/domain"
)

func (r Repo) InsertActivityLog(ctx context.Context, a domain.ActivityLog) (int64, error) {
	return r.insertActivityLog(ctx, nil, a)
}

func (r Repo) InsertActivityLogTx(ctx context.Context, tx *sql.Tx, a domain.ActivityLog) (int64, error) {
	return r.insertActivityLog(ctx, tx, a)
}

func (r Repo) insertActivityLog(ctx context.Context, tx *sql.Tx, a domain.ActivityLog) (int64, error) {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`INSERT INTO activity_logs(action,details,actor_id,created_at) VALUES (?,?,?,?)`,
		a.Action, nullable(a.Details), a.ActorID, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type ActivityLogFilters struct {
	Action          string
	ActorID         string
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListActivityLogs(ctx context.Context, f ActivityLogFilters) ([]domain.ActivityLog, error) {
	var clauses []string
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,action,details,actor_id,created_at FROM activity_logs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		var a domain.ActivityLog
		var details sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &details, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Details = details.String
		res = append(res, a)
	}
	return res, rows.Err()
}
