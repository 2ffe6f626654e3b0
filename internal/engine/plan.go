package engine

import (
	"context"
	"fmt"
	"time"

	"planlock/internal/domain"
	"planlock/internal/lock"
	"planlock/internal/repo"
)

func (e Engine) CreateDepartment(ctx context.Context, name, actorID string) (domain.Department, error) {
	if name == "" {
		return domain.Department{}, ValidationError{Msg: "name is required"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Department{Name: name, CreatedAt: now}
	id, err := e.Repo.InsertDepartment(ctx, d)
	if err != nil {
		return domain.Department{}, err
	}
	d.ID = id
	return d, nil
}

func (e Engine) CreateUser(ctx context.Context, name, email string, departmentID int64, actorID string) (domain.User, error) {
	if name == "" {
		return domain.User{}, ValidationError{Msg: "name is required"}
	}
	if _, err := e.Repo.GetDepartment(ctx, departmentID); err != nil {
		return domain.User{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	u := domain.User{Name: name, Email: email, DepartmentID: departmentID, CreatedAt: now}
	id, err := e.Repo.InsertUser(ctx, u)
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	return u, nil
}

// checkOperationForTags runs the add/delete check once per KPI tag, or once
// without a tag when the objective carries none.
func (e Engine) checkOperationForTags(ctx context.Context, op lock.Operation, tags []string, departmentID, userID int64) error {
	if len(tags) == 0 {
		tags = []string{""}
	}
	for _, tag := range tags {
		v, err := e.CheckOperation(ctx, lock.OperationContext{
			Operation:    op,
			KPITag:       tag,
			GroupID:      departmentID,
			ActingUserID: userID,
		})
		if err != nil {
			return err
		}
		if v.Locked {
			return LockedError{Verdict: v}
		}
	}
	return nil
}

type ObjectiveCreateOptions struct {
	DepartmentID int64
	Name         string
	KPIs         []string
	Measurement  string
	AnnualTarget *float64
	UserID       int64
	ActorID      string
}

func (e Engine) CreateObjective(ctx context.Context, opts ObjectiveCreateOptions) (domain.Objective, error) {
	if opts.Name == "" {
		return domain.Objective{}, ValidationError{Msg: "name is required"}
	}
	if _, err := e.Repo.GetDepartment(ctx, opts.DepartmentID); err != nil {
		return domain.Objective{}, err
	}
	if err := e.checkOperationForTags(ctx, lock.OperationAdd, opts.KPIs, opts.DepartmentID, opts.UserID); err != nil {
		return domain.Objective{}, err
	}
	measurement := opts.Measurement
	if measurement == "" {
		measurement = "Direct"
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.Objective{
		DepartmentID: opts.DepartmentID,
		Name:         opts.Name,
		KPIs:         opts.KPIs,
		Measurement:  measurement,
		AnnualTarget: opts.AnnualTarget,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := e.Repo.InsertObjective(ctx, o)
	if err != nil {
		return domain.Objective{}, err
	}
	o.ID = id
	if _, err := e.Repo.InsertActivityLog(ctx, domain.ActivityLog{
		Action:    "objective.create",
		Details:   fmt.Sprintf("objective %d in department %d", id, opts.DepartmentID),
		ActorID:   opts.ActorID,
		CreatedAt: now,
	}); err != nil {
		return domain.Objective{}, err
	}
	return o, nil
}

func (e Engine) DeleteObjective(ctx context.Context, objectiveID, userID int64, actorID string) error {
	o, err := e.Repo.GetObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	if err := e.checkOperationForTags(ctx, lock.OperationDelete, o.KPIs, o.DepartmentID, userID); err != nil {
		return err
	}
	if err := e.Repo.DeleteObjective(ctx, objectiveID); err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	_, err = e.Repo.InsertActivityLog(ctx, domain.ActivityLog{
		Action:    "objective.delete",
		Details:   fmt.Sprintf("objective %d", objectiveID),
		ActorID:   actorID,
		CreatedAt: now,
	})
	return err
}

// SetAnnualTarget writes the annual target after the lock check passes.
func (e Engine) SetAnnualTarget(ctx context.Context, objectiveID int64, value float64, userID int64, actorID string) error {
	v, err := e.CheckField(ctx, lock.Context{
		FieldType:    lock.FieldAnnualTarget,
		EntityID:     objectiveID,
		ActingUserID: userID,
	})
	if err != nil {
		return err
	}
	if v.Locked {
		return LockedError{Verdict: v}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateObjective(ctx, objectiveID, repo.ObjectiveUpdate{AnnualTarget: &value}, now); err != nil {
		return err
	}
	_, err = e.Repo.InsertActivityLog(ctx, domain.ActivityLog{
		Action:    "objective.annual_target",
		Details:   fmt.Sprintf("objective %d", objectiveID),
		ActorID:   actorID,
		CreatedAt: now,
	})
	return err
}

// SetMonthlyValue writes one month of data. Target and actual are checked
// separately; a nil side is neither checked nor written.
func (e Engine) SetMonthlyValue(ctx context.Context, objectiveID int64, month string, target, actual *float64, userID int64, actorID string) error {
	if target == nil && actual == nil {
		return ValidationError{Msg: "target or actual value is required"}
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return ValidationError{Msg: fmt.Sprintf("%q is not a YYYY-MM month", month)}
	}
	if target != nil {
		v, err := e.CheckField(ctx, lock.Context{
			FieldType:    lock.FieldMonthlyTarget,
			EntityID:     objectiveID,
			ActingUserID: userID,
			Period:       month,
		})
		if err != nil {
			return err
		}
		if v.Locked {
			return LockedError{Verdict: v}
		}
	}
	if actual != nil {
		v, err := e.CheckField(ctx, lock.Context{
			FieldType:    lock.FieldMonthlyActual,
			EntityID:     objectiveID,
			ActingUserID: userID,
			Period:       month,
		})
		if err != nil {
			return err
		}
		if v.Locked {
			return LockedError{Verdict: v}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertMonthlyValue(ctx, nil, domain.MonthlyValue{
		ObjectiveID: objectiveID,
		Month:       month,
		Target:      target,
		Actual:      actual,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}
	_, err := e.Repo.InsertActivityLog(ctx, domain.ActivityLog{
		Action:    "objective.monthly_value",
		Details:   fmt.Sprintf("objective %d month %s", objectiveID, month),
		ActorID:   actorID,
		CreatedAt: now,
	})
	return err
}

// UpdateObjectiveDetails edits name, KPI tags, or measurement. These fall in
// the catch-all field bucket.
func (e Engine) UpdateObjectiveDetails(ctx context.Context, objectiveID int64, u repo.ObjectiveUpdate, userID int64, actorID string) (domain.Objective, error) {
	v, err := e.CheckField(ctx, lock.Context{
		FieldType:    lock.FieldAllOtherFields,
		EntityID:     objectiveID,
		ActingUserID: userID,
	})
	if err != nil {
		return domain.Objective{}, err
	}
	if v.Locked {
		return domain.Objective{}, LockedError{Verdict: v}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateObjective(ctx, objectiveID, u, now); err != nil {
		return domain.Objective{}, err
	}
	return e.Repo.GetObjective(ctx, objectiveID)
}

func (e Engine) SetDataSourceMapping(ctx context.Context, m domain.DataSourceMapping, actorID string) error {
	if m.TargetSource == "" {
		m.TargetSource = "manual"
	}
	if m.ActualSource == "" {
		m.ActualSource = "manual"
	}
	if _, err := e.Repo.GetObjective(ctx, m.ObjectiveID); err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.UpdatedAt = now
	if err := e.Repo.UpsertDataSourceMapping(ctx, m); err != nil {
		return err
	}
	_, err := e.Repo.InsertActivityLog(ctx, domain.ActivityLog{
		Action:    "mapping.upsert",
		Details:   fmt.Sprintf("objective %d target=%s actual=%s", m.ObjectiveID, m.TargetSource, m.ActualSource),
		ActorID:   actorID,
		CreatedAt: now,
	})
	return err
}
