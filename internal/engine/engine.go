package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"planlock/internal/config"
	"planlock/internal/domain"
	"planlock/internal/engine/auth"
	"planlock/internal/events"
	"planlock/internal/lock"
	"planlock/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Metrics MetricsSource
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ValidationError reports a rule that cannot be stored as given.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// LockedError reports a write rejected because the field is locked.
type LockedError struct {
	Verdict lock.Verdict
}

func (e LockedError) Error() string {
	if e.Verdict.Reason != "" {
		return e.Verdict.Reason
	}
	return "field is locked"
}

var scopeTypes = []string{
	domain.ScopeHierarchical,
	domain.ScopeSpecificUsers,
	domain.ScopeDepartmentKPI,
	domain.ScopeSpecificKPI,
	domain.ScopeAllUsers,
	domain.ScopeSpecificObjective,
	domain.ScopeAllDepartmentObjectives,
}

func validateLockRule(r domain.LockRule) error {
	if r.ScopeType == "" {
		return ValidationError{Msg: "scope_type is required"}
	}
	if !slices.Contains(scopeTypes, r.ScopeType) {
		return ValidationError{Msg: fmt.Sprintf("unknown scope_type %q", r.ScopeType)}
	}
	switch r.ScopeType {
	case domain.ScopeHierarchical:
		if !r.LockAnnualTarget && !r.LockMonthlyTarget && !r.LockMonthlyActual &&
			!r.LockAllOtherFields && !r.LockAddObjective && !r.LockDeleteObjective {
			return ValidationError{Msg: "hierarchical rule must enable at least one lock switch"}
		}
		for _, scope := range []string{r.UserScope, r.KPIScope, r.ObjectiveScope} {
			if scope != "" && scope != domain.ScopeAll && scope != domain.ScopeSpecific && scope != domain.ScopeNone {
				return ValidationError{Msg: fmt.Sprintf("invalid scope value %q", scope)}
			}
		}
		if r.UserScope == domain.ScopeSpecific && len(r.UserIDs) == 0 {
			return ValidationError{Msg: "user_scope=specific requires user_ids"}
		}
		if r.KPIScope == domain.ScopeSpecific && len(r.KPIIDs) == 0 {
			return ValidationError{Msg: "kpi_scope=specific requires kpi_ids"}
		}
		if r.ObjectiveScope == domain.ScopeSpecific && len(r.ObjectiveIDs) == 0 {
			return ValidationError{Msg: "objective_scope=specific requires objective_ids"}
		}
	case domain.ScopeAllDepartmentObjectives:
		// Exclusion flags and optional user narrowing; nothing else required.
	default:
		if len(r.LockTypes) == 0 {
			return ValidationError{Msg: fmt.Sprintf("%s rule requires lock_types", r.ScopeType)}
		}
		switch r.ScopeType {
		case domain.ScopeSpecificUsers:
			if len(r.UserIDs) == 0 {
				return ValidationError{Msg: "specific_users rule requires user_ids"}
			}
		case domain.ScopeDepartmentKPI:
			if r.DepartmentID == nil || r.KPI == "" {
				return ValidationError{Msg: "department_kpi rule requires department_id and kpi"}
			}
		case domain.ScopeSpecificKPI:
			if r.KPI == "" {
				return ValidationError{Msg: "specific_kpi rule requires kpi"}
			}
		case domain.ScopeSpecificObjective:
			if r.DepartmentObjectiveID == nil {
				return ValidationError{Msg: "specific_objective rule requires department_objective_id"}
			}
		}
	}
	return nil
}

// CreateLockRule validates, stores, and logs a new rule.
func (e Engine) CreateLockRule(ctx context.Context, rule domain.LockRule, active bool, actorID string) (domain.LockRule, error) {
	if err := validateLockRule(rule); err != nil {
		return domain.LockRule{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	rule.IsActive = active
	rule.CreatedBy = actorID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LockRule{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertLockRule(ctx, tx, rule)
	if err != nil {
		return domain.LockRule{}, fmt.Errorf("insert lock rule: %w", err)
	}
	rule.ID = id
	if err := e.Events.Append(ctx, tx, "rule.created", "lock_rule", fmt.Sprintf("%d", id), actorID, events.EventPayload{
		"scope_type": rule.ScopeType,
		"is_active":  rule.IsActive,
	}); err != nil {
		return domain.LockRule{}, err
	}
	if _, err := e.Repo.InsertActivityLogTx(ctx, tx, domain.ActivityLog{
		Action:    "lock_rule.create",
		Details:   fmt.Sprintf("rule %d (%s)", id, rule.ScopeType),
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return domain.LockRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LockRule{}, err
	}
	if rule.IsActive {
		e.TriggerBackfill(rule)
	}
	return rule, nil
}

// UpdateLockRule applies a partial update and re-validates the result.
func (e Engine) UpdateLockRule(ctx context.Context, id int64, u repo.LockRuleUpdate, actorID string) (domain.LockRule, error) {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LockRule{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateLockRule(ctx, tx, id, u, now); err != nil {
		return domain.LockRule{}, err
	}
	rule, err := e.Repo.GetLockRuleTx(ctx, tx, id)
	if err != nil {
		return domain.LockRule{}, err
	}
	if err := validateLockRule(rule); err != nil {
		return domain.LockRule{}, err
	}
	if err := e.Events.Append(ctx, tx, "rule.updated", "lock_rule", fmt.Sprintf("%d", id), actorID, events.EventPayload{
		"scope_type": rule.ScopeType,
		"is_active":  rule.IsActive,
	}); err != nil {
		return domain.LockRule{}, err
	}
	if _, err := e.Repo.InsertActivityLogTx(ctx, tx, domain.ActivityLog{
		Action:    "lock_rule.update",
		Details:   fmt.Sprintf("rule %d", id),
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return domain.LockRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LockRule{}, err
	}
	if rule.IsActive {
		e.TriggerBackfill(rule)
	}
	return rule, nil
}

// DeactivateLockRule is the soft delete: the rule stays readable but stops
// matching.
func (e Engine) DeactivateLockRule(ctx context.Context, id int64, actorID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetLockRuleActive(ctx, tx, id, false, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rule.deactivated", "lock_rule", fmt.Sprintf("%d", id), actorID, nil); err != nil {
		return err
	}
	if _, err := e.Repo.InsertActivityLogTx(ctx, tx, domain.ActivityLog{
		Action:    "lock_rule.deactivate",
		Details:   fmt.Sprintf("rule %d", id),
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkCreateLockRules stores all rules atomically; one invalid rule rejects
// the whole batch.
func (e Engine) BulkCreateLockRules(ctx context.Context, rules []domain.LockRule, actorID string) ([]domain.LockRule, error) {
	for i, r := range rules {
		if err := validateLockRule(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]domain.LockRule, 0, len(rules))
	for _, r := range rules {
		r.IsActive = true
		r.CreatedBy = actorID
		r.CreatedAt = now
		r.UpdatedAt = now
		id, err := e.Repo.InsertLockRule(ctx, tx, r)
		if err != nil {
			return nil, fmt.Errorf("insert lock rule: %w", err)
		}
		r.ID = id
		if err := e.Events.Append(ctx, tx, "rule.created", "lock_rule", fmt.Sprintf("%d", id), actorID, events.EventPayload{
			"scope_type": r.ScopeType,
			"is_active":  true,
		}); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if _, err := e.Repo.InsertActivityLogTx(ctx, tx, domain.ActivityLog{
		Action:    "lock_rule.bulk_create",
		Details:   fmt.Sprintf("%d rules", len(out)),
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, r := range out {
		e.TriggerBackfill(r)
	}
	return out, nil
}

// BulkDeactivateLockRules soft-deletes many rules atomically.
func (e Engine) BulkDeactivateLockRules(ctx context.Context, ids []int64, actorID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := e.Repo.SetLockRuleActive(ctx, tx, id, false, now); err != nil {
			return fmt.Errorf("rule %d: %w", id, err)
		}
		if err := e.Events.Append(ctx, tx, "rule.deactivated", "lock_rule", fmt.Sprintf("%d", id), actorID, nil); err != nil {
			return err
		}
	}
	if _, err := e.Repo.InsertActivityLogTx(ctx, tx, domain.ActivityLog{
		Action:    "lock_rule.bulk_deactivate",
		Details:   fmt.Sprintf("%d rules", len(ids)),
		ActorID:   actorID,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetLockRule(ctx context.Context, id int64) (domain.LockRule, error) {
	return e.Repo.GetLockRule(ctx, id)
}

func (e Engine) ListLockRules(ctx context.Context, f repo.LockRuleFilters) ([]domain.LockRule, error) {
	return e.Repo.ListLockRules(ctx, f)
}

// excludedCategories falls back to the monitoring categories when no config
// is loaded, so tools that run without planlock.yml still evaluate safely.
func (e Engine) excludedCategories() []string {
	if e.Config != nil && len(e.Config.Lock.ExcludedCategories) > 0 {
		return e.Config.Lock.ExcludedCategories
	}
	return []string{"M&E", "M&E MOV"}
}

func (e Engine) batchConcurrency() int {
	if e.Config != nil && e.Config.Lock.BatchConcurrency > 0 {
		return e.Config.Lock.BatchConcurrency
	}
	return 8
}

type objectiveResolver struct {
	repo     repo.Repo
	excluded []string
}

func (r objectiveResolver) Resolve(ctx context.Context, entityID int64) (lock.EntityAttributes, error) {
	o, err := r.repo.GetObjective(ctx, entityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return lock.EntityAttributes{}, lock.ErrEntityNotFound
		}
		return lock.EntityAttributes{}, err
	}
	category := lock.CategoryIndirect
	if slices.Contains(r.excluded, o.Measurement) {
		category = lock.CategoryExcluded
	} else if strings.Contains(o.Measurement, "Direct") {
		// Case-sensitive on purpose: "In direct" stays indirect.
		category = lock.CategoryDirect
	}
	return lock.EntityAttributes{
		ID:       o.ID,
		Category: category,
		GroupID:  o.DepartmentID,
		Tags:     o.KPIs,
	}, nil
}

type ruleStore struct {
	repo repo.Repo
}

func (s ruleStore) ListActiveRules(ctx context.Context) ([]domain.LockRule, error) {
	return s.repo.ListActiveLockRules(ctx)
}

func (e Engine) evaluator() lock.Evaluator {
	return lock.Evaluator{
		Rules:       ruleStore{repo: e.Repo},
		Resolver:    objectiveResolver{repo: e.Repo, excluded: e.excludedCategories()},
		Logger:      e.logger(),
		Concurrency: e.batchConcurrency(),
	}
}

// CheckField answers whether one field on one objective is editable by one
// user right now.
func (e Engine) CheckField(ctx context.Context, c lock.Context) (lock.Verdict, error) {
	return e.evaluator().Evaluate(ctx, c)
}

// CheckBatch evaluates many field queries, preserving input order.
func (e Engine) CheckBatch(ctx context.Context, contexts []lock.Context) []lock.BatchResult {
	return e.evaluator().EvaluateBatch(ctx, contexts)
}

// CheckOperation answers whether adding or deleting objectives is blocked.
func (e Engine) CheckOperation(ctx context.Context, c lock.OperationContext) (lock.Verdict, error) {
	return e.evaluator().EvaluateOperation(ctx, c)
}

func (e Engine) KPIsByUsers(ctx context.Context, userIDs []int64) ([]string, error) {
	return e.Repo.KPIsByUsers(ctx, userIDs)
}

func (e Engine) ObjectivesByUsers(ctx context.Context, userIDs []int64) ([]domain.Objective, error) {
	return e.Repo.ObjectivesByUsers(ctx, userIDs)
}

func (e Engine) ObjectivesByKPIs(ctx context.Context, tags []string) ([]domain.Objective, error) {
	return e.Repo.ObjectivesByKPIs(ctx, tags)
}
