// Package lock decides whether a specific editable field on a plan entity may
// currently be edited by a specific user. Lock rules carry orthogonal scope
// dimensions (users, KPIs, objectives) plus per-field switches; evaluation
// orders active rules most-specific first and stops at the first rule whose
// scope matches and whose field resolution is "locked".
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"planlock/internal/domain"
)

// FieldType identifies one editable field category on an objective.
type FieldType string

const (
	FieldAnnualTarget    FieldType = "annual_target"
	FieldMonthlyTarget   FieldType = "monthly_target"
	FieldMonthlyActual   FieldType = "monthly_actual"
	FieldAllOtherFields  FieldType = "all_other_fields"
	FieldAddObjective    FieldType = "add_objective"
	FieldDeleteObjective FieldType = "delete_objective"
)

// Category is the measurement category of an entity. Excluded entities are
// never lockable; monthly actuals are only lockable for Direct entities.
type Category string

const (
	CategoryDirect   Category = "direct"
	CategoryIndirect Category = "indirect"
	CategoryExcluded Category = "excluded"
)

// Operation is a structural change to the plan checked by EvaluateOperation.
type Operation string

const (
	OperationAdd    Operation = "add"
	OperationDelete Operation = "delete"
)

// ParseOperation maps the wire names callers send onto operations.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "add_objective":
		return OperationAdd, nil
	case "delete_objective":
		return OperationDelete, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// EntityAttributes are the static attributes of an entity needed for matching.
type EntityAttributes struct {
	ID       int64
	Category Category
	GroupID  int64
	Tags     []string
}

// Context is one (field, entity, user, period) query. Period is informational
// and carried through for audit output only.
type Context struct {
	FieldType    FieldType
	EntityID     int64
	ActingUserID int64
	Period       string
}

// OperationContext asks whether adding or deleting an entity is blocked for a
// user. KPITag is optional; before a KPI is chosen only rules that do not
// narrow by KPI can match. GroupID is carried for audit output.
type OperationContext struct {
	Operation    Operation
	KPITag       string
	GroupID      int64
	ActingUserID int64
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Locked    bool   `json:"is_locked"`
	Reason    string `json:"reason,omitempty"`
	RuleID    *int64 `json:"matched_rule_id,omitempty"`
	ScopeType string `json:"scope_type,omitempty"`
}

// BatchResult pairs a verdict with the per-item error, if any. A failed item
// never aborts the rest of the batch.
type BatchResult struct {
	Verdict
	Err error
}

// ErrEntityNotFound is returned by a Resolver when the entity does not exist.
// Evaluation fails open on it: an unknown entity cannot be locked.
var ErrEntityNotFound = errors.New("entity not found")

// StoreError wraps a rule store failure; callers should treat it as "cannot
// confirm unlocked" rather than as an unlocked verdict.
type StoreError struct {
	Err error
}

func (e StoreError) Error() string { return "rule store: " + e.Err.Error() }
func (e StoreError) Unwrap() error { return e.Err }

// ResolverError wraps an attribute resolver failure other than not-found.
type ResolverError struct {
	Err error
}

func (e ResolverError) Error() string { return "attribute resolver: " + e.Err.Error() }
func (e ResolverError) Unwrap() error { return e.Err }

// RuleStore supplies the active rules. Evaluation never writes.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]domain.LockRule, error)
}

// Resolver supplies entity attributes for matching.
type Resolver interface {
	Resolve(ctx context.Context, entityID int64) (EntityAttributes, error)
}

// Evaluator holds the injected collaborators. It is stateless across calls;
// rules are re-read from the store on every evaluation so rule mutations are
// visible on the next call.
type Evaluator struct {
	Rules       RuleStore
	Resolver    Resolver
	Logger      *slog.Logger
	Concurrency int
}

func (ev Evaluator) logger() *slog.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return slog.Default()
}

// Evaluate returns the lock verdict for a single field query.
func (ev Evaluator) Evaluate(ctx context.Context, c Context) (Verdict, error) {
	attrs, err := ev.Resolver.Resolve(ctx, c.EntityID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return Verdict{}, nil
		}
		return Verdict{}, ResolverError{Err: err}
	}
	if attrs.Category == CategoryExcluded {
		return Verdict{}, nil
	}
	if c.FieldType == FieldMonthlyActual && attrs.Category != CategoryDirect {
		return Verdict{}, nil
	}
	rules, err := ev.Rules.ListActiveRules(ctx)
	if err != nil {
		return Verdict{}, StoreError{Err: err}
	}
	Order(rules)
	for i := range rules {
		r := &rules[i]
		if r.Malformed {
			ev.logger().Warn("skipping malformed lock rule", "rule_id", r.ID, "scope_type", r.ScopeType)
			continue
		}
		if v, ok := matchRule(r, c, attrs); ok {
			return v, nil
		}
	}
	return Verdict{}, nil
}

// EvaluateOperation checks whether a structural add/delete is blocked. Only
// hierarchical rules with the corresponding switch enabled are considered.
func (ev Evaluator) EvaluateOperation(ctx context.Context, c OperationContext) (Verdict, error) {
	if c.Operation != OperationAdd && c.Operation != OperationDelete {
		return Verdict{}, fmt.Errorf("unknown operation %q", c.Operation)
	}
	rules, err := ev.Rules.ListActiveRules(ctx)
	if err != nil {
		return Verdict{}, StoreError{Err: err}
	}
	Order(rules)
	for i := range rules {
		r := &rules[i]
		if r.Malformed {
			ev.logger().Warn("skipping malformed lock rule", "rule_id", r.ID, "scope_type", r.ScopeType)
			continue
		}
		if r.ScopeType != domain.ScopeHierarchical {
			continue
		}
		switched := r.LockAddObjective
		field := FieldAddObjective
		if c.Operation == OperationDelete {
			switched = r.LockDeleteObjective
			field = FieldDeleteObjective
		}
		if !switched {
			continue
		}
		if !matchUserScope(r, c.ActingUserID) {
			continue
		}
		if c.KPITag == "" {
			// No KPI chosen yet: only rules that do not narrow by KPI apply.
			if r.KPIScope == domain.ScopeSpecific {
				continue
			}
		} else if !matchKPIScope(r, []string{c.KPITag}) {
			continue
		}
		id := r.ID
		return Verdict{
			Locked:    true,
			Reason:    fmt.Sprintf("locked by %s rule %d for %s", r.ScopeType, r.ID, field),
			RuleID:    &id,
			ScopeType: r.ScopeType,
		}, nil
	}
	return Verdict{}, nil
}

const defaultBatchConcurrency = 8

// EvaluateBatch evaluates each context independently under a bounded worker
// pool and returns results in input order.
func (ev Evaluator) EvaluateBatch(ctx context.Context, contexts []Context) []BatchResult {
	results := make([]BatchResult, len(contexts))
	if len(contexts) == 0 {
		return results
	}
	workers := ev.Concurrency
	if workers <= 0 {
		workers = defaultBatchConcurrency
	}
	if workers > len(contexts) {
		workers = len(contexts)
	}
	type job struct {
		idx int
		c   Context
	}
	jobs := make(chan job)
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for j := range jobs {
				v, err := ev.Evaluate(ctx, j.c)
				results[j.idx] = BatchResult{Verdict: v, Err: err}
			}
			done <- struct{}{}
		}()
	}
	for i, c := range contexts {
		jobs <- job{idx: i, c: c}
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}
	return results
}
