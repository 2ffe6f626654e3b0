package lock

import (
	"context"
	"errors"
	"testing"

	"planlock/internal/domain"
)

type fakeStore struct {
	rules []domain.LockRule
	err   error
}

func (s fakeStore) ListActiveRules(ctx context.Context) ([]domain.LockRule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.LockRule(nil), s.rules...), nil
}

type fakeResolver struct {
	entities map[int64]EntityAttributes
	err      error
}

func (r fakeResolver) Resolve(ctx context.Context, id int64) (EntityAttributes, error) {
	if r.err != nil {
		return EntityAttributes{}, r.err
	}
	attrs, ok := r.entities[id]
	if !ok {
		return EntityAttributes{}, ErrEntityNotFound
	}
	return attrs, nil
}

func newEvaluator(rules []domain.LockRule, entities map[int64]EntityAttributes) Evaluator {
	return Evaluator{
		Rules:    fakeStore{rules: rules},
		Resolver: fakeResolver{entities: entities},
	}
}

func direct(id, groupID int64, tags ...string) EntityAttributes {
	return EntityAttributes{ID: id, Category: CategoryDirect, GroupID: groupID, Tags: tags}
}

func i64(v int64) *int64 { return &v }

func TestExcludedCategoryNeverLocked(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{domain.LockTypeAll}},
		{ID: 2, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockAnnualTarget: true, LockMonthlyTarget: true, LockMonthlyActual: true, LockAllOtherFields: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{
		10: {ID: 10, Category: CategoryExcluded, GroupID: 1},
	})
	for _, f := range []FieldType{FieldAnnualTarget, FieldMonthlyTarget, FieldMonthlyActual, FieldAllOtherFields} {
		v, err := ev.Evaluate(context.Background(), Context{FieldType: f, EntityID: 10, ActingUserID: 1})
		if err != nil {
			t.Fatalf("evaluate %s: %v", f, err)
		}
		if v.Locked {
			t.Fatalf("field %s locked for excluded entity", f)
		}
	}
}

func TestMonthlyActualRequiresDirect(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockMonthlyActual: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{
		10: {ID: 10, Category: CategoryIndirect, GroupID: 1},
		11: {ID: 11, Category: CategoryDirect, GroupID: 1},
	})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyActual, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("monthly_actual locked for indirect entity")
	}
	v, err = ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyActual, EntityID: 11, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked {
		t.Fatal("monthly_actual not locked for direct entity")
	}
}

func TestEntityNotFoundFailsOpen(t *testing.T) {
	ev := newEvaluator(nil, nil)
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 99, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("unknown entity reported locked")
	}
}

func TestResolverAndStoreErrorsSurface(t *testing.T) {
	ev := Evaluator{
		Rules:    fakeStore{},
		Resolver: fakeResolver{err: errors.New("db gone")},
	}
	_, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 1})
	var re ResolverError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolverError, got %v", err)
	}

	ev = Evaluator{
		Rules:    fakeStore{err: errors.New("db gone")},
		Resolver: fakeResolver{entities: map[int64]EntityAttributes{1: direct(1, 1)}},
	}
	_, err = ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 1})
	var se StoreError
	if !errors.As(err, &se) {
		t.Fatalf("want StoreError, got %v", err)
	}
}

func TestSpecificityOrdering(t *testing.T) {
	// Both rules lock monthly_target; the objective-specific one must win even
	// though it has the higher id.
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockMonthlyTarget: true},
		{ID: 2, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeSpecific,
			ObjectiveIDs: []int64{10}, LockMonthlyTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked || v.RuleID == nil || *v.RuleID != 2 {
		t.Fatalf("want rule 2 to win, got %+v", v)
	}
}

func TestSpecificKPIBeatsAllUsers(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{"monthly_target"}},
		{ID: 2, ScopeType: domain.ScopeSpecificKPI, IsActive: true, KPI: "delivery-rate",
			LockTypes: []string{"monthly_target"}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1, "delivery-rate")})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 5})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked || v.ScopeType != domain.ScopeSpecificKPI {
		t.Fatalf("want specific_kpi match, got %+v", v)
	}
}

func TestTiesBreakByRuleID(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 9, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{"target"}},
		{ID: 3, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{"target"}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.RuleID == nil || *v.RuleID != 3 {
		t.Fatalf("want lowest-id rule 3, got %+v", v)
	}
}

func TestSpecificUsersScope(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeSpecificUsers, IsActive: true,
			UserIDs: []int64{7}, LockTypes: []string{"monthly_target"}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})

	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 7})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked {
		t.Fatal("listed user not locked")
	}
	v, err = ev.Evaluate(context.Background(), Context{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 8})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("unlisted user locked")
	}
	// The list names monthly_target only; annual_target stays editable.
	v, err = ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 7})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("field outside lock_types locked")
	}
}

func TestLegacyRulesSkipIndirect(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{domain.LockTypeAll}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: {ID: 10, Category: CategoryIndirect, GroupID: 1}})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("legacy rule locked an indirect entity")
	}
}

func TestDepartmentKPIScope(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeDepartmentKPI, IsActive: true,
			DepartmentID: i64(4), KPI: "uptime", LockTypes: []string{"target"}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{
		10: direct(10, 4, "uptime"),
		11: direct(11, 5, "uptime"),
		12: direct(12, 4, "latency"),
	})
	check := func(entity int64, want bool) {
		t.Helper()
		v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: entity, ActingUserID: 1})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if v.Locked != want {
			t.Fatalf("entity %d locked=%v, want %v", entity, v.Locked, want)
		}
	}
	check(10, true)
	check(11, false) // other department
	check(12, false) // kpi not on entity
}

func TestAllDepartmentObjectivesExclusions(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeAllDepartmentObjectives, IsActive: true,
			ExcludeMonthlyTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	cases := []struct {
		field FieldType
		want  bool
	}{
		{FieldMonthlyTarget, false},
		{FieldAnnualTarget, true},
		{FieldMonthlyActual, true},
		{FieldAllOtherFields, true},
	}
	for _, c := range cases {
		v, err := ev.Evaluate(context.Background(), Context{FieldType: c.field, EntityID: 10, ActingUserID: 3})
		if err != nil {
			t.Fatalf("evaluate %s: %v", c.field, err)
		}
		if v.Locked != c.want {
			t.Fatalf("field %s locked=%v, want %v", c.field, v.Locked, c.want)
		}
	}
}

func TestAllDepartmentObjectivesUserNarrowing(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeAllDepartmentObjectives, IsActive: true,
			UserIDs: []int64{7}},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 7})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked {
		t.Fatal("narrowed user not locked")
	}
	v, err = ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 8})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("user outside narrowing locked")
	}
}

func TestNoneScopeMatchesLikeAll(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeNone, KPIScope: domain.ScopeNone, ObjectiveScope: domain.ScopeNone,
			LockAnnualTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Locked {
		t.Fatal("none scopes did not match as all")
	}
}

func TestMalformedRuleSkipped(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true, Malformed: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockAnnualTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Locked {
		t.Fatal("malformed rule produced a lock")
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockMonthlyTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	c := Context{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 1}
	first, err := ev.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := ev.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Locked != second.Locked || first.Reason != second.Reason {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestEvaluateBatchMatchesSingle(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeSpecific, UserIDs: []int64{7},
			KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockAnnualTarget: true},
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{
		10: direct(10, 1),
		11: direct(11, 1),
	})
	contexts := []Context{
		{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 7},
		{FieldType: FieldAnnualTarget, EntityID: 11, ActingUserID: 8},
		{FieldType: FieldAnnualTarget, EntityID: 99, ActingUserID: 7}, // unknown entity
		{FieldType: FieldMonthlyTarget, EntityID: 10, ActingUserID: 7},
	}
	results := ev.EvaluateBatch(context.Background(), contexts)
	if len(results) != len(contexts) {
		t.Fatalf("got %d results, want %d", len(results), len(contexts))
	}
	for i, c := range contexts {
		single, err := ev.Evaluate(context.Background(), c)
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if results[i].Err != nil {
			t.Fatalf("batch item %d: %v", i, results[i].Err)
		}
		if results[i].Locked != single.Locked {
			t.Fatalf("item %d: batch=%v single=%v", i, results[i].Locked, single.Locked)
		}
	}
}

func TestEvaluateOperation(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeAll, KPIScope: domain.ScopeSpecific, KPIIDs: []string{"uptime"},
			ObjectiveScope: domain.ScopeAll, LockAddObjective: true},
		{ID: 2, ScopeType: domain.ScopeHierarchical, IsActive: true,
			UserScope: domain.ScopeSpecific, UserIDs: []int64{7},
			KPIScope: domain.ScopeAll, ObjectiveScope: domain.ScopeAll,
			LockDeleteObjective: true},
		// Legacy shapes never gate structural operations.
		{ID: 3, ScopeType: domain.ScopeAllUsers, IsActive: true, LockTypes: []string{domain.LockTypeAll}},
	}
	ev := newEvaluator(rules, nil)
	bg := context.Background()

	// Add with the narrowed KPI is blocked; without a KPI the narrowing rule
	// cannot apply yet.
	v, err := ev.EvaluateOperation(bg, OperationContext{Operation: OperationAdd, KPITag: "uptime", ActingUserID: 1})
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if !v.Locked {
		t.Fatal("add with narrowed kpi not blocked")
	}
	v, err = ev.EvaluateOperation(bg, OperationContext{Operation: OperationAdd, ActingUserID: 1})
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if v.Locked {
		t.Fatal("add without kpi blocked by kpi-specific rule")
	}

	v, err = ev.EvaluateOperation(bg, OperationContext{Operation: OperationDelete, ActingUserID: 7})
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if !v.Locked {
		t.Fatal("delete not blocked for scoped user")
	}
	v, err = ev.EvaluateOperation(bg, OperationContext{Operation: OperationDelete, ActingUserID: 8})
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if v.Locked {
		t.Fatal("delete blocked for user outside scope")
	}

	if _, err := ev.EvaluateOperation(bg, OperationContext{Operation: "rename"}); err == nil {
		t.Fatal("unknown operation accepted")
	}
}

func TestParseOperation(t *testing.T) {
	if op, err := ParseOperation("add_objective"); err != nil || op != OperationAdd {
		t.Fatalf("add_objective: got %q, %v", op, err)
	}
	if op, err := ParseOperation("delete_objective"); err != nil || op != OperationDelete {
		t.Fatalf("delete_objective: got %q, %v", op, err)
	}
	if _, err := ParseOperation("rename_objective"); err == nil {
		t.Fatal("unknown wire name accepted")
	}
}

func TestUnknownScopeTypeSortsLastAndNeverMatches(t *testing.T) {
	rules := []domain.LockRule{
		{ID: 1, ScopeType: "mystery", IsActive: true},
		{ID: 2, ScopeType: domain.ScopeAllDepartmentObjectives, IsActive: true},
	}
	Order(rules)
	if rules[0].ID != 2 {
		t.Fatalf("unknown scope not sorted last: %+v", rules)
	}
	ev := newEvaluator(rules, map[int64]EntityAttributes{10: direct(10, 1)})
	v, err := ev.Evaluate(context.Background(), Context{FieldType: FieldAnnualTarget, EntityID: 10, ActingUserID: 1})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.RuleID == nil || *v.RuleID != 2 {
		t.Fatalf("want rule 2 match, got %+v", v)
	}
}
