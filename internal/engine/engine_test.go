package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/lock"
	"planlock/internal/migrate"
	"planlock/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("plan-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) department(t *testing.T, name string) domain.Department {
	t.Helper()
	d, err := env.Engine.CreateDepartment(env.Ctx, name, "tester")
	if err != nil {
		t.Fatalf("create department: %v", err)
	}
	return d
}

func (env testEnv) user(t *testing.T, name string, departmentID int64) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, name, "", departmentID, "tester")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (env testEnv) objective(t *testing.T, departmentID int64, name, measurement string, kpis ...string) domain.Objective {
	t.Helper()
	o, err := env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{
		DepartmentID: departmentID,
		Name:         name,
		KPIs:         kpis,
		Measurement:  measurement,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	return o
}

func TestCreateLockRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		rule domain.LockRule
	}{
		{"missing scope_type", domain.LockRule{}},
		{"unknown scope_type", domain.LockRule{ScopeType: "mystery"}},
		{"hierarchical without switches", domain.LockRule{ScopeType: domain.ScopeHierarchical}},
		{"legacy without lock_types", domain.LockRule{ScopeType: domain.ScopeAllUsers}},
		{"specific users without ids", domain.LockRule{ScopeType: domain.ScopeSpecificUsers, LockTypes: []string{"target"}}},
	}
	for _, c := range cases {
		_, err := env.Engine.CreateLockRule(env.Ctx, c.rule, true, "tester")
		var verr engine.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: want ValidationError, got %v", c.name, err)
		}
	}
}

func TestCheckFieldEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	alice := env.user(t, "alice", dept.ID)
	bob := env.user(t, "bob", dept.ID)
	obj := env.objective(t, dept.ID, "Improve delivery", "Direct", "delivery-rate")

	_, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:         domain.ScopeHierarchical,
		UserScope:         domain.ScopeSpecific,
		UserIDs:           []int64{alice.ID},
		KPIScope:          domain.ScopeAll,
		ObjectiveScope:    domain.ScopeAll,
		LockMonthlyTarget: true,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	v, err := env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldMonthlyTarget,
		EntityID:     obj.ID,
		ActingUserID: alice.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Locked {
		t.Fatal("scoped user not locked")
	}
	v, err = env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldMonthlyTarget,
		EntityID:     obj.ID,
		ActingUserID: bob.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Locked {
		t.Fatal("unscoped user locked")
	}
}

func TestCategoryGates(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	indirect := env.objective(t, dept.ID, "Indirect objective", "In direct")
	excluded := env.objective(t, dept.ID, "Monitoring objective", "M&E")
	qualified := env.objective(t, dept.ID, "Qualified objective", "Direct (computed)")

	_, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:         domain.ScopeHierarchical,
		UserScope:         domain.ScopeAll,
		KPIScope:          domain.ScopeAll,
		ObjectiveScope:    domain.ScopeAll,
		LockMonthlyActual: true,
		LockAnnualTarget:  true,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	v, err := env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldMonthlyActual,
		EntityID:     indirect.ID,
		ActingUserID: user.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Locked {
		t.Fatal("monthly_actual locked for non-direct measurement")
	}
	// The same rule still locks annual_target on the indirect objective.
	v, err = env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldAnnualTarget,
		EntityID:     indirect.ID,
		ActingUserID: user.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Locked {
		t.Fatal("annual_target not locked for indirect measurement")
	}
	v, err = env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldAnnualTarget,
		EntityID:     excluded.ID,
		ActingUserID: user.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Locked {
		t.Fatal("excluded measurement locked")
	}
	// A qualified measurement naming Direct still counts as direct.
	v, err = env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldMonthlyActual,
		EntityID:     qualified.ID,
		ActingUserID: user.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Locked {
		t.Fatal("monthly_actual not locked for qualified Direct measurement")
	}
}

func TestDeactivateRuleUnlocks(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	obj := env.objective(t, dept.ID, "Objective", "Direct")

	rule, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType: domain.ScopeAllDepartmentObjectives,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	c := lock.Context{FieldType: lock.FieldAnnualTarget, EntityID: obj.ID, ActingUserID: user.ID}
	v, err := env.Engine.CheckField(env.Ctx, c)
	if err != nil || !v.Locked {
		t.Fatalf("want locked before deactivation, got %+v err=%v", v, err)
	}
	if err := env.Engine.DeactivateLockRule(env.Ctx, rule.ID, "admin"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	v, err = env.Engine.CheckField(env.Ctx, c)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Locked {
		t.Fatal("still locked after deactivation")
	}
}

func TestUpdateLockRulePartial(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:         domain.ScopeHierarchical,
		UserScope:         domain.ScopeAll,
		KPIScope:          domain.ScopeAll,
		ObjectiveScope:    domain.ScopeAll,
		LockMonthlyTarget: true,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	desc := "freeze during planning"
	updated, err := env.Engine.UpdateLockRule(env.Ctx, rule.ID, repo.LockRuleUpdate{Description: &desc}, "admin")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Description != desc || !updated.LockMonthlyTarget {
		t.Fatalf("partial update clobbered fields: %+v", updated)
	}
	// Turning the last switch off must be rejected.
	off := false
	_, err = env.Engine.UpdateLockRule(env.Ctx, rule.ID, repo.LockRuleUpdate{LockMonthlyTarget: &off}, "admin")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	got, err := env.Engine.GetLockRule(env.Ctx, rule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LockMonthlyTarget {
		t.Fatal("rejected update was persisted")
	}
}

func TestBulkCreateIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.BulkCreateLockRules(env.Ctx, []domain.LockRule{
		{ScopeType: domain.ScopeAllUsers, LockTypes: []string{"target"}},
		{ScopeType: domain.ScopeHierarchical}, // invalid
	}, "admin")
	if err == nil {
		t.Fatal("invalid batch accepted")
	}
	rules, err := env.Engine.ListLockRules(env.Ctx, repo.LockRuleFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("partial batch persisted: %d rules", len(rules))
	}
}

func TestGuardedMonthlyWrite(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	obj := env.objective(t, dept.ID, "Objective", "Direct")

	target := 42.0
	if err := env.Engine.SetMonthlyValue(env.Ctx, obj.ID, "2026-03", &target, nil, user.ID, "alice"); err != nil {
		t.Fatalf("unlocked write rejected: %v", err)
	}
	_, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:         domain.ScopeHierarchical,
		UserScope:         domain.ScopeAll,
		KPIScope:          domain.ScopeAll,
		ObjectiveScope:    domain.ScopeAll,
		LockMonthlyTarget: true,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	err = env.Engine.SetMonthlyValue(env.Ctx, obj.ID, "2026-04", &target, nil, user.ID, "alice")
	var lerr engine.LockedError
	if !errors.As(err, &lerr) {
		t.Fatalf("want LockedError, got %v", err)
	}
	// Actuals are not covered by the rule and still writable.
	actual := 40.0
	if err := env.Engine.SetMonthlyValue(env.Ctx, obj.ID, "2026-04", nil, &actual, user.ID, "alice"); err != nil {
		t.Fatalf("actual write rejected: %v", err)
	}
}

func TestGuardedObjectiveOperations(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	obj := env.objective(t, dept.ID, "Objective", "Direct", "uptime")

	_, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:           domain.ScopeHierarchical,
		UserScope:           domain.ScopeAll,
		KPIScope:            domain.ScopeSpecific,
		KPIIDs:              []string{"uptime"},
		ObjectiveScope:      domain.ScopeAll,
		LockAddObjective:    true,
		LockDeleteObjective: true,
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	_, err = env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{
		DepartmentID: dept.ID,
		Name:         "Another",
		KPIs:         []string{"uptime"},
		UserID:       user.ID,
		ActorID:      "alice",
	})
	var lerr engine.LockedError
	if !errors.As(err, &lerr) {
		t.Fatalf("want LockedError on add, got %v", err)
	}
	err = env.Engine.DeleteObjective(env.Ctx, obj.ID, user.ID, "alice")
	if !errors.As(err, &lerr) {
		t.Fatalf("want LockedError on delete, got %v", err)
	}
	// A different KPI is not narrowed by the rule.
	if _, err := env.Engine.CreateObjective(env.Ctx, engine.ObjectiveCreateOptions{
		DepartmentID: dept.ID,
		Name:         "Unrelated",
		KPIs:         []string{"latency"},
		UserID:       user.ID,
		ActorID:      "alice",
	}); err != nil {
		t.Fatalf("unrelated add rejected: %v", err)
	}
}

func TestCheckBatchPreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	a := env.objective(t, dept.ID, "A", "Direct")
	b := env.objective(t, dept.ID, "B", "Direct")

	_, err := env.Engine.CreateLockRule(env.Ctx, domain.LockRule{
		ScopeType:             domain.ScopeSpecificObjective,
		DepartmentObjectiveID: &a.ID,
		LockTypes:             []string{"target"},
	}, true, "admin")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	contexts := []lock.Context{
		{FieldType: lock.FieldAnnualTarget, EntityID: a.ID, ActingUserID: user.ID},
		{FieldType: lock.FieldAnnualTarget, EntityID: b.ID, ActingUserID: user.ID},
		{FieldType: lock.FieldAnnualTarget, EntityID: 9999, ActingUserID: user.ID},
	}
	results := env.Engine.CheckBatch(env.Ctx, contexts)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if !results[0].Locked || results[1].Locked || results[2].Locked {
		t.Fatalf("unexpected verdicts: %+v", results)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("item %d: %v", i, r.Err)
		}
	}
}

func TestMalformedStoredRule(t *testing.T) {
	env := newTestEnv(t)
	dept := env.department(t, "Operations")
	user := env.user(t, "alice", dept.ID)
	obj := env.objective(t, dept.ID, "Objective", "Direct")

	// A rule row whose scope list column holds junk instead of a JSON array.
	now := "2026-01-01T00:00:00Z"
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO lock_rules(scope_type,is_active,user_scope,kpi_scope,objective_scope,user_ids,created_at,updated_at) VALUES ('hierarchical',1,'specific','all','all','not-json',?,?)`, now, now); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	rules, err := env.Engine.ListLockRules(env.Ctx, repo.LockRuleFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || !rules[0].Malformed {
		t.Fatalf("malformed rule not surfaced: %+v", rules)
	}
	v, err := env.Engine.CheckField(env.Ctx, lock.Context{
		FieldType:    lock.FieldAnnualTarget,
		EntityID:     obj.ID,
		ActingUserID: user.ID,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Locked {
		t.Fatal("malformed rule locked a field")
	}
}

func TestLookups(t *testing.T) {
	env := newTestEnv(t)
	ops := env.department(t, "Operations")
	fin := env.department(t, "Finance")
	alice := env.user(t, "alice", ops.ID)
	env.objective(t, ops.ID, "Delivery", "Direct", "delivery-rate", "uptime")
	env.objective(t, fin.ID, "Budget", "Direct", "budget-use")

	kpis, err := env.Engine.KPIsByUsers(env.Ctx, []int64{alice.ID})
	if err != nil {
		t.Fatalf("kpis by users: %v", err)
	}
	if len(kpis) != 2 || kpis[0] != "delivery-rate" || kpis[1] != "uptime" {
		t.Fatalf("unexpected kpis: %v", kpis)
	}
	objs, err := env.Engine.ObjectivesByKPIs(env.Ctx, []string{"budget-use"})
	if err != nil {
		t.Fatalf("objectives by kpis: %v", err)
	}
	if len(objs) != 1 || objs[0].DepartmentID != fin.ID {
		t.Fatalf("unexpected objectives: %+v", objs)
	}
}
