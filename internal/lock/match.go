package lock

import (
	"fmt"
	"slices"

	"planlock/internal/domain"
)

func matchRule(r *domain.LockRule, c Context, attrs EntityAttributes) (Verdict, bool) {
	if r.ScopeType == domain.ScopeHierarchical {
		return matchHierarchical(r, c, attrs)
	}
	// Every legacy shape only ever locks Direct entities.
	if attrs.Category != CategoryDirect {
		return Verdict{}, false
	}
	switch r.ScopeType {
	case domain.ScopeSpecificUsers:
		if slices.Contains(r.UserIDs, c.ActingUserID) && lockTypeCovers(r, c.FieldType) {
			return lockedBy(r, c.FieldType), true
		}
	case domain.ScopeDepartmentKPI:
		if r.DepartmentID != nil && *r.DepartmentID == attrs.GroupID &&
			slices.Contains(attrs.Tags, r.KPI) && lockTypeCovers(r, c.FieldType) {
			return lockedBy(r, c.FieldType), true
		}
	case domain.ScopeSpecificKPI:
		if slices.Contains(attrs.Tags, r.KPI) && lockTypeCovers(r, c.FieldType) {
			return lockedBy(r, c.FieldType), true
		}
	case domain.ScopeAllUsers:
		if lockTypeCovers(r, c.FieldType) {
			return lockedBy(r, c.FieldType), true
		}
	case domain.ScopeSpecificObjective:
		if r.DepartmentObjectiveID != nil && *r.DepartmentObjectiveID == attrs.ID &&
			lockTypeCovers(r, c.FieldType) {
			return lockedBy(r, c.FieldType), true
		}
	case domain.ScopeAllDepartmentObjectives:
		return matchAllDepartmentObjectives(r, c)
	}
	return Verdict{}, false
}

// matchHierarchical requires all three scope dimensions to match, then locks
// only if the switch for the requested field is on. A non-matching dimension
// or a disabled switch both mean "this rule says nothing", not "unlocked".
func matchHierarchical(r *domain.LockRule, c Context, attrs EntityAttributes) (Verdict, bool) {
	if !matchUserScope(r, c.ActingUserID) ||
		!matchKPIScope(r, attrs.Tags) ||
		!matchObjectiveScope(r, attrs.ID) {
		return Verdict{}, false
	}
	var on bool
	switch c.FieldType {
	case FieldAnnualTarget:
		on = r.LockAnnualTarget
	case FieldMonthlyTarget:
		on = r.LockMonthlyTarget
	case FieldMonthlyActual:
		on = r.LockMonthlyActual
	default:
		on = r.LockAllOtherFields
	}
	if !on {
		return Verdict{}, false
	}
	return lockedBy(r, c.FieldType), true
}

// matchAllDepartmentObjectives is the broad legacy shape: it covers every
// objective, optionally narrowed to specific users, and its exclusion flags
// carve individual fields back out. Fields without a flag are always locked.
func matchAllDepartmentObjectives(r *domain.LockRule, c Context) (Verdict, bool) {
	if len(r.UserIDs) > 0 && !slices.Contains(r.UserIDs, c.ActingUserID) {
		return Verdict{}, false
	}
	switch c.FieldType {
	case FieldAnnualTarget:
		if r.ExcludeAnnualTarget {
			return Verdict{}, false
		}
	case FieldMonthlyTarget:
		if r.ExcludeMonthlyTarget {
			return Verdict{}, false
		}
	case FieldMonthlyActual:
		if r.ExcludeMonthlyActual {
			return Verdict{}, false
		}
	}
	return lockedBy(r, c.FieldType), true
}

// matchUserScope and friends treat "none" the same as "all": only an explicit
// "specific" scope narrows the dimension.
func matchUserScope(r *domain.LockRule, userID int64) bool {
	if r.UserScope != domain.ScopeSpecific {
		return true
	}
	return slices.Contains(r.UserIDs, userID)
}

func matchKPIScope(r *domain.LockRule, tags []string) bool {
	if r.KPIScope != domain.ScopeSpecific {
		return true
	}
	for _, t := range tags {
		if slices.Contains(r.KPIIDs, t) {
			return true
		}
	}
	return false
}

func matchObjectiveScope(r *domain.LockRule, entityID int64) bool {
	if r.ObjectiveScope != domain.ScopeSpecific {
		return true
	}
	return slices.Contains(r.ObjectiveIDs, entityID)
}

// legacyToken maps a field to its value in legacy lock_types lists. Fields
// outside the three named ones have no token and are only covered through the
// catch-all sentinel.
func legacyToken(f FieldType) string {
	switch f {
	case FieldAnnualTarget:
		return "target"
	case FieldMonthlyTarget:
		return "monthly_target"
	case FieldMonthlyActual:
		return "monthly_actual"
	default:
		return ""
	}
}

func lockTypeCovers(r *domain.LockRule, f FieldType) bool {
	token := legacyToken(f)
	for _, t := range r.LockTypes {
		if t == domain.LockTypeAll {
			return true
		}
		if token != "" && t == token {
			return true
		}
	}
	return false
}

func lockedBy(r *domain.LockRule, f FieldType) Verdict {
	id := r.ID
	return Verdict{
		Locked:    true,
		Reason:    fmt.Sprintf("locked by %s rule %d for %s", r.ScopeType, r.ID, f),
		RuleID:    &id,
		ScopeType: r.ScopeType,
	}
}
