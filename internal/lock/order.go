package lock

import (
	"sort"

	"planlock/internal/domain"
)

// rank maps a rule onto the fixed specificity ladder. Lower ranks are tried
// first. Hierarchical rules split on which dimension they narrow: objective
// beats KPI beats user beats broad.
func rank(r *domain.LockRule) int {
	switch r.ScopeType {
	case domain.ScopeHierarchical:
		switch {
		case r.ObjectiveScope == domain.ScopeSpecific:
			return 0
		case r.KPIScope == domain.ScopeSpecific:
			return 1
		case r.UserScope == domain.ScopeSpecific:
			return 2
		default:
			return 3
		}
	case domain.ScopeSpecificObjective:
		return 4
	case domain.ScopeSpecificUsers:
		return 5
	case domain.ScopeDepartmentKPI:
		return 6
	case domain.ScopeSpecificKPI:
		return 7
	case domain.ScopeAllUsers:
		return 8
	case domain.ScopeAllDepartmentObjectives:
		return 9
	default:
		return 10
	}
}

// Order sorts rules most-specific first. Ties break by ascending rule id so
// repeated evaluations over the same rule set are deterministic.
func Order(rules []domain.LockRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		ri, rj := rank(&rules[i]), rank(&rules[j])
		if ri != rj {
			return ri < rj
		}
		return rules[i].ID < rules[j].ID
	})
}
