package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"planlock/internal/domain"
	"planlock/internal/repo"
)

// MetricsSource supplies external monthly series for backfill. Keys are
// YYYY-MM months.
type MetricsSource interface {
	MonthlySeries(ctx context.Context, source, project, metric string) (map[string]float64, error)
}

// HTTPMetricsSource reads series from the metrics gateway.
type HTTPMetricsSource struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPMetricsSource) MonthlySeries(ctx context.Context, source, project, metric string) (map[string]float64, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	q := url.Values{}
	q.Set("source", source)
	q.Set("project", project)
	if metric != "" {
		q.Set("metric", metric)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/series?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics gateway returned %s", resp.Status)
	}
	var series map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return series, nil
}

// TriggerBackfill kicks off a background fill of the monthly values a rule
// just froze, so locked cells show external data instead of staying stale.
// Failures are logged and never surface to the rule write that triggered it.
func (e Engine) TriggerBackfill(rule domain.LockRule) {
	if e.Metrics == nil || e.Config == nil || !e.Config.Backfill.Enabled {
		return
	}
	if rule.ScopeType != domain.ScopeHierarchical {
		return
	}
	if !rule.LockMonthlyTarget && !rule.LockMonthlyActual {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := e.backfill(ctx, rule); err != nil {
			e.logger().Error("backfill failed", "rule_id", rule.ID, "err", err)
		}
	}()
}

func (e Engine) backfill(ctx context.Context, rule domain.LockRule) error {
	objectives, err := e.backfillObjectives(ctx, rule)
	if err != nil {
		return err
	}
	if len(objectives) == 0 {
		return nil
	}
	ids := make([]int64, len(objectives))
	for i, o := range objectives {
		ids[i] = o.ID
	}
	mappings, err := e.Repo.MappingsForObjectives(ctx, ids)
	if err != nil {
		return err
	}
	months := monthsBetween(e.Config.Backfill.MonthsFrom, e.Config.Backfill.MonthsTo)
	now := e.now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		m, ok := mappings[id]
		if !ok {
			continue
		}
		if rule.LockMonthlyTarget && m.TargetSource == "pms_target" {
			series, err := e.Metrics.MonthlySeries(ctx, "pms", m.PMSProject, m.PMSMetric)
			if err != nil {
				e.logger().Warn("target series unavailable", "objective_id", id, "err", err)
			} else {
				e.fillMonths(ctx, id, months, series, true, now)
			}
		}
		if rule.LockMonthlyActual && m.ActualSource != "manual" {
			source, project := "pms", m.PMSProject
			if m.ActualSource == "odoo_services_done" {
				source, project = "odoo", m.OdooProject
			}
			series, err := e.Metrics.MonthlySeries(ctx, source, project, m.PMSMetric)
			if err != nil {
				e.logger().Warn("actual series unavailable", "objective_id", id, "err", err)
			} else {
				e.fillMonths(ctx, id, months, series, false, now)
			}
		}
	}
	return nil
}

// backfillObjectives resolves which objectives a hierarchical rule covers,
// narrowing by the most specific dimension the rule sets.
func (e Engine) backfillObjectives(ctx context.Context, rule domain.LockRule) ([]domain.Objective, error) {
	switch {
	case rule.ObjectiveScope == domain.ScopeSpecific:
		var out []domain.Objective
		for _, id := range rule.ObjectiveIDs {
			o, err := e.Repo.GetObjective(ctx, id)
			if err != nil {
				e.logger().Warn("backfill objective missing", "objective_id", id)
				continue
			}
			out = append(out, o)
		}
		return out, nil
	case rule.KPIScope == domain.ScopeSpecific:
		return e.Repo.ObjectivesByKPIs(ctx, rule.KPIIDs)
	case rule.UserScope == domain.ScopeSpecific:
		return e.Repo.ObjectivesByUsers(ctx, rule.UserIDs)
	default:
		return e.Repo.ListObjectives(ctx, repo.ObjectiveFilters{})
	}
}

func (e Engine) fillMonths(ctx context.Context, objectiveID int64, months []string, series map[string]float64, target bool, now string) {
	for _, month := range months {
		value, ok := series[month]
		if !ok {
			continue
		}
		mv := domain.MonthlyValue{ObjectiveID: objectiveID, Month: month, UpdatedAt: now}
		if target {
			mv.Target = &value
		} else {
			mv.Actual = &value
		}
		if err := e.Repo.UpsertMonthlyValue(ctx, nil, mv); err != nil {
			e.logger().Warn("backfill write failed", "objective_id", objectiveID, "month", month, "err", err)
		}
	}
}

func monthsBetween(from, to string) []string {
	start, err := time.Parse("2006-01", from)
	if err != nil {
		return nil
	}
	end, err := time.Parse("2006-01", to)
	if err != nil {
		return nil
	}
	var months []string
	for t := start; !t.After(end); t = t.AddDate(0, 1, 0) {
		months = append(months, t.Format("2006-01"))
	}
	return months
}
