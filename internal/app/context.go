package app

import (
	"context"
	"fmt"
	"time"

	"planlock/internal/config"
	"planlock/internal/repo"
)

// ResolveConfig loads planlock.yml from the workspace, falling back to the
// built-in defaults when the file is absent.
func ResolveConfig(workspace, projectOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		projectID := projectOverride
		if projectID == "" {
			projectID = "planlock"
		}
		cfg = config.Default(projectID)
	}
	if projectOverride != "" {
		cfg.Project.ID = projectOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var defaultRoles = map[string][]string{
	"admin":   {"rule.write", "plan.write", "rbac.manage"},
	"planner": {"rule.write", "plan.write"},
	"viewer":  {},
}

// SeedRBAC inserts the built-in roles and permissions and makes actorID an
// admin. All statements are INSERT OR IGNORE, so reruns are harmless.
func SeedRBAC(ctx context.Context, r repo.Repo, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for role, perms := range defaultRoles {
		if err := r.InsertRole(ctx, tx, role, ""); err != nil {
			return fmt.Errorf("insert role %s: %w", role, err)
		}
		for _, perm := range perms {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
				return fmt.Errorf("bind %s to %s: %w", perm, role, err)
			}
		}
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, actorID, "admin"); err != nil {
		return fmt.Errorf("assign admin: %w", err)
	}
	return tx.Commit()
}
