package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planlock/internal/app"
	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/lock"
	"planlock/internal/migrate"
	"planlock/internal/repo"
	"planlock/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planlock CLI",
	Long: `Planlock guards strategic-plan data with field-level lock rules.
- Workspace: the .planlock directory holding the SQLite database; planlock.yml beside it configures the instance.
- Departments, users, objectives: the plan structure; each objective carries KPI tags and a measurement category.
- Lock rules: who may edit which field. Hierarchical rules combine user/KPI/objective scopes; legacy shapes target users, departments, or single objectives.
- Checks: ask whether a field or a structural operation (add/delete objective) is locked for a user before writing.
- Backfill: when a rule freezes monthly values, mapped external metric series fill them in.
- Event log: every rule change is recorded, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(departmentCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(objectiveCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create planlock.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if projectID == "" {
				projectID = "planlock"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect instance config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate planlock.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instance counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var active, total, objectives, departments, users int
				row := e.DB.QueryRowContext(ctx, `SELECT
					(SELECT COUNT(*) FROM lock_rules WHERE is_active = 1),
					(SELECT COUNT(*) FROM lock_rules),
					(SELECT COUNT(*) FROM objectives),
					(SELECT COUNT(*) FROM departments),
					(SELECT COUNT(*) FROM users)`)
				if err := row.Scan(&active, &total, &objectives, &departments, &users); err != nil {
					return err
				}
				out := map[string]any{
					"project_id":   e.Config.Project.ID,
					"active_rules": active,
					"total_rules":  total,
					"objectives":   objectives,
					"departments":  departments,
					"users":        users,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s\n", e.Config.Project.ID)
				fmt.Printf("Lock rules: %d active / %d total\n", active, total)
				fmt.Printf("Objectives: %d across %d departments, %d users\n", objectives, departments, users)
				return nil
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage lock rules",
		Long:  "Lock rules decide who may edit which plan field. The most specific active rule wins; deactivated rules stop matching immediately.",
	}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleDisableCmd())
	rule.AddCommand(ruleBulkCmd())
	rule.AddCommand(ruleBulkDisableCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var r domain.LockRule
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lock rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateLockRule(ctx, r, !inactive, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&r.ScopeType, "scope-type", "", "rule shape (hierarchical, specific_users, department_kpi, specific_kpi, all_users, specific_objective, all_department_objectives)")
	cmd.Flags().StringVar(&r.UserScope, "user-scope", "", "hierarchical user scope (all, specific, none)")
	cmd.Flags().StringVar(&r.KPIScope, "kpi-scope", "", "hierarchical KPI scope (all, specific, none)")
	cmd.Flags().StringVar(&r.ObjectiveScope, "objective-scope", "", "hierarchical objective scope (all, specific, none)")
	cmd.Flags().Int64SliceVar(&r.UserIDs, "user-ids", nil, "user ids")
	cmd.Flags().StringSliceVar(&r.KPIIDs, "kpi-ids", nil, "KPI tags")
	cmd.Flags().Int64SliceVar(&r.ObjectiveIDs, "objective-ids", nil, "objective ids")
	cmd.Flags().BoolVar(&r.LockAnnualTarget, "lock-annual-target", false, "lock the annual target")
	cmd.Flags().BoolVar(&r.LockMonthlyTarget, "lock-monthly-target", false, "lock monthly targets")
	cmd.Flags().BoolVar(&r.LockMonthlyActual, "lock-monthly-actual", false, "lock monthly actuals")
	cmd.Flags().BoolVar(&r.LockAllOtherFields, "lock-other-fields", false, "lock descriptive fields")
	cmd.Flags().BoolVar(&r.LockAddObjective, "lock-add-objective", false, "lock adding objectives")
	cmd.Flags().BoolVar(&r.LockDeleteObjective, "lock-delete-objective", false, "lock deleting objectives")
	cmd.Flags().StringSliceVar(&r.LockTypes, "lock-types", nil, "legacy lock tokens (target, monthly_target, monthly_actual, all_department_objectives)")
	cmd.Flags().StringVar(&r.KPI, "kpi", "", "KPI tag (department_kpi, specific_kpi)")
	cmd.Flags().BoolVar(&r.ExcludeAnnualTarget, "exclude-annual-target", false, "carve the annual target out of an all_department_objectives rule")
	cmd.Flags().BoolVar(&r.ExcludeMonthlyTarget, "exclude-monthly-target", false, "carve monthly targets out")
	cmd.Flags().BoolVar(&r.ExcludeMonthlyActual, "exclude-monthly-actual", false, "carve monthly actuals out")
	cmd.Flags().StringVar(&r.Description, "description", "", "description")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the rule deactivated")
	deptID := cmd.Flags().Int64("department-id", 0, "department id (department_kpi)")
	objID := cmd.Flags().Int64("department-objective-id", 0, "objective id (specific_objective)")
	preRun := func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("department-id") {
			r.DepartmentID = deptID
		}
		if cmd.Flags().Changed("department-objective-id") {
			r.DepartmentObjectiveID = objID
		}
	}
	cmd.PreRun = preRun
	_ = cmd.MarkFlagRequired("scope-type")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var f repo.LockRuleFilters
	var activeOnly, inactiveOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lock rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activeOnly {
				v := true
				f.Active = &v
			}
			if inactiveOnly {
				v := false
				f.Active = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListLockRules(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scope", "Active", "Fields", "Description"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.ScopeType, r.IsActive, lockedFieldSummary(r), r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ScopeType, "scope-type", "", "scope type filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rules")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active rules only")
	cmd.Flags().BoolVar(&inactiveOnly, "inactive", false, "inactive rules only")
	return cmd
}

func lockedFieldSummary(r domain.LockRule) string {
	if r.ScopeType == domain.ScopeHierarchical {
		var fields []string
		if r.LockAnnualTarget {
			fields = append(fields, "annual_target")
		}
		if r.LockMonthlyTarget {
			fields = append(fields, "monthly_target")
		}
		if r.LockMonthlyActual {
			fields = append(fields, "monthly_actual")
		}
		if r.LockAllOtherFields {
			fields = append(fields, "other")
		}
		if r.LockAddObjective {
			fields = append(fields, "add")
		}
		if r.LockDeleteObjective {
			fields = append(fields, "delete")
		}
		return strings.Join(fields, ",")
	}
	return strings.Join(r.LockTypes, ",")
}

func ruleShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a lock rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetLockRule(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "rule id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ruleDisableCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Deactivate a lock rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeactivateLockRule(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("rule %d deactivated\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "rule id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ruleBulkCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Create lock rules from a JSON file (all or nothing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rules []domain.LockRule
			if err := json.Unmarshal(data, &rules); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.BulkCreateLockRules(ctx, rules, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file holding an array of rules")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleBulkDisableCmd() *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "bulk-disable",
		Short: "Deactivate several lock rules atomically",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.BulkDeactivateLockRules(ctx, ids, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("%d rules deactivated\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "rule ids")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func checkCmd() *cobra.Command {
	check := &cobra.Command{
		Use:   "check",
		Short: "Evaluate lock checks",
	}
	check.AddCommand(checkFieldCmd())
	check.AddCommand(checkOperationCmd())
	check.AddCommand(checkBatchCmd())
	return check
}

func checkFieldCmd() *cobra.Command {
	var field, period string
	var entityID, userID int64
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Check whether a field is locked for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				verdict, err := e.CheckField(ctx, lock.Context{
					FieldType:    lock.FieldType(field),
					EntityID:     entityID,
					ActingUserID: userID,
					Period:       period,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(verdict)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field type (annual_target, monthly_target, monthly_actual, all_other_fields)")
	cmd.Flags().Int64Var(&entityID, "entity", 0, "objective id")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	cmd.Flags().StringVar(&period, "period", "", "month (YYYY-MM)")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func checkOperationCmd() *cobra.Command {
	var op, kpi string
	var groupID, userID int64
	cmd := &cobra.Command{
		Use:   "operation",
		Short: "Check whether adding or deleting objectives is locked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parsed, err := lock.ParseOperation(op)
				if err != nil {
					return err
				}
				verdict, err := e.CheckOperation(ctx, lock.OperationContext{
					Operation:    parsed,
					KPITag:       kpi,
					GroupID:      groupID,
					ActingUserID: userID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(verdict)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation (add_objective, delete_objective)")
	cmd.Flags().StringVar(&kpi, "kpi", "", "KPI tag")
	cmd.Flags().Int64Var(&groupID, "group", 0, "group id")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func checkBatchCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Evaluate many field checks from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var contexts []lock.Context
			if err := json.Unmarshal(data, &contexts); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results := e.CheckBatch(ctx, contexts)
				out := make([]map[string]any, 0, len(results))
				for i, res := range results {
					item := map[string]any{
						"field_type": contexts[i].FieldType,
						"entity_id":  contexts[i].EntityID,
						"verdict":    res.Verdict,
					}
					if res.Err != nil {
						item["error"] = res.Err.Error()
					}
					out = append(out, item)
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file holding an array of checks")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func departmentCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "department",
		Short: "Manage departments",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDepartment(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "department name")
	_ = create.MarkFlagRequired("name")
	dep.AddCommand(create)
	dep.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDepartments(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return dep
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	var name, email string
	var departmentID int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, name, email, departmentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "user name")
	create.Flags().StringVar(&email, "email", "", "email")
	create.Flags().Int64Var(&departmentID, "department", 0, "department id")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("department")
	user.AddCommand(create)

	var filterDept int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx, filterDept)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Department"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.DepartmentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&filterDept, "department", 0, "filter by department id")
	user.AddCommand(list)
	return user
}

func objectiveCmd() *cobra.Command {
	obj := &cobra.Command{
		Use:   "objective",
		Short: "Manage objectives",
		Long:  "Objectives carry the guarded fields: annual target, monthly targets and actuals, and descriptive details. Writes go through the lock engine.",
	}
	obj.AddCommand(objectiveCreateCmd())
	obj.AddCommand(objectiveListCmd())
	obj.AddCommand(objectiveShowCmd())
	obj.AddCommand(objectiveDeleteCmd())
	obj.AddCommand(objectiveSetTargetCmd())
	obj.AddCommand(objectiveSetMonthlyCmd())
	obj.AddCommand(objectiveMapSourceCmd())
	return obj
}

func objectiveCreateCmd() *cobra.Command {
	var opts engine.ObjectiveCreateOptions
	var kpis []string
	var target float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an objective",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.KPIs = kpis
			if cmd.Flags().Changed("annual-target") {
				opts.AnnualTarget = &target
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateObjective(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.DepartmentID, "department", 0, "department id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "objective name")
	cmd.Flags().StringSliceVar(&kpis, "kpis", nil, "KPI tags")
	cmd.Flags().StringVar(&opts.Measurement, "measurement", "", "measurement category (defaults to Direct)")
	cmd.Flags().Float64Var(&target, "annual-target", 0, "annual target")
	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func objectiveListCmd() *cobra.Command {
	var f repo.ObjectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List objectives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListObjectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Department", "KPIs", "Measurement"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Name, o.DepartmentID, strings.Join(o.KPIs, ","), o.Measurement})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.DepartmentID, "department", 0, "department filter")
	cmd.Flags().StringVar(&f.KPI, "kpi", "", "KPI tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum objectives")
	return cmd
}

func objectiveShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an objective with its monthly values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetObjective(ctx, id)
				if err != nil {
					return err
				}
				months, err := e.Repo.ListMonthlyValues(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"objective": o, "monthly_values": months})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "objective id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func objectiveDeleteCmd() *cobra.Command {
	var id, userID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an objective",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteObjective(ctx, id, userID, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("objective %d deleted\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "objective id")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func objectiveSetTargetCmd() *cobra.Command {
	var id, userID int64
	var value float64
	cmd := &cobra.Command{
		Use:   "set-target",
		Short: "Set the annual target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetAnnualTarget(ctx, id, value, userID, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("objective %d annual target set to %g\n", id, value)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "objective id")
	cmd.Flags().Float64Var(&value, "value", 0, "annual target value")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("value")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func objectiveSetMonthlyCmd() *cobra.Command {
	var id, userID int64
	var month string
	var target, actual float64
	cmd := &cobra.Command{
		Use:   "set-monthly",
		Short: "Set a monthly target or actual",
		RunE: func(cmd *cobra.Command, args []string) error {
			var targetPtr, actualPtr *float64
			if cmd.Flags().Changed("target") {
				targetPtr = &target
			}
			if cmd.Flags().Changed("actual") {
				actualPtr = &actual
			}
			if targetPtr == nil && actualPtr == nil {
				return fmt.Errorf("--target or --actual required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetMonthlyValue(ctx, id, month, targetPtr, actualPtr, userID, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("objective %d month %s updated\n", id, month)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "objective id")
	cmd.Flags().StringVar(&month, "month", "", "month (YYYY-MM)")
	cmd.Flags().Float64Var(&target, "target", 0, "monthly target")
	cmd.Flags().Float64Var(&actual, "actual", 0, "monthly actual")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("month")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func objectiveMapSourceCmd() *cobra.Command {
	var m domain.DataSourceMapping
	cmd := &cobra.Command{
		Use:   "map-source",
		Short: "Bind an objective to external metric series",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetDataSourceMapping(ctx, m, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("objective %d mapped\n", m.ObjectiveID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&m.ObjectiveID, "id", 0, "objective id")
	cmd.Flags().StringVar(&m.TargetSource, "target-source", "", "target source (manual, pms_target)")
	cmd.Flags().StringVar(&m.ActualSource, "actual-source", "", "actual source (manual, pms_actual, odoo_services_done)")
	cmd.Flags().StringVar(&m.PMSProject, "pms-project", "", "PMS project id")
	cmd.Flags().StringVar(&m.PMSMetric, "pms-metric", "", "PMS metric name")
	cmd.Flags().StringVar(&m.OdooProject, "odoo-project", "", "Odoo project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func lookupCmd() *cobra.Command {
	lookup := &cobra.Command{
		Use:   "lookup",
		Short: "Scope resolution helpers",
	}
	var userIDs []int64
	kpisByUsers := &cobra.Command{
		Use:   "kpis-by-users",
		Short: "KPI tags reachable from a set of users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				kpis, err := e.KPIsByUsers(ctx, userIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(kpis)
			})
		},
	}
	kpisByUsers.Flags().Int64SliceVar(&userIDs, "users", nil, "user ids")
	_ = kpisByUsers.MarkFlagRequired("users")
	lookup.AddCommand(kpisByUsers)

	var objUserIDs []int64
	objByUsers := &cobra.Command{
		Use:   "objectives-by-users",
		Short: "Objectives owned by the departments of a set of users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ObjectivesByUsers(ctx, objUserIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	objByUsers.Flags().Int64SliceVar(&objUserIDs, "users", nil, "user ids")
	_ = objByUsers.MarkFlagRequired("users")
	lookup.AddCommand(objByUsers)

	var kpis []string
	objByKPIs := &cobra.Command{
		Use:   "objectives-by-kpis",
		Short: "Objectives carrying any of a set of KPI tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ObjectivesByKPIs(ctx, kpis)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	objByKPIs.Flags().StringSliceVar(&kpis, "kpis", nil, "KPI tags")
	_ = objByKPIs.MarkFlagRequired("kpis")
	lookup.AddCommand(objByKPIs)
	return lookup
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event and activity logs",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logActivityCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func logActivityCmd() *cobra.Command {
	var f repo.ActivityLogFilters
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List activity log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivityLogs(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				actorID := viper.GetString("actor-id")
				roles, err := e.Auth.ActorRoles(ctx, tx, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, tx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actorID,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed built-in roles and make the current actor an admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return app.SeedRBAC(ctx, r, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       rec.ID,
					"actor_id": rec.ActorID,
					"key":      secret,
				})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "filter by actor id")
	key.AddCommand(list)

	var delID string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, delID)
			})
		},
	}
	del.Flags().StringVar(&delID, "id", "", "key id")
	_ = del.MarkFlagRequired("id")
	key.AddCommand(del)
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace, viper.GetString("project"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.Backfill.Enabled && cfg.Backfill.MetricsURL != "" {
				e.Metrics = &engine.HTTPMetricsSource{BaseURL: cfg.Backfill.MetricsURL}
			}
			secretEnv := cfg.Auth.JWTSecretEnv
			if secretEnv == "" {
				secretEnv = "PL_JWT_SECRET"
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv(secretEnv),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("%s is required for bearer auth", secretEnv)
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planlock API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace, viper.GetString("project"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
