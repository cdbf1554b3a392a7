package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"vigil/internal/app"
	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/repo"
	"vigil/internal/scheduler"
	"vigil/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil CLI",
	Long: `Vigil watches project execution and raises the flag when a human is needed.
Core concepts:
- Workspace: the directory holding vigil.db and vigil.yml; everything lives there.
- Projects and tasks: the read model Vigil mirrors from upstream trackers via task events.
- Snapshots: periodic captures of task counts and a health score per project.
- Risk assessments: weighted factor scoring (overdue, blocked, load, deadline proximity) into low/medium/high/critical.
- Escalations: open -> acknowledged -> resolved items raised by monitors, rules, or by hand.
- Approvals: pending requests that gate sensitive tool actions until a human decides; they expire on a TTL.
- Rules: metric threshold triggers (blocked_count > 3) that escalate or suggest, with per-subject cooldowns.
- Audit: the append-only trail of every state change, view with 'vigil audit list'.`,
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
	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VIGIL_JWT_SECRET"), DevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VIGIL_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				Dispatcher: a.Dispatcher,
				BasePath:   basePath,
				Auth:       authCfg,
			})
			if err != nil {
				return err
			}
			sched := scheduler.New(a.Engine)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("start schedules: %w", err)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				fmt.Printf("Serving Vigil API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				sched.Stop()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (vigil.yml): scoring weights, risk buckets, approval TTLs, retry/breaker settings, and cron schedules.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default vigil.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage watched projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc, start, target string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.CreateProject(ctx, id, name, desc, optionalString(start), optionalString(target), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&start, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&target, "target-date", "", "target date (RFC3339)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Target"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, str(p.TargetDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its latest snapshot and risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ov, err := a.Engine.Overview(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ov)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage the task read model",
		Long:  "Tasks mirror the upstream tracker. Normally they arrive through the events API; these commands exist for manual corrections and local trials.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority int
	var estimated float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("estimated-hours") {
				opts.EstimatedHours = &estimated
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, status, assignee, dueDate, blockedReason string
	var priority int
	var estimated float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeID = &assignee
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("estimated-hours") {
				opts.EstimatedHours = &estimated
			}
			if cmd.Flags().Changed("due-date") {
				opts.DueDate = &dueDate
			}
			if cmd.Flags().Changed("blocked-reason") {
				opts.BlockedReason = &blockedReason
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&blockedReason, "blocked-reason", "", "why the task is blocked")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, str(t.AssigneeID), str(t.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalation",
		Short: "Manage escalations",
		Long:  "Escalations are the items that need a human: overdue work, blocked work, tripped rules. They move open -> acknowledged -> resolved.",
	}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationCreateCmd())
	esc.AddCommand(escalationAckCmd())
	esc.AddCommand(escalationResolveCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var f repo.EscalationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Type", "Severity", "Status", "Reason"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.ProjectID, e.Type, e.Severity, e.Status, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func escalationCreateCmd() *cobra.Command {
	var opts engine.EscalationCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Raise an escalation by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Type = "manual"
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Engine.CreateEscalation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.Severity, "severity", "medium", "severity")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why this needs attention")
	cmd.Flags().StringVar(&opts.EscalatedTo, "escalated-to", "", "who should look at it")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func escalationAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Engine.AcknowledgeEscalation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Engine.ResolveEscalation(ctx, args[0], viper.GetString("actor-id"), optionalString(notes))
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval requests",
		Long:  "Approvals gate sensitive tool actions. A pending request holds the action until someone approves (which dispatches it) or rejects it; unanswered requests expire on a TTL.",
	}
	a.AddCommand(approvalListCmd())
	a.AddCommand(approvalCreateCmd())
	a.AddCommand(approvalProcessCmd())
	return a
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Sensitivity", "Status", "Expires"})
				for _, ar := range items {
					tw.AppendRow(table.Row{ar.ID, ar.Title, ar.Sensitivity, ar.Status, ar.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Sensitivity, "sensitivity", "", "sensitivity filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func approvalCreateCmd() *cobra.Command {
	var opts engine.ApprovalCreateOptions
	var project, paramsJSON string
	var irreversible bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = project
			opts.Irreversible = irreversible
			opts.RequestedBy = viper.GetString("actor-id")
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &opts.Params); err != nil {
					return fmt.Errorf("--params-json: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ar, err := a.Engine.RequestApproval(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Sensitivity, "sensitivity", "medium", "sensitivity (low, medium, high, critical)")
	cmd.Flags().BoolVar(&irreversible, "irreversible", false, "mark the action irreversible")
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "tool to run on approval")
	cmd.Flags().StringVar(&opts.Action, "action", "", "tool action")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "tool action params as JSON object")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func approvalProcessCmd() *cobra.Command {
	var approve, reject, confirm bool
	var notes string
	cmd := &cobra.Command{
		Use:   "process <id>",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			d := engine.ApprovalDecision{
				ID:      args[0],
				Approve: approve,
				Confirm: confirm,
				Notes:   optionalString(notes),
				ActorID: viper.GetString("actor-id"),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ProcessApproval(ctx, a.Dispatcher, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the request")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm an irreversible action")
	cmd.Flags().StringVar(&notes, "notes", "", "reason for the decision")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "Rules watch project metrics (blocked_count, completion_rate, ...) and fire when a threshold trips: either escalate or just suggest. A cooldown keeps one rule from re-firing on the same subject.",
	}
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleEnableCmd())
	r.AddCommand(ruleDisableCmd())
	return r
}

func ruleListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListRules(ctx, enabledOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Condition", "Action", "Enabled", "Fired"})
				for _, r := range items {
					cond := fmt.Sprintf("%s %s %g", r.Metric, r.Operator, r.Value)
					tw.AppendRow(table.Row{r.ID, r.Name, cond, r.Action, r.Enabled, r.TriggerCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled rules")
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var opts engine.RuleCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				r, err := a.Engine.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&opts.Metric, "metric", "", "metric to watch")
	cmd.Flags().StringVar(&opts.Operator, "operator", ">", "comparison operator")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "threshold value")
	cmd.Flags().StringVar(&opts.Severity, "severity", "medium", "severity when fired")
	cmd.Flags().StringVar(&opts.Action, "action", "escalate", "action (escalate, suggest)")
	cmd.Flags().IntVar(&opts.CooldownHours, "cooldown-hours", 24, "per-subject cooldown")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("metric")
	return cmd
}

func ruleEnableCmd() *cobra.Command {
	return ruleToggleCmd("enable", true)
}

func ruleDisableCmd() *cobra.Command {
	return ruleToggleCmd("disable", false)
}

func ruleToggleCmd(verb string, enabled bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Repo.SetRuleEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				r, err := a.Engine.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func analyticsCmd() *cobra.Command {
	an := &cobra.Command{Use: "analytics", Short: "Portfolio analytics"}
	an.AddCommand(analyticsDashboardCmd())
	an.AddCommand(analyticsRisksCmd())
	an.AddCommand(analyticsWarningsCmd())
	an.AddCommand(analyticsWorkloadCmd())
	return an
}

func analyticsDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Executive dashboard across all active projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				d, err := a.Engine.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Projects: %d (%d at risk)  Open escalations: %d  Pending approvals: %d  Avg health: %.1f\n",
					d.TotalProjects, d.ProjectsAtRisk, d.OpenEscalations, d.PendingApprovals, d.AverageHealth)
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Health", "Risk", "Blocked", "Overdue", "Escalations"})
				for _, p := range d.Projects {
					tw.AppendRow(table.Row{p.Project.ID, fmt.Sprintf("%.1f", p.HealthScore), p.RiskLevel, p.BlockedTasks, p.OverdueTasks, p.OpenEscalations})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func analyticsRisksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risks",
		Short: "Latest risk assessment per active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				projects, err := a.Engine.Repo.ListProjects(ctx, "active")
				if err != nil {
					return err
				}
				var out []any
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Score", "Level", "Factors"})
				for _, p := range projects {
					ra, err := a.Engine.Repo.LatestAssessment(ctx, p.ID)
					if errors.Is(err, repo.ErrNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					out = append(out, ra)
					tw.AppendRow(table.Row{ra.ProjectID, fmt.Sprintf("%.0f", ra.RiskScore), ra.RiskLevel, strings.Join(ra.Factors, "; ")})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func analyticsWarningsCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "warnings",
		Short: "Early warnings before anything escalates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Warnings(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Kind", "Severity", "Message"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ProjectID, w.Kind, w.Severity, w.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	return cmd
}

func analyticsWorkloadCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Active hours per assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Workload(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Assignee", "Hours", "Status"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.AssigneeID, fmt.Sprintf("%.1f", w.Hours), w.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{Use: "snapshot", Short: "Capture project snapshots"}
	snap.AddCommand(snapshotRunCmd())
	return snap
}

func snapshotRunCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture a snapshot now (one project or all active)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if project != "" {
					snap, err := a.Engine.CaptureSnapshot(ctx, project, actor)
					if err != nil {
						return err
					}
					ra, err := a.Engine.AssessRisk(ctx, project, actor)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"snapshot": snap, "assessment": ra})
				}
				snaps, err := a.Engine.CaptureAllSnapshots(ctx, actor)
				if err != nil {
					return err
				}
				for _, s := range snaps {
					if _, err := a.Engine.AssessRisk(ctx, s.ProjectID, actor); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				fmt.Printf("captured %d snapshot(s)\n", len(snaps))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (all active projects when omitted)")
	return cmd
}

func forecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast <project-id>",
		Short: "Project a completion date from snapshot velocity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				f, err := a.Engine.ForecastProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				fmt.Printf("Project %s: %d task(s) remaining, velocity %.1f/week, trend %s (confidence %.2f)\n",
					f.ProjectID, f.RemainingTasks, f.VelocityPerWeek, f.Trend, f.Confidence)
				if f.ProjectedCompletion != nil {
					fmt.Println("Projected completion:", *f.ProjectedCompletion)
				} else {
					fmt.Println("Projected completion: unknown (no velocity yet)")
				}
				for _, n := range f.Notes {
					fmt.Println("  -", n)
				}
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit trail"}
	a.AddCommand(auditListCmd())
	return a
}

func auditListCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Operation", "Entity", "Actor", "Outcome"})
				for _, e := range items {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += "/" + e.EntityID
					}
					tw.AppendRow(table.Row{e.TS, e.Operation, entity, e.ActorID, e.Outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Operation, "operation", "", "operation filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (shown once, only the hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "vgl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Println("API key (store it now, it is not retrievable):", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
