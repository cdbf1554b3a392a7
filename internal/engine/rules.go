package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/domain"
	"vigil/internal/forecast"
	"vigil/internal/repo"
	"vigil/internal/rules"
	"vigil/internal/score"
)

type RuleCreateOptions struct {
	Name          string
	Metric        string
	Operator      string
	Value         float64
	Severity      string
	Action        string
	CooldownHours int
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutomationRule, error) {
	if opts.Name == "" {
		return domain.AutomationRule{}, validationErr("name", "is required")
	}
	if opts.Metric == "" {
		return domain.AutomationRule{}, validationErr("metric", "is required")
	}
	if !rules.ValidOperator(opts.Operator) {
		return domain.AutomationRule{}, validationErr("operator", "unknown operator "+opts.Operator)
	}
	if opts.Severity == "" {
		opts.Severity = "medium"
	}
	if !validSeverity(opts.Severity) {
		return domain.AutomationRule{}, validationErr("severity", "unknown severity "+opts.Severity)
	}
	if opts.Action == "" {
		opts.Action = "escalate"
	}
	if opts.Action != "escalate" && opts.Action != "suggest" {
		return domain.AutomationRule{}, validationErr("action", "must be escalate or suggest")
	}
	if opts.CooldownHours < 0 {
		return domain.AutomationRule{}, validationErr("cooldown_hours", "must be non-negative")
	}
	if opts.CooldownHours == 0 {
		opts.CooldownHours = 24
	}
	rule := domain.AutomationRule{
		ID:            uuid.NewString(),
		Name:          opts.Name,
		Metric:        opts.Metric,
		Operator:      opts.Operator,
		Value:         opts.Value,
		Severity:      opts.Severity,
		Action:        opts.Action,
		CooldownHours: opts.CooldownHours,
		Enabled:       true,
		CreatedAt:     e.nowString(),
	}
	if err := e.Repo.InsertRule(ctx, rule); err != nil {
		return domain.AutomationRule{}, err
	}
	return rule, nil
}

// ProjectMetrics builds the metric set a rule can reference for one project.
func (e Engine) ProjectMetrics(ctx context.Context, projectID string) (map[string]float64, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	stats, err := e.Repo.TaskStats(ctx, projectID, now.Format(time.RFC3339), e.Config.Scoring.Risk.HighLoadHours)
	if err != nil {
		return nil, err
	}
	sched := score.Schedule{Now: now}
	if target, err := parseOptionalTime("target_date", project.TargetDate); err == nil {
		sched.TargetDate = target
	}
	result := score.Compute(stats, sched, e.Config)

	windowStart := now.AddDate(0, 0, -e.Config.Forecast.WindowDays).Format(time.RFC3339)
	completed, err := e.Repo.CompletedSince(ctx, projectID, windowStart)
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{
		"total_tasks":       float64(stats.Total),
		"completed_tasks":   float64(stats.Completed),
		"in_progress_tasks": float64(stats.InProgress),
		"blocked_count":     float64(stats.Blocked),
		"overdue_count":     float64(stats.Overdue),
		"high_load_count":   float64(stats.HighLoadActors),
		"health_score":      result.HealthScore,
		"risk_score":        result.RiskScore,
		"velocity_per_week": forecast.Velocity(completed, e.Config.Forecast.WindowDays),
	}
	if stats.Total > 0 {
		metrics["completion_rate"] = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return metrics, nil
}

// EvaluateRules runs every enabled rule against the project's metrics.
// Cooldowns suppress repeat firings per (rule, project); conflicting firings
// collapse to the highest severity. Each surviving firing emits an
// escalation or a suggestion per the rule's action.
func (e Engine) EvaluateRules(ctx context.Context, projectID, actorID string) ([]rules.Firing, error) {
	ruleset, err := e.Repo.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(ruleset) == 0 {
		return nil, nil
	}
	metrics, err := e.ProjectMetrics(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	firings := rules.Evaluate(ruleset, projectID, metrics)
	firings = rules.ResolveConflicts(firings)

	var emitted []rules.Firing
	for _, f := range firings {
		last, err := e.Repo.LastTriggerFor(ctx, f.Rule.ID, projectID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return emitted, err
		}
		if rules.CooldownActive(last, f.Rule.CooldownHours, now) {
			continue
		}
		if err := e.emitFiring(ctx, f, projectID, actorID, now); err != nil {
			return emitted, err
		}
		emitted = append(emitted, f)
	}
	return emitted, nil
}

// EvaluateAllRules runs the rule pass for every active project.
func (e Engine) EvaluateAllRules(ctx context.Context, actorID string) (int, error) {
	projects, err := e.Repo.ListProjects(ctx, "active")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range projects {
		emitted, err := e.EvaluateRules(ctx, p.ID, actorID)
		if err != nil {
			return total, err
		}
		total += len(emitted)
	}
	return total, nil
}

func (e Engine) emitFiring(ctx context.Context, f rules.Firing, projectID, actorID string, now time.Time) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now.Format(time.RFC3339)
	switch f.Rule.Action {
	case "suggest":
		s := domain.Suggestion{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			RuleID:    &f.Rule.ID,
			Title:     f.Rule.Name,
			Action:    fmt.Sprintf("review %s (observed %.4g)", f.Metric, f.Observed),
			Rationale: f.Reason,
			Severity:  f.Rule.Severity,
			CreatedAt: ts,
		}
		if err := e.Repo.InsertSuggestion(ctx, tx, s); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Operation:  "rule.suggest",
			EntityKind: "suggestion",
			EntityID:   s.ID,
			ProjectID:  projectID,
			ActorID:    actorID,
			Outcome:    "success",
			Payload:    audit.Payload{"rule_id": f.Rule.ID, "metric": f.Metric, "observed": f.Observed},
		}); err != nil {
			return err
		}
	default:
		esc := domain.Escalation{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			RuleID:    &f.Rule.ID,
			Type:      "rule",
			Severity:  f.Rule.Severity,
			Reason:    f.Reason,
			Status:    "open",
			CreatedAt: ts,
		}
		if err := e.Repo.InsertEscalation(ctx, tx, esc); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Operation:  "rule.escalate",
			EntityKind: "escalation",
			EntityID:   esc.ID,
			ProjectID:  projectID,
			ActorID:    actorID,
			Outcome:    "success",
			Payload:    audit.Payload{"rule_id": f.Rule.ID, "metric": f.Metric, "observed": f.Observed},
		}); err != nil {
			return err
		}
	}
	if err := e.Repo.MarkRuleTriggered(ctx, tx, f.Rule.ID, projectID, ts); err != nil {
		return err
	}
	return tx.Commit()
}
