package engine

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/domain"
	"vigil/internal/repo"
	"vigil/internal/score"
)

// ProjectOverview is one row of the portfolio view.
type ProjectOverview struct {
	Project         domain.Project `json:"project"`
	TotalTasks      int            `json:"total_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	BlockedTasks    int            `json:"blocked_tasks"`
	OverdueTasks    int            `json:"overdue_tasks"`
	HealthScore     float64        `json:"health_score"`
	RiskScore       float64        `json:"risk_score"`
	RiskLevel       string         `json:"risk_level"`
	OpenEscalations int            `json:"open_escalations"`
}

// ExecutiveDashboard aggregates the portfolio for a single glance.
type ExecutiveDashboard struct {
	GeneratedAt      string            `json:"generated_at"`
	Projects         []ProjectOverview `json:"projects"`
	TotalProjects    int               `json:"total_projects"`
	ProjectsAtRisk   int               `json:"projects_at_risk"`
	OpenEscalations  int               `json:"open_escalations"`
	PendingApprovals int               `json:"pending_approvals"`
	AverageHealth    float64           `json:"average_health"`
}

// Warning flags a condition that deserves attention before it escalates.
type Warning struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// WorkloadEntry summarizes one assignee's active load.
type WorkloadEntry struct {
	AssigneeID string  `json:"assignee_id"`
	Hours      float64 `json:"hours"`
	Status     string  `json:"status" enum:"overloaded,balanced,underloaded"`
}

// HealthStatus is the engine's own operational health.
type HealthStatus struct {
	Status                  string            `json:"status" enum:"ok,degraded"`
	CheckedAt               string            `json:"checked_at"`
	ExpiredPendingApprovals int               `json:"expired_pending_approvals"`
	StaleLocks              int               `json:"stale_locks"`
	Breakers                map[string]string `json:"breakers,omitempty"`
}

// Overview builds the portfolio row for one project.
func (e Engine) Overview(ctx context.Context, projectID string) (ProjectOverview, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectOverview{}, err
	}
	now := e.now().UTC()
	stats, err := e.Repo.TaskStats(ctx, projectID, now.Format(time.RFC3339), e.Config.Scoring.Risk.HighLoadHours)
	if err != nil {
		return ProjectOverview{}, err
	}
	sched := score.Schedule{Now: now}
	if target, err := parseOptionalTime("target_date", project.TargetDate); err == nil {
		sched.TargetDate = target
	}
	result := score.Compute(stats, sched, e.Config)
	escalations, err := e.Repo.CountEscalationsByStatus(ctx, projectID)
	if err != nil {
		return ProjectOverview{}, err
	}
	return ProjectOverview{
		Project:         project,
		TotalTasks:      stats.Total,
		CompletedTasks:  stats.Completed,
		BlockedTasks:    stats.Blocked,
		OverdueTasks:    stats.Overdue,
		HealthScore:     result.HealthScore,
		RiskScore:       result.RiskScore,
		RiskLevel:       result.RiskLevel,
		OpenEscalations: escalations["open"] + escalations["acknowledged"],
	}, nil
}

// Dashboard assembles the executive view across active projects.
func (e Engine) Dashboard(ctx context.Context) (ExecutiveDashboard, error) {
	projects, err := e.Repo.ListProjects(ctx, "active")
	if err != nil {
		return ExecutiveDashboard{}, err
	}
	dash := ExecutiveDashboard{
		GeneratedAt:   e.nowString(),
		TotalProjects: len(projects),
	}
	var healthSum float64
	for _, p := range projects {
		ov, err := e.Overview(ctx, p.ID)
		if err != nil {
			return ExecutiveDashboard{}, err
		}
		dash.Projects = append(dash.Projects, ov)
		dash.OpenEscalations += ov.OpenEscalations
		healthSum += ov.HealthScore
		if ov.RiskLevel == "high" || ov.RiskLevel == "critical" {
			dash.ProjectsAtRisk++
		}
	}
	if len(projects) > 0 {
		dash.AverageHealth = healthSum / float64(len(projects))
	}
	pending, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{Status: "pending"})
	if err != nil {
		return ExecutiveDashboard{}, err
	}
	dash.PendingApprovals = len(pending)
	return dash, nil
}

// Warnings surfaces early signals: approaching deadlines with low completion
// and blocked work piling up.
func (e Engine) Warnings(ctx context.Context, projectID string) ([]Warning, error) {
	var projects []domain.Project
	if projectID != "" {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		projects = []domain.Project{p}
	} else {
		var err error
		projects, err = e.Repo.ListProjects(ctx, "active")
		if err != nil {
			return nil, err
		}
	}
	now := e.now().UTC()
	var warnings []Warning
	for _, p := range projects {
		stats, err := e.Repo.TaskStats(ctx, p.ID, now.Format(time.RFC3339), e.Config.Scoring.Risk.HighLoadHours)
		if err != nil {
			return nil, err
		}
		if stats.Total == 0 {
			continue
		}
		completion := float64(stats.Completed) / float64(stats.Total) * 100
		if target, err := parseOptionalTime("target_date", p.TargetDate); err == nil && target != nil {
			remaining := target.Sub(now)
			if remaining > 0 && remaining <= 14*24*time.Hour && completion < 70 {
				warnings = append(warnings, Warning{
					ProjectID: p.ID,
					Kind:      "deadline_at_risk",
					Severity:  "high",
					Message:   fmt.Sprintf("target date in %d days with %.0f%% of tasks complete", int(remaining.Hours()/24), completion),
				})
			}
			if remaining < 0 {
				warnings = append(warnings, Warning{
					ProjectID: p.ID,
					Kind:      "deadline_missed",
					Severity:  "critical",
					Message:   "target date has passed with work remaining",
				})
			}
		}
		if stats.Total > 0 && float64(stats.Blocked)/float64(stats.Total) > 0.25 {
			warnings = append(warnings, Warning{
				ProjectID: p.ID,
				Kind:      "blocked_pileup",
				Severity:  "high",
				Message:   fmt.Sprintf("%d of %d tasks blocked", stats.Blocked, stats.Total),
			})
		}
		if stats.Overdue > 0 {
			warnings = append(warnings, Warning{
				ProjectID: p.ID,
				Kind:      "overdue_tasks",
				Severity:  "medium",
				Message:   fmt.Sprintf("%d tasks past due date", stats.Overdue),
			})
		}
	}
	return warnings, nil
}

// Workload classifies each assignee's active estimated hours against the
// configured thresholds.
func (e Engine) Workload(ctx context.Context, projectID string) ([]WorkloadEntry, error) {
	load, err := e.Repo.AssigneeLoad(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res := make([]WorkloadEntry, 0, len(load))
	for assignee, hours := range load {
		status := "balanced"
		switch {
		case hours > e.Config.Workload.OverloadHours:
			status = "overloaded"
		case hours < e.Config.Workload.UnderloadHours:
			status = "underloaded"
		}
		res = append(res, WorkloadEntry{AssigneeID: assignee, Hours: hours, Status: status})
	}
	return res, nil
}

// Health reports stuck internal state: pending approvals past deadline that
// the sweep has not yet expired, and lock rows past their TTL.
func (e Engine) Health(ctx context.Context) (HealthStatus, error) {
	now := e.nowString()
	expired, err := e.Repo.CountExpiredPending(ctx, now)
	if err != nil {
		return HealthStatus{}, err
	}
	staleLocks, err := e.Repo.CountStaleLocks(ctx, now)
	if err != nil {
		return HealthStatus{}, err
	}
	status := "ok"
	if expired > 0 || staleLocks > 0 {
		status = "degraded"
	}
	return HealthStatus{
		Status:                  status,
		CheckedAt:               now,
		ExpiredPendingApprovals: expired,
		StaleLocks:              staleLocks,
	}, nil
}
