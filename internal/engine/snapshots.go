package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/domain"
	"vigil/internal/forecast"
	"vigil/internal/score"
)

// CaptureSnapshot freezes the project's counters and scores for trend
// history. CompletedThisPeriod counts completions since the prior snapshot,
// or over the last day when there is none.
func (e Engine) CaptureSnapshot(ctx context.Context, projectID, actorID string) (domain.ProjectSnapshot, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	now := e.now().UTC()
	stats, err := e.Repo.TaskStats(ctx, projectID, now.Format(time.RFC3339), e.Config.Scoring.Risk.HighLoadHours)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}

	periodStart := now.Add(-24 * time.Hour).Format(time.RFC3339)
	if prev, err := e.Repo.LatestSnapshot(ctx, projectID); err == nil {
		periodStart = prev.CapturedAt
	}
	completedThisPeriod, err := e.Repo.CompletedSince(ctx, projectID, periodStart)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}

	sched := score.Schedule{Now: now}
	if target, err := parseOptionalTime("target_date", project.TargetDate); err == nil {
		sched.TargetDate = target
	}
	result := score.Compute(stats, sched, e.Config)

	snap := domain.ProjectSnapshot{
		ID:                  uuid.NewString(),
		ProjectID:           projectID,
		CapturedAt:          now.Format(time.RFC3339),
		TotalTasks:          stats.Total,
		CompletedTasks:      stats.Completed,
		InProgressTasks:     stats.InProgress,
		BlockedTasks:        stats.Blocked,
		OverdueTasks:        stats.Overdue,
		CompletedThisPeriod: completedThisPeriod,
		HealthScore:         result.HealthScore,
		RiskScore:           result.RiskScore,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectSnapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "snapshot.capture",
		EntityKind: "snapshot",
		EntityID:   snap.ID,
		ProjectID:  projectID,
		ActorID:    actorID,
		Outcome:    "success",
		Payload:    audit.Payload{"health_score": snap.HealthScore, "risk_score": snap.RiskScore},
	}); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectSnapshot{}, err
	}
	return snap, nil
}

// CaptureAllSnapshots runs a snapshot for every active project.
func (e Engine) CaptureAllSnapshots(ctx context.Context, actorID string) ([]domain.ProjectSnapshot, error) {
	projects, err := e.Repo.ListProjects(ctx, "active")
	if err != nil {
		return nil, err
	}
	var res []domain.ProjectSnapshot
	for _, p := range projects {
		snap, err := e.CaptureSnapshot(ctx, p.ID, actorID)
		if err != nil {
			return res, err
		}
		res = append(res, snap)
	}
	return res, nil
}

// AssessRisk scores the project now and stores the assessment.
func (e Engine) AssessRisk(ctx context.Context, projectID, actorID string) (domain.RiskAssessment, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	now := e.now().UTC()
	stats, err := e.Repo.TaskStats(ctx, projectID, now.Format(time.RFC3339), e.Config.Scoring.Risk.HighLoadHours)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	sched := score.Schedule{Now: now}
	if target, err := parseOptionalTime("target_date", project.TargetDate); err == nil {
		sched.TargetDate = target
	}
	result := score.Compute(stats, sched, e.Config)

	assessment := domain.RiskAssessment{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		AssessedAt:     now.Format(time.RFC3339),
		RiskScore:      result.RiskScore,
		RiskLevel:      result.RiskLevel,
		Factors:        result.Factors,
		Recommendation: score.Recommendation(result.RiskLevel),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessment(ctx, tx, assessment); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "risk.assess",
		EntityKind: "risk_assessment",
		EntityID:   assessment.ID,
		ProjectID:  projectID,
		ActorID:    actorID,
		Outcome:    "success",
		Payload:    audit.Payload{"risk_score": assessment.RiskScore, "risk_level": assessment.RiskLevel},
	}); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskAssessment{}, err
	}
	return assessment, nil
}

// ForecastProject projects the completion date from the trailing window.
func (e Engine) ForecastProject(ctx context.Context, projectID string) (domain.Forecast, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Forecast{}, err
	}
	now := e.now().UTC()
	windowStart := now.AddDate(0, 0, -e.Config.Forecast.WindowDays).Format(time.RFC3339)

	completed, err := e.Repo.CompletedSince(ctx, projectID, windowStart)
	if err != nil {
		return domain.Forecast{}, err
	}
	remaining, err := e.RemainingTasks(ctx, projectID)
	if err != nil {
		return domain.Forecast{}, err
	}
	snapshots, err := e.Repo.ListSnapshots(ctx, projectID, windowStart)
	if err != nil {
		return domain.Forecast{}, err
	}
	riskLevel := "unknown"
	if assessment, err := e.Repo.LatestAssessment(ctx, projectID); err == nil {
		riskLevel = assessment.RiskLevel
	}
	return forecast.Compute(forecast.Input{
		ProjectID:         projectID,
		CompletedInWindow: completed,
		WindowDays:        e.Config.Forecast.WindowDays,
		RemainingTasks:    remaining,
		Snapshots:         snapshots,
		RiskLevel:         riskLevel,
		Now:               now,
	}), nil
}
