package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"vigil/internal/domain"
)

func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.ProjectSnapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_snapshots(id,project_id,captured_at,total_tasks,completed_tasks,in_progress_tasks,blocked_tasks,overdue_tasks,completed_this_period,health_score,risk_score)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.CapturedAt, s.TotalTasks, s.CompletedTasks, s.InProgressTasks, s.BlockedTasks, s.OverdueTasks, s.CompletedThisPeriod, s.HealthScore, s.RiskScore)
	return err
}

// ListSnapshots returns snapshots for a project, oldest first, within the window.
func (r Repo) ListSnapshots(ctx context.Context, projectID, since string) ([]domain.ProjectSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,captured_at,total_tasks,completed_tasks,in_progress_tasks,blocked_tasks,overdue_tasks,completed_this_period,health_score,risk_score
FROM project_snapshots WHERE project_id=? AND captured_at >= ? ORDER BY captured_at ASC`, projectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectSnapshot
	for rows.Next() {
		var s domain.ProjectSnapshot
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.CapturedAt, &s.TotalTasks, &s.CompletedTasks, &s.InProgressTasks, &s.BlockedTasks, &s.OverdueTasks, &s.CompletedThisPeriod, &s.HealthScore, &s.RiskScore); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) LatestSnapshot(ctx context.Context, projectID string) (domain.ProjectSnapshot, error) {
	var s domain.ProjectSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,captured_at,total_tasks,completed_tasks,in_progress_tasks,blocked_tasks,overdue_tasks,completed_this_period,health_score,risk_score
FROM project_snapshots WHERE project_id=? ORDER BY captured_at DESC LIMIT 1`, projectID).
		Scan(&s.ID, &s.ProjectID, &s.CapturedAt, &s.TotalTasks, &s.CompletedTasks, &s.InProgressTasks, &s.BlockedTasks, &s.OverdueTasks, &s.CompletedThisPeriod, &s.HealthScore, &s.RiskScore)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return err
	}
	if a.Factors == nil {
		factors = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO risk_assessments(id,project_id,assessed_at,risk_score,risk_level,factors_json,recommendation) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.AssessedAt, a.RiskScore, a.RiskLevel, string(factors), a.Recommendation)
	return err
}

func scanAssessment(scan func(dest ...any) error) (domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var factors string
	err := scan(&a.ID, &a.ProjectID, &a.AssessedAt, &a.RiskScore, &a.RiskLevel, &factors, &a.Recommendation)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(factors), &a.Factors); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) LatestAssessment(ctx context.Context, projectID string) (domain.RiskAssessment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,assessed_at,risk_score,risk_level,factors_json,recommendation
FROM risk_assessments WHERE project_id=? ORDER BY assessed_at DESC, id DESC LIMIT 1`, projectID)
	a, err := scanAssessment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAssessments(ctx context.Context, projectID string, limit int) ([]domain.RiskAssessment, error) {
	query := `SELECT id,project_id,assessed_at,risk_score,risk_level,factors_json,recommendation
FROM risk_assessments WHERE project_id=? ORDER BY assessed_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
