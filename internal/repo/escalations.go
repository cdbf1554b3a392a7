package repo

import (
	"context"
	"database/sql"
	"strings"

	"vigil/internal/domain"
)

const escalationColumns = `id,project_id,task_id,rule_id,type,severity,reason,status,escalated_to,created_at,acknowledged_by,acknowledged_at,resolved_by,resolved_at,resolution_notes`

func scanEscalation(scan func(dest ...any) error) (domain.Escalation, error) {
	var e domain.Escalation
	var taskID, ruleID, ackBy, ackAt, resBy, resAt, notes sql.NullString
	err := scan(&e.ID, &e.ProjectID, &taskID, &ruleID, &e.Type, &e.Severity, &e.Reason, &e.Status, &e.EscalatedTo,
		&e.CreatedAt, &ackBy, &ackAt, &resBy, &resAt, &notes)
	if err != nil {
		return e, err
	}
	if taskID.Valid {
		e.TaskID = &taskID.String
	}
	if ruleID.Valid {
		e.RuleID = &ruleID.String
	}
	if ackBy.Valid {
		e.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		e.AcknowledgedAt = &ackAt.String
	}
	if resBy.Valid {
		e.ResolvedBy = &resBy.String
	}
	if resAt.Valid {
		e.ResolvedAt = &resAt.String
	}
	if notes.Valid {
		e.ResolutionNotes = &notes.String
	}
	return e, nil
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(id,project_id,task_id,rule_id,type,severity,reason,status,escalated_to,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, nullableStringPtr(e.TaskID), nullableStringPtr(e.RuleID), e.Type, e.Severity, e.Reason, e.Status, e.EscalatedTo, e.CreatedAt)
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	e, err := scanEscalation(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escalation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	e, err := scanEscalation(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// AcknowledgeEscalation moves open -> acknowledged. Returns ErrNotFound when
// the row is missing or no longer open; callers disambiguate.
func (r Repo) AcknowledgeEscalation(ctx context.Context, tx *sql.Tx, id, actorID, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET status='acknowledged', acknowledged_by=?, acknowledged_at=? WHERE id=? AND status='open'`, actorID, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveEscalation moves open or acknowledged -> resolved.
func (r Repo) ResolveEscalation(ctx context.Context, tx *sql.Tx, id, actorID, ts string, notes *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET status='resolved', resolved_by=?, resolved_at=?, resolution_notes=? WHERE id=? AND status IN ('open','acknowledged')`,
		actorID, ts, nullableStringPtr(notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EscalationFilters struct {
	ProjectID       string
	Status          string
	Severity        string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.Escalation, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// FindActiveEscalation returns the open or acknowledged escalation for the
// subject and reason type, or ErrNotFound.
func (r Repo) FindActiveEscalation(ctx context.Context, projectID, escType string, taskID *string) (domain.Escalation, error) {
	clauses := []string{"project_id=?", "type=?", "status IN ('open','acknowledged')"}
	args := []any{projectID, escType}
	if taskID != nil {
		clauses = append(clauses, "task_id=?")
		args = append(args, *taskID)
	} else {
		clauses = append(clauses, "task_id IS NULL")
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC LIMIT 1`, args...)
	e, err := scanEscalation(row.Scan)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) CountEscalationsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM escalations WHERE `+strings.Join(clauses, " AND ")+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
