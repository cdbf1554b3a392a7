package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vigil/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,start_date,target_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Status, p.Description, nullableStringPtr(p.StartDate), nullableStringPtr(p.TargetDate), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var startDate, targetDate sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,start_date,target_date,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.Description, &startDate, &targetDate, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if startDate.Valid {
		p.StartDate = &startDate.String
	}
	if targetDate.Valid {
		p.TargetDate = &targetDate.String
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,name,status,description,start_date,target_date,created_at,updated_at FROM projects WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var startDate, targetDate sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &startDate, &targetDate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if startDate.Valid {
			p.StartDate = &startDate.String
		}
		if targetDate.Valid {
			p.TargetDate = &targetDate.String
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,status,assignee_id,priority,estimated_hours,due_date,blocked_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Status, nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), nullableFloatPtr(t.EstimatedHours),
		nullableStringPtr(t.DueDate), nullableStringPtr(t.BlockedReason), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, assignee_id=?, priority=?, estimated_hours=?, due_date=?, blocked_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, t.Status, nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), nullableFloatPtr(t.EstimatedHours),
		nullableStringPtr(t.DueDate), nullableStringPtr(t.BlockedReason), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var assigneeID, dueDate, blockedReason, completedAt sql.NullString
	var priority sql.NullInt64
	var estimated sql.NullFloat64
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &assigneeID, &priority, &estimated, &dueDate, &blockedReason, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if estimated.Valid {
		h := estimated.Float64
		t.EstimatedHours = &h
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if blockedReason.Valid {
		t.BlockedReason = &blockedReason.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

const taskColumns = `id,project_id,title,status,assignee_id,priority,estimated_hours,due_date,blocked_reason,created_at,updated_at,completed_at`

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
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
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// TaskStats aggregates the project's task counters used for scoring.
type TaskStats struct {
	Total          int
	Completed      int
	InProgress     int
	Blocked        int
	Overdue        int
	HighLoadActors int
}

// TaskStats computes the counters in SQL. Overdue means an active task whose
// due date is in the past; high-load actors carry more than loadHours of
// estimated active work.
func (r Repo) TaskStats(ctx context.Context, projectID, now string, loadHours float64) (TaskStats, error) {
	var s TaskStats
	err := r.DB.QueryRowContext(ctx, `SELECT
		count(*),
		count(*) FILTER (WHERE status='done'),
		count(*) FILTER (WHERE status='in_progress'),
		count(*) FILTER (WHERE status='blocked'),
		count(*) FILTER (WHERE status NOT IN ('done','canceled') AND due_date IS NOT NULL AND due_date < ?)
	FROM tasks WHERE project_id=?`, now, projectID).
		Scan(&s.Total, &s.Completed, &s.InProgress, &s.Blocked, &s.Overdue)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM (
		SELECT assignee_id FROM tasks
		WHERE project_id=? AND assignee_id IS NOT NULL AND status IN ('todo','in_progress','blocked','review')
		GROUP BY assignee_id
		HAVING sum(COALESCE(estimated_hours,0)) > ?
	)`, projectID, loadHours).Scan(&s.HighLoadActors)
	return s, err
}

// CompletedSince counts tasks completed on or after the given timestamp.
func (r Repo) CompletedSince(ctx context.Context, projectID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE project_id=? AND status='done' AND completed_at IS NOT NULL AND completed_at >= ?`, projectID, since).Scan(&n)
	return n, err
}

// AssigneeLoad returns estimated active hours per assignee for a project.
// Pass an empty projectID to aggregate across all projects.
func (r Repo) AssigneeLoad(ctx context.Context, projectID string) (map[string]float64, error) {
	clauses := []string{"assignee_id IS NOT NULL", "status IN ('todo','in_progress','blocked','review')"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT assignee_id, sum(COALESCE(estimated_hours,0)) FROM tasks WHERE ` +
		strings.Join(clauses, " AND ") + ` GROUP BY assignee_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var id string
		var hours float64
		if err := rows.Scan(&id, &hours); err != nil {
			return nil, err
		}
		res[id] = hours
	}
	return res, nil
}

// StaleTasks returns active tasks not updated since the cutoff.
func (r Repo) StaleTasks(ctx context.Context, projectID, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id=? AND status IN ('todo','in_progress','review') AND updated_at < ? ORDER BY updated_at ASC`, projectID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// BlockedTasksSince returns tasks blocked since before the cutoff.
func (r Repo) BlockedTasksSince(ctx context.Context, projectID, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id=? AND status='blocked' AND updated_at < ? ORDER BY updated_at ASC`, projectID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// OverdueTasks returns active tasks with a due date in the past.
func (r Repo) OverdueTasks(ctx context.Context, projectID, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id=? AND status NOT IN ('done','canceled') AND due_date IS NOT NULL AND due_date < ? ORDER BY due_date ASC`, projectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
