package engine

import (
	"context"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/domain"
	"vigil/internal/repo"
)

// TaskCreateOptions are parameters for registering a task in the read model.
type TaskCreateOptions struct {
	ID             string
	ProjectID      string
	Title          string
	Status         string
	AssigneeID     string
	Priority       *int
	EstimatedHours *float64
	DueDate        string
	ActorID        string
}

// TaskUpdateOptions carry a partial task update. Nil pointers leave the
// stored value untouched.
type TaskUpdateOptions struct {
	ID             string
	Title          *string
	Status         *string
	AssigneeID     *string
	Priority       *int
	EstimatedHours *float64
	DueDate        *string
	BlockedReason  *string
	ActorID        string
}

func validTaskStatus(s string) bool {
	switch s {
	case "todo", "in_progress", "blocked", "review", "done", "canceled":
		return true
	}
	return false
}

// CreateProject registers a project the engine will watch.
func (e Engine) CreateProject(ctx context.Context, id, name, description string, startDate, targetDate *string, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, validationErr("name", "is required")
	}
	if _, err := parseOptionalTime("start_date", startDate); err != nil {
		return domain.Project{}, err
	}
	if _, err := parseOptionalTime("target_date", targetDate); err != nil {
		return domain.Project{}, err
	}
	now := e.nowString()
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Status:      "active",
		Description: description,
		StartDate:   startDate,
		TargetDate:  targetDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateTask registers a task. The task store is the data the scoring and
// monitoring passes consume; it is fed by the persistence collaborator.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationErr("title", "is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, validationErr("project_id", "is required")
	}
	if opts.Status == "" {
		opts.Status = "todo"
	}
	if !validTaskStatus(opts.Status) {
		return domain.Task{}, validationErr("status", "unknown status "+opts.Status)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	now := e.nowString()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.Task{
		ID:             id,
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Status:         opts.Status,
		Priority:       opts.Priority,
		EstimatedHours: opts.EstimatedHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.AssigneeID != "" {
		t.AssigneeID = &opts.AssigneeID
	}
	if opts.DueDate != "" {
		if _, err := parseOptionalTime("due_date", &opts.DueDate); err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &opts.DueDate
	}
	if opts.Status == "done" {
		t.CompletedAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "task.create",
		EntityKind: "task",
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		ActorID:    opts.ActorID,
		Outcome:    "success",
		Payload:    audit.Payload{"status": t.Status},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask applies a partial update and stamps completion when the task
// moves to done.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.ID == "" {
		return domain.Task{}, validationErr("id", "is required")
	}
	if opts.Status != nil && !validTaskStatus(*opts.Status) {
		return domain.Task{}, validationErr("status", "unknown status "+*opts.Status)
	}
	if _, err := parseOptionalTime("due_date", opts.DueDate); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	prevStatus := t.Status
	if opts.Title != nil {
		t.Title = *opts.Title
	}
	if opts.Status != nil {
		t.Status = *opts.Status
	}
	if opts.AssigneeID != nil {
		if *opts.AssigneeID == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.AssigneeID
		}
	}
	if opts.Priority != nil {
		t.Priority = opts.Priority
	}
	if opts.EstimatedHours != nil {
		t.EstimatedHours = opts.EstimatedHours
	}
	if opts.DueDate != nil {
		if *opts.DueDate == "" {
			t.DueDate = nil
		} else {
			t.DueDate = opts.DueDate
		}
	}
	if opts.BlockedReason != nil {
		t.BlockedReason = opts.BlockedReason
	}
	now := e.nowString()
	t.UpdatedAt = now
	if t.Status == "done" && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if t.Status != "done" {
		t.CompletedAt = nil
	}
	if t.Status != "blocked" {
		t.BlockedReason = nil
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "task.update",
		EntityKind: "task",
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		ActorID:    opts.ActorID,
		Outcome:    "success",
		Payload:    audit.Payload{"from": prevStatus, "to": t.Status},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RemainingTasks counts tasks still to be delivered.
func (e Engine) RemainingTasks(ctx context.Context, projectID string) (int, error) {
	stats, err := e.Repo.TaskStats(ctx, projectID, e.nowString(), e.Config.Scoring.Risk.HighLoadHours)
	if err != nil {
		return 0, err
	}
	remaining := stats.Total - stats.Completed
	canceled, err := e.countByStatus(ctx, projectID, "canceled")
	if err != nil {
		return 0, err
	}
	return remaining - canceled, nil
}

func (e Engine) countByStatus(ctx context.Context, projectID, status string) (int, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, Status: status})
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}
