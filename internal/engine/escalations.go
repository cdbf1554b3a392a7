package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/domain"
	"vigil/internal/repo"
)

type EscalationCreateOptions struct {
	ProjectID   string
	TaskID      string
	RuleID      string
	Type        string
	Severity    string
	Reason      string
	EscalatedTo string
	ActorID     string
}

func validEscalationType(t string) bool {
	switch t {
	case "overdue", "blocked", "no_update", "rule", "manual":
		return true
	}
	return false
}

// CreateEscalation opens an escalation. Callers asking for one that already
// exists open for the same subject and type get the existing row back.
func (e Engine) CreateEscalation(ctx context.Context, opts EscalationCreateOptions) (domain.Escalation, error) {
	if opts.ProjectID == "" {
		return domain.Escalation{}, validationErr("project_id", "is required")
	}
	if opts.Reason == "" {
		return domain.Escalation{}, validationErr("reason", "is required")
	}
	if opts.Type == "" {
		opts.Type = "manual"
	}
	if !validEscalationType(opts.Type) {
		return domain.Escalation{}, validationErr("type", "unknown type "+opts.Type)
	}
	if opts.Severity == "" {
		opts.Severity = "medium"
	}
	if !validSeverity(opts.Severity) {
		return domain.Escalation{}, validationErr("severity", "unknown severity "+opts.Severity)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Escalation{}, err
	}

	var taskID *string
	if opts.TaskID != "" {
		taskID = &opts.TaskID
	}
	existing, err := e.Repo.FindActiveEscalation(ctx, opts.ProjectID, opts.Type, taskID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Escalation{}, err
	}

	esc := domain.Escalation{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		TaskID:      taskID,
		Type:        opts.Type,
		Severity:    opts.Severity,
		Reason:      opts.Reason,
		Status:      "open",
		EscalatedTo: opts.EscalatedTo,
		CreatedAt:   e.nowString(),
	}
	if opts.RuleID != "" {
		esc.RuleID = &opts.RuleID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEscalation(ctx, tx, esc); err != nil {
		return domain.Escalation{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "escalation.create",
		EntityKind: "escalation",
		EntityID:   esc.ID,
		ProjectID:  esc.ProjectID,
		ActorID:    opts.ActorID,
		Outcome:    "success",
		Payload:    audit.Payload{"type": esc.Type, "severity": esc.Severity},
	}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// AcknowledgeEscalation moves open -> acknowledged. Acknowledging an already
// acknowledged or resolved escalation is a no-op returning the current row.
func (e Engine) AcknowledgeEscalation(ctx context.Context, id, actorID string) (domain.Escalation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscalationTx(ctx, tx, id)
	if err != nil {
		return domain.Escalation{}, err
	}
	if esc.Status != "open" {
		return esc, nil
	}
	now := e.nowString()
	if err := e.Repo.AcknowledgeEscalation(ctx, tx, id, actorID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost the race to another acknowledger; report the final row.
			return e.Repo.GetEscalation(ctx, id)
		}
		return domain.Escalation{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "escalation.acknowledge",
		EntityKind: "escalation",
		EntityID:   id,
		ProjectID:  esc.ProjectID,
		ActorID:    actorID,
		Outcome:    "success",
	}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	esc.Status = "acknowledged"
	esc.AcknowledgedBy = &actorID
	esc.AcknowledgedAt = &now
	return esc, nil
}

// ResolveEscalation closes the escalation. Resolving twice is a conflict;
// resolution is the terminal transition and must record why it was closed.
func (e Engine) ResolveEscalation(ctx context.Context, id, actorID string, notes *string) (domain.Escalation, error) {
	if notes == nil || strings.TrimSpace(*notes) == "" {
		return domain.Escalation{}, validationErr("resolution_notes", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	esc, err := e.Repo.GetEscalationTx(ctx, tx, id)
	if err != nil {
		return domain.Escalation{}, err
	}
	if esc.Status == "resolved" {
		return domain.Escalation{}, &ConflictError{Entity: "escalation", ID: id, Status: esc.Status, Message: "already resolved"}
	}
	now := e.nowString()
	if err := e.Repo.ResolveEscalation(ctx, tx, id, actorID, now, notes); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Escalation{}, &ConflictError{Entity: "escalation", ID: id, Status: esc.Status, Message: "status changed concurrently"}
		}
		return domain.Escalation{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "escalation.resolve",
		EntityKind: "escalation",
		EntityID:   id,
		ProjectID:  esc.ProjectID,
		ActorID:    actorID,
		Outcome:    "success",
	}); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	esc.Status = "resolved"
	esc.ResolvedBy = &actorID
	esc.ResolvedAt = &now
	esc.ResolutionNotes = notes
	return esc, nil
}

// ScanMonitors walks a project's tasks and opens escalations for overdue
// work, long-blocked work, and stale in-progress work. Existing open
// escalations for the same subject are reused, not duplicated.
func (e Engine) ScanMonitors(ctx context.Context, projectID, actorID string) ([]domain.Escalation, error) {
	now := e.now().UTC()
	var created []domain.Escalation

	overdue, err := e.Repo.OverdueTasks(ctx, projectID, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	for _, t := range overdue {
		esc, err := e.CreateEscalation(ctx, EscalationCreateOptions{
			ProjectID: projectID,
			TaskID:    t.ID,
			Type:      "overdue",
			Severity:  "high",
			Reason:    fmt.Sprintf("task %q is past its due date", t.Title),
			ActorID:   actorID,
		})
		if err != nil {
			return created, err
		}
		created = append(created, esc)
	}

	blockedCutoff := now.Add(-time.Duration(e.Config.Monitoring.BlockedHours) * time.Hour).Format(time.RFC3339)
	blocked, err := e.Repo.BlockedTasksSince(ctx, projectID, blockedCutoff)
	if err != nil {
		return nil, err
	}
	for _, t := range blocked {
		reason := fmt.Sprintf("task %q blocked for over %d hours", t.Title, e.Config.Monitoring.BlockedHours)
		if t.BlockedReason != nil {
			reason += ": " + *t.BlockedReason
		}
		esc, err := e.CreateEscalation(ctx, EscalationCreateOptions{
			ProjectID: projectID,
			TaskID:    t.ID,
			Type:      "blocked",
			Severity:  "high",
			Reason:    reason,
			ActorID:   actorID,
		})
		if err != nil {
			return created, err
		}
		created = append(created, esc)
	}

	staleCutoff := now.Add(-time.Duration(e.Config.Monitoring.StaleHours) * time.Hour).Format(time.RFC3339)
	stale, err := e.Repo.StaleTasks(ctx, projectID, staleCutoff)
	if err != nil {
		return nil, err
	}
	for _, t := range stale {
		esc, err := e.CreateEscalation(ctx, EscalationCreateOptions{
			ProjectID: projectID,
			TaskID:    t.ID,
			Type:      "no_update",
			Severity:  "medium",
			Reason:    fmt.Sprintf("task %q has had no update for over %d hours", t.Title, e.Config.Monitoring.StaleHours),
			ActorID:   actorID,
		})
		if err != nil {
			return created, err
		}
		created = append(created, esc)
	}
	return created, nil
}
