package engine

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/domain"
)

// ActionDispatcher releases an approved action to the tool layer.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, ownerID, tool, action string, params map[string]any) (map[string]any, error)
}

type ApprovalCreateOptions struct {
	ProjectID    string
	Title        string
	Description  string
	Sensitivity  string
	Irreversible bool
	Tool         string
	Action       string
	Params       map[string]any
	RequestedBy  string
}

type ApprovalDecision struct {
	ID      string
	Approve bool
	Confirm bool
	Notes   *string
	ActorID string
}

// ProcessResult reports the decision plus, for approved tool-backed
// requests, what happened when the action was released.
type ProcessResult struct {
	Request        domain.ApprovalRequest
	Dispatched     bool
	DispatchResult map[string]any
	DispatchError  string
}

// RequestApproval opens a pending request. The expiry deadline comes from the
// sensitivity's configured TTL.
func (e Engine) RequestApproval(ctx context.Context, opts ApprovalCreateOptions) (domain.ApprovalRequest, error) {
	if opts.Title == "" {
		return domain.ApprovalRequest{}, validationErr("title", "is required")
	}
	if opts.RequestedBy == "" {
		return domain.ApprovalRequest{}, validationErr("requested_by", "is required")
	}
	if opts.Sensitivity == "" {
		opts.Sensitivity = "medium"
	}
	if !validSeverity(opts.Sensitivity) {
		return domain.ApprovalRequest{}, validationErr("sensitivity", "unknown sensitivity "+opts.Sensitivity)
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
			return domain.ApprovalRequest{}, err
		}
	}
	params := "{}"
	if opts.Params != nil {
		data, err := json.Marshal(opts.Params)
		if err != nil {
			return domain.ApprovalRequest{}, validationErr("params", "not serializable")
		}
		params = string(data)
	}

	now := e.now().UTC()
	ttl := time.Duration(e.Config.TTLHoursFor(opts.Sensitivity)) * time.Hour
	req := domain.ApprovalRequest{
		ID:           uuid.NewString(),
		Title:        opts.Title,
		Description:  opts.Description,
		Sensitivity:  opts.Sensitivity,
		Irreversible: opts.Irreversible,
		Tool:         opts.Tool,
		Action:       opts.Action,
		ParamsJSON:   params,
		Status:       "pending",
		RequestedBy:  opts.RequestedBy,
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    now.Add(ttl).Format(time.RFC3339),
	}
	if opts.ProjectID != "" {
		req.ProjectID = &opts.ProjectID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "approval.request",
		EntityKind: "approval",
		EntityID:   req.ID,
		ProjectID:  opts.ProjectID,
		ActorID:    opts.RequestedBy,
		Outcome:    "success",
		Payload:    audit.Payload{"sensitivity": req.Sensitivity, "expires_at": req.ExpiresAt},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// ProcessApproval records a human decision. Expired requests cannot be
// decided; the sweep owns that transition. Approving an irreversible action
// requires the explicit confirm flag. Approved tool-backed actions are
// released to the dispatcher after the decision commits.
func (e Engine) ProcessApproval(ctx context.Context, dispatcher ActionDispatcher, d ApprovalDecision) (ProcessResult, error) {
	if d.ActorID == "" {
		return ProcessResult{}, validationErr("actor_id", "is required")
	}
	if d.Notes == nil || strings.TrimSpace(*d.Notes) == "" {
		return ProcessResult{}, validationErr("notes", "a decision must record its reason")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProcessResult{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetApprovalTx(ctx, tx, d.ID)
	if err != nil {
		return ProcessResult{}, err
	}
	if req.Status != "pending" {
		return ProcessResult{}, &ConflictError{Entity: "approval", ID: d.ID, Status: req.Status, Message: "already decided"}
	}
	now := e.now().UTC()
	expires, perr := time.Parse(time.RFC3339, req.ExpiresAt)
	if perr == nil && !now.Before(expires) {
		return ProcessResult{}, &ExpiredError{ID: d.ID, ExpiresAt: req.ExpiresAt}
	}
	if d.Approve && req.Irreversible && !d.Confirm {
		return ProcessResult{}, validationErr("confirm", "required to approve an irreversible action")
	}

	status := "rejected"
	if d.Approve {
		status = "approved"
	}
	ts := now.Format(time.RFC3339)
	if err := e.Repo.DecideApproval(ctx, tx, d.ID, status, d.ActorID, ts, d.Notes); err != nil {
		return ProcessResult{}, err
	}
	projectID := ""
	if req.ProjectID != nil {
		projectID = *req.ProjectID
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Operation:  "approval.process",
		EntityKind: "approval",
		EntityID:   d.ID,
		ProjectID:  projectID,
		ActorID:    d.ActorID,
		Outcome:    "success",
		Payload:    audit.Payload{"decision": status},
	}); err != nil {
		return ProcessResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProcessResult{}, err
	}

	req.Status = status
	req.DecidedBy = &d.ActorID
	req.DecidedAt = &ts
	req.DecisionNotes = d.Notes
	result := ProcessResult{Request: req}

	if status == "approved" && req.Tool != "" && dispatcher != nil {
		var params map[string]any
		if err := json.Unmarshal([]byte(req.ParamsJSON), &params); err != nil {
			result.DispatchError = "stored params unreadable: " + err.Error()
			return result, nil
		}
		out, err := dispatcher.Dispatch(ctx, d.ActorID, req.Tool, req.Action, params)
		result.Dispatched = true
		if err != nil {
			result.DispatchError = err.Error()
		} else {
			result.DispatchResult = out
		}
	}
	return result, nil
}

// ExpireApprovals sweeps pending requests past their deadline. One audit
// entry per expired request.
func (e Engine) ExpireApprovals(ctx context.Context, actorID string) ([]domain.ApprovalRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	expired, err := e.Repo.ExpirePending(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	for _, req := range expired {
		projectID := ""
		if req.ProjectID != nil {
			projectID = *req.ProjectID
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Operation:  "approval.expire",
			EntityKind: "approval",
			EntityID:   req.ID,
			ProjectID:  projectID,
			ActorID:    actorID,
			Outcome:    "success",
			Payload:    audit.Payload{"expired_at": now, "deadline": req.ExpiresAt},
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		log.Printf("engine: expired %d approval request(s)", len(expired))
	}
	for i := range expired {
		expired[i].Status = "expired"
	}
	return expired, nil
}
