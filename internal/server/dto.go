package server

import "vigil/internal/domain"

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	TargetDate  *string `json:"target_date,omitempty" format:"date-time"`
}

type CreateTaskRequest struct {
	ID             *string  `json:"id,omitempty"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Status         *string  `json:"status,omitempty" enum:"todo,in_progress,blocked,review,done,canceled"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title          *string  `json:"title,omitempty"`
	Status         *string  `json:"status,omitempty" enum:"todo,in_progress,blocked,review,done,canceled"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	BlockedReason  *string  `json:"blocked_reason,omitempty"`
}

type CreateEscalationRequest struct {
	ProjectID   string  `json:"project_id"`
	TaskID      *string `json:"task_id,omitempty"`
	Type        string  `json:"type,omitempty" enum:"overdue,blocked,no_update,rule,manual"`
	Severity    string  `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Reason      string  `json:"reason"`
	EscalatedTo string  `json:"escalated_to,omitempty"`
}

type ResolveEscalationRequest struct {
	Notes *string `json:"notes,omitempty"`
}

type CreateApprovalRequest struct {
	ProjectID    *string        `json:"project_id,omitempty"`
	Title        string         `json:"title"`
	Description  *string        `json:"description,omitempty"`
	Sensitivity  string         `json:"sensitivity,omitempty" enum:"low,medium,high,critical"`
	Irreversible bool           `json:"irreversible,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Action       string         `json:"action,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

type ProcessApprovalRequest struct {
	Approve bool    `json:"approve"`
	Confirm bool    `json:"confirm,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

type CreateRuleRequest struct {
	Name          string  `json:"name"`
	Metric        string  `json:"metric"`
	Operator      string  `json:"operator" enum:">,>=,<,<=,==,!="`
	Value         float64 `json:"value"`
	Severity      string  `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Action        string  `json:"action,omitempty" enum:"escalate,suggest"`
	CooldownHours *int    `json:"cooldown_hours,omitempty"`
}

type UpdateRuleRequest struct {
	Name          *string  `json:"name,omitempty"`
	Operator      *string  `json:"operator,omitempty" enum:">,>=,<,<=,==,!="`
	Value         *float64 `json:"value,omitempty"`
	Severity      *string  `json:"severity,omitempty" enum:"low,medium,high,critical"`
	CooldownHours *int     `json:"cooldown_hours,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// TaskEventRequest is the change notification posted by the task data
// source when a task is created or transitions state.
type TaskEventRequest struct {
	Event string            `json:"event" enum:"task.created,task.updated"`
	Task  CreateTaskRequest `json:"task"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response envelopes. Domain entities carry their own JSON shape; list
// endpoints wrap them with a continuation cursor.

type paginatedEscalations struct {
	Items      []domain.Escalation `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedApprovals struct {
	Items      []domain.ApprovalRequest `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type ProcessApprovalResponse struct {
	Request        domain.ApprovalRequest `json:"request"`
	Dispatched     bool                   `json:"dispatched"`
	DispatchResult map[string]any         `json:"dispatch_result,omitempty"`
	DispatchError  string                 `json:"dispatch_error,omitempty"`
}

type SnapshotResponse struct {
	Snapshot   domain.ProjectSnapshot `json:"snapshot"`
	Assessment domain.RiskAssessment  `json:"assessment"`
}

type TaskEventResponse struct {
	Task       domain.Task `json:"task"`
	RulesFired int         `json:"rules_fired"`
}

type ProjectRiskResponse struct {
	ProjectID  string                `json:"project_id"`
	Name       string                `json:"name"`
	Assessment domain.RiskAssessment `json:"assessment"`
}
