package domain

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"active,paused,completed,archived"`
	Description string  `json:"description,omitempty"`
	StartDate   *string `json:"start_date,omitempty" format:"date-time"`
	TargetDate  *string `json:"target_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Status         string   `json:"status" enum:"todo,in_progress,blocked,review,done,canceled"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	DueDate        *string  `json:"due_date,omitempty" format:"date-time"`
	BlockedReason  *string  `json:"blocked_reason,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type ProjectSnapshot struct {
	ID                  string  `json:"id"`
	ProjectID           string  `json:"project_id"`
	CapturedAt          string  `json:"captured_at" format:"date-time"`
	TotalTasks          int     `json:"total_tasks"`
	CompletedTasks      int     `json:"completed_tasks"`
	InProgressTasks     int     `json:"in_progress_tasks"`
	BlockedTasks        int     `json:"blocked_tasks"`
	OverdueTasks        int     `json:"overdue_tasks"`
	CompletedThisPeriod int     `json:"completed_this_period"`
	HealthScore         float64 `json:"health_score"`
	RiskScore           float64 `json:"risk_score"`
}

type RiskAssessment struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	AssessedAt     string   `json:"assessed_at" format:"date-time"`
	RiskScore      float64  `json:"risk_score"`
	RiskLevel      string   `json:"risk_level" enum:"low,medium,high,critical,unknown"`
	Factors        []string `json:"factors,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

type Forecast struct {
	ProjectID           string   `json:"project_id"`
	GeneratedAt         string   `json:"generated_at" format:"date-time"`
	VelocityPerWeek     float64  `json:"velocity_per_week"`
	RemainingTasks      int      `json:"remaining_tasks"`
	ProjectedCompletion *string  `json:"projected_completion,omitempty" format:"date-time"`
	Trend               string   `json:"trend" enum:"improving,stable,declining,unknown"`
	Confidence          float64  `json:"confidence"`
	Notes               []string `json:"notes,omitempty"`
}

type AutomationRule struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Metric        string  `json:"metric"`
	Operator      string  `json:"operator" enum:">,>=,<,<=,==,!="`
	Value         float64 `json:"value"`
	Severity      string  `json:"severity" enum:"low,medium,high,critical"`
	Action        string  `json:"action" enum:"escalate,suggest"`
	CooldownHours int     `json:"cooldown_hours"`
	Enabled       bool    `json:"enabled"`
	LastTriggered *string `json:"last_triggered,omitempty" format:"date-time"`
	TriggerCount  int     `json:"trigger_count"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Escalation struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	TaskID          *string `json:"task_id,omitempty"`
	RuleID          *string `json:"rule_id,omitempty"`
	Type            string  `json:"type" enum:"overdue,blocked,no_update,rule,manual"`
	Severity        string  `json:"severity" enum:"low,medium,high,critical"`
	Reason          string  `json:"reason"`
	Status          string  `json:"status" enum:"open,acknowledged,resolved"`
	EscalatedTo     string  `json:"escalated_to,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	AcknowledgedBy  *string `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *string `json:"acknowledged_at,omitempty" format:"date-time"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

type Suggestion struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	RuleID    *string `json:"rule_id,omitempty"`
	Title     string  `json:"title"`
	Action    string  `json:"action"`
	Rationale string  `json:"rationale,omitempty"`
	Severity  string  `json:"severity" enum:"low,medium,high,critical"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ApprovalRequest struct {
	ID            string  `json:"id"`
	ProjectID     *string `json:"project_id,omitempty"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Sensitivity   string  `json:"sensitivity" enum:"low,medium,high,critical"`
	Irreversible  bool    `json:"irreversible"`
	Tool          string  `json:"tool,omitempty"`
	Action        string  `json:"action,omitempty"`
	ParamsJSON    string  `json:"params_json,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,rejected,expired"`
	RequestedBy   string  `json:"requested_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ExpiresAt     string  `json:"expires_at" format:"date-time"`
	DecidedBy     *string `json:"decided_by,omitempty"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
	DecisionNotes *string `json:"decision_notes,omitempty"`
}

type OperationLock struct {
	IdempotencyKey string `json:"idempotency_key"`
	Tool           string `json:"tool"`
	OwnerID        string `json:"owner_id"`
	AcquiredAt     string `json:"acquired_at" format:"date-time"`
	ExpiresAt      string `json:"expires_at" format:"date-time"`
}

type AuditEntry struct {
	ID             int64   `json:"id"`
	TS             string  `json:"ts" format:"date-time"`
	Operation      string  `json:"operation"`
	EntityKind     string  `json:"entity_kind"`
	EntityID       string  `json:"entity_id,omitempty"`
	ProjectID      string  `json:"project_id,omitempty"`
	ActorID        string  `json:"actor_id"`
	Outcome        string  `json:"outcome" enum:"success,failure,denied"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	Payload        string  `json:"payload_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
