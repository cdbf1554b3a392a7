package vigilsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vigil HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Escalation represents an item awaiting human attention.
type Escalation struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	TaskID      *string `json:"task_id,omitempty"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	EscalatedTo string  `json:"escalated_to,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// Approval represents a gated action awaiting a decision.
type Approval struct {
	ID           string  `json:"id"`
	ProjectID    *string `json:"project_id,omitempty"`
	Title        string  `json:"title"`
	Sensitivity  string  `json:"sensitivity"`
	Irreversible bool    `json:"irreversible"`
	Tool         string  `json:"tool,omitempty"`
	Action       string  `json:"action,omitempty"`
	Status       string  `json:"status"`
	RequestedBy  string  `json:"requested_by"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    string  `json:"expires_at"`
}

// ProcessResult reports a decision plus any dispatched action outcome.
type ProcessResult struct {
	Request        Approval       `json:"request"`
	Dispatched     bool           `json:"dispatched"`
	DispatchResult map[string]any `json:"dispatch_result,omitempty"`
	DispatchError  string         `json:"dispatch_error,omitempty"`
}

// Project identifies one watched project.
type Project struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ProjectOverview is one portfolio row.
type ProjectOverview struct {
	Project         Project `json:"project"`
	TotalTasks      int     `json:"total_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	BlockedTasks    int     `json:"blocked_tasks"`
	OverdueTasks    int     `json:"overdue_tasks"`
	HealthScore     float64 `json:"health_score"`
	RiskScore       float64 `json:"risk_score"`
	RiskLevel       string  `json:"risk_level"`
	OpenEscalations int     `json:"open_escalations"`
}

// Dashboard aggregates the portfolio.
type Dashboard struct {
	GeneratedAt      string            `json:"generated_at"`
	Projects         []ProjectOverview `json:"projects"`
	TotalProjects    int               `json:"total_projects"`
	ProjectsAtRisk   int               `json:"projects_at_risk"`
	OpenEscalations  int               `json:"open_escalations"`
	PendingApprovals int               `json:"pending_approvals"`
	AverageHealth    float64           `json:"average_health"`
}

// Forecast projects a completion date from snapshot velocity.
type Forecast struct {
	ProjectID           string   `json:"project_id"`
	VelocityPerWeek     float64  `json:"velocity_per_week"`
	RemainingTasks      int      `json:"remaining_tasks"`
	ProjectedCompletion *string  `json:"projected_completion,omitempty"`
	Trend               string   `json:"trend"`
	Confidence          float64  `json:"confidence"`
	Notes               []string `json:"notes,omitempty"`
}

// TaskEvent mirrors one upstream task change into the engine.
type TaskEvent struct {
	Event string         `json:"event"`
	Task  map[string]any `json:"task"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEscalations wraps list responses with cursors.
type PaginatedEscalations struct {
	Items      []Escalation `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// PaginatedApprovals wraps list responses with cursors.
type PaginatedApprovals struct {
	Items      []Approval `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Escalations lists escalations, optionally filtered by status.
func (c *Client) Escalations(ctx context.Context, status string, limit int) (PaginatedEscalations, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp PaginatedEscalations
	err := c.do(ctx, http.MethodGet, withQuery("v1/escalations", q), nil, &resp)
	return resp, err
}

// AcknowledgeEscalation marks an escalation as seen.
func (c *Client) AcknowledgeEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	endpoint := fmt.Sprintf("v1/escalations/%s/acknowledge", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// ResolveEscalation closes an escalation. Notes are required; the server
// rejects a resolution that does not record why it was closed.
func (c *Client) ResolveEscalation(ctx context.Context, id, notes string) (Escalation, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Escalation
	endpoint := fmt.Sprintf("v1/escalations/%s/resolve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approvals lists approval requests, optionally filtered by status.
func (c *Client) Approvals(ctx context.Context, status string, limit int) (PaginatedApprovals, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp PaginatedApprovals
	err := c.do(ctx, http.MethodGet, withQuery("v1/approvals", q), nil, &resp)
	return resp, err
}

// RequestApproval opens a pending approval request.
func (c *Client) RequestApproval(ctx context.Context, title, sensitivity, tool, action string, params map[string]any, irreversible bool) (Approval, error) {
	body := map[string]any{
		"title":        title,
		"sensitivity":  sensitivity,
		"tool":         tool,
		"action":       action,
		"params":       params,
		"irreversible": irreversible,
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v1/approvals", body, &resp)
	return resp, err
}

// ProcessApproval decides a pending request. Notes must record the reason
// for the decision; irreversible approvals additionally need confirm set.
func (c *Client) ProcessApproval(ctx context.Context, id string, approve, confirm bool, notes string) (ProcessResult, error) {
	body := map[string]any{
		"approve": approve,
		"confirm": confirm,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp ProcessResult
	endpoint := fmt.Sprintf("v1/approvals/%s/process", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExecutiveDashboard fetches the portfolio rollup.
func (c *Client) ExecutiveDashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "v1/analytics/executive-dashboard", nil, &resp)
	return resp, err
}

// ProjectForecast fetches the completion projection for one project.
func (c *Client) ProjectForecast(ctx context.Context, projectID string) (Forecast, error) {
	var resp Forecast
	endpoint := fmt.Sprintf("v1/projects/%s/forecast", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SendTaskEvent pushes one task change into the read model and returns how
// many rules fired on it.
func (c *Client) SendTaskEvent(ctx context.Context, ev TaskEvent) (int, error) {
	var resp struct {
		RulesFired int `json:"rules_fired"`
	}
	err := c.do(ctx, http.MethodPost, "v1/events/task", ev, &resp)
	return resp.RulesFired, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
