package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/repo"
	"vigil/internal/tools"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher engine.ActionDispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"escalation already resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vigil API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Vigil API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerApprovals(group, cfg.Engine, cfg.Dispatcher)
	registerRules(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"entity": ce.Entity, "id": ce.ID, "status": ce.Status,
		})
	}
	var ee *engine.ExpiredError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusGone, "expired", err.Error(), map[string]any{
			"id": ee.ID, "expires_at": ee.ExpiresAt,
		})
	}
	var lce *tools.LockContentionError
	if errors.As(err, &lce) {
		return newAPIError(http.StatusConflict, "lock_conflict", err.Error(), map[string]any{
			"idempotency_key": lce.IdempotencyKey, "owner_id": lce.OwnerID,
		})
	}
	var tue *tools.ToolUnavailableError
	if errors.As(err, &tue) {
		return newAPIError(http.StatusServiceUnavailable, "tool_unavailable", err.Error(), map[string]any{"tool": tue.Tool})
	}
	var tee *tools.ToolExecutionError
	if errors.As(err, &tee) {
		return newAPIError(http.StatusBadGateway, "tool_failed", err.Error(), map[string]any{
			"tool": tee.Tool, "action": tee.Action, "attempts": tee.Attempts,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "expired"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vigil API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.HealthStatus `json:"body"`
	}, error) {
		status, err := e.Health(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.HealthStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Register a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, input.Body.ID, input.Body.Name, desc, input.Body.StartDate, input.Body.TargetDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",active,paused,completed,archived"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-forecast",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/forecast",
		Summary:     "Completion forecast",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Forecast `json:"body"`
	}, error) {
		f, err := e.ForecastProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forecast `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "project-snapshot",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/snapshot",
		Summary:       "Capture a snapshot and assess risk",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.CaptureSnapshot(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		assessment, err := e.AssessRisk(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Snapshot: snap, Assessment: assessment}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Register a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, taskCreateOptions(input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, taskUpdateOptions(input.ID, input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",open,acknowledged,resolved"`
		Severity  string `query:"severity" enum:",low,medium,high,critical"`
		Type      string `query:"type" enum:",overdue,blocked,no_update,rule,manual"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEscalations `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListEscalations(ctx, repo.EscalationFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Severity:        input.Severity,
			Type:            input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEscalations{Items: []domain.Escalation{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedEscalations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-escalation",
		Method:        http.MethodPost,
		Path:          "/escalations",
		Summary:       "Open an escalation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateEscalationRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EscalationCreateOptions{
			ProjectID:   input.Body.ProjectID,
			Type:        input.Body.Type,
			Severity:    input.Body.Severity,
			Reason:      input.Body.Reason,
			EscalatedTo: input.Body.EscalatedTo,
			ActorID:     actorID,
		}
		if input.Body.TaskID != nil {
			opts.TaskID = *input.Body.TaskID
		}
		esc, err := e.CreateEscalation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/acknowledge",
		Summary:     "Acknowledge an escalation",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.AcknowledgeEscalation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/resolve",
		Summary:     "Resolve an escalation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body ResolveEscalationRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.ResolveEscalation(ctx, input.ID, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine, dispatcher engine.ActionDispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		Status      string `query:"status" enum:",pending,approved,rejected,expired"`
		Sensitivity string `query:"sensitivity" enum:",low,medium,high,critical"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedApprovals `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Sensitivity:     input.Sensitivity,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedApprovals{Items: []domain.ApprovalRequest{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedApprovals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Request approval for a sensitive action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ApprovalCreateOptions{
			Title:        input.Body.Title,
			Sensitivity:  input.Body.Sensitivity,
			Irreversible: input.Body.Irreversible,
			Tool:         input.Body.Tool,
			Action:       input.Body.Action,
			Params:       input.Body.Params,
			RequestedBy:  actorID,
		}
		if input.Body.ProjectID != nil {
			opts.ProjectID = *input.Body.ProjectID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		req, err := e.RequestApproval(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/process",
		Summary:     "Approve or reject a pending request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ProcessApprovalRequest `json:"body"`
	}) (*struct {
		Body ProcessApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ProcessApproval(ctx, dispatcher, engine.ApprovalDecision{
			ID:      input.ID,
			Approve: input.Body.Approve,
			Confirm: input.Body.Confirm,
			Notes:   input.Body.Notes,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessApprovalResponse `json:"body"`
		}{Body: ProcessApprovalResponse{
			Request:        res.Request,
			Dispatched:     res.Dispatched,
			DispatchResult: res.DispatchResult,
			DispatchError:  res.DispatchError,
		}}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List automation rules",
	}, func(ctx context.Context, input *struct {
		Enabled bool `query:"enabled"`
	}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		items, err := e.Repo.ListRules(ctx, input.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AutomationRule{}
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create an automation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.RuleCreateOptions{
			Name:     input.Body.Name,
			Metric:   input.Body.Metric,
			Operator: input.Body.Operator,
			Value:    input.Body.Value,
			Severity: input.Body.Severity,
			Action:   input.Body.Action,
		}
		if input.Body.CooldownHours != nil {
			opts.CooldownHours = *input.Body.CooldownHours
		}
		rule, err := e.CreateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Update an automation rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rule, err := e.Repo.GetRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name != nil {
			rule.Name = *input.Body.Name
		}
		if input.Body.Operator != nil {
			rule.Operator = *input.Body.Operator
		}
		if input.Body.Value != nil {
			rule.Value = *input.Body.Value
		}
		if input.Body.Severity != nil {
			rule.Severity = *input.Body.Severity
		}
		if input.Body.CooldownHours != nil {
			rule.CooldownHours = *input.Body.CooldownHours
		}
		if input.Body.Enabled != nil {
			rule.Enabled = *input.Body.Enabled
		}
		if err := e.Repo.UpdateRule(ctx, rule); err != nil {
			return nil, handleError(err)
		}
		rule, err = e.Repo.GetRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "executive-dashboard",
		Method:      http.MethodGet,
		Path:        "/analytics/executive-dashboard",
		Summary:     "Portfolio dashboard",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ExecutiveDashboard `json:"body"`
	}, error) {
		dash, err := e.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecutiveDashboard `json:"body"`
		}{Body: dash}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-overviews",
		Method:      http.MethodGet,
		Path:        "/analytics/projects",
		Summary:     "Per-project overviews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ProjectOverview `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx, "active")
		if err != nil {
			return nil, handleError(err)
		}
		overviews := []engine.ProjectOverview{}
		for _, p := range projects {
			ov, err := e.Overview(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			overviews = append(overviews, ov)
		}
		return &struct {
			Body []engine.ProjectOverview `json:"body"`
		}{Body: overviews}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-risks",
		Method:      http.MethodGet,
		Path:        "/analytics/risks",
		Summary:     "Latest risk assessment per active project",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectRiskResponse `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx, "active")
		if err != nil {
			return nil, handleError(err)
		}
		risks := []ProjectRiskResponse{}
		for _, p := range projects {
			assessment, err := e.Repo.LatestAssessment(ctx, p.ID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, handleError(err)
			}
			risks = append(risks, ProjectRiskResponse{ProjectID: p.ID, Name: p.Name, Assessment: assessment})
		}
		return &struct {
			Body []ProjectRiskResponse `json:"body"`
		}{Body: risks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-warnings",
		Method:      http.MethodGet,
		Path:        "/analytics/warnings",
		Summary:     "Deadline and pileup warnings",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []engine.Warning `json:"body"`
	}, error) {
		var projects []domain.Project
		if input.ProjectID != "" {
			p, err := e.Repo.GetProject(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			projects = []domain.Project{p}
		} else {
			var err error
			projects, err = e.Repo.ListProjects(ctx, "active")
			if err != nil {
				return nil, handleError(err)
			}
		}
		warnings := []engine.Warning{}
		for _, p := range projects {
			ws, err := e.Warnings(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			warnings = append(warnings, ws...)
		}
		return &struct {
			Body []engine.Warning `json:"body"`
		}{Body: warnings}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-suggestions",
		Method:      http.MethodGet,
		Path:        "/analytics/suggestions",
		Summary:     "Rule-generated suggestions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Severity  string `query:"severity" enum:",low,medium,high,critical"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Suggestion `json:"body"`
	}, error) {
		items, err := e.Repo.ListSuggestions(ctx, repo.SuggestionFilters{
			ProjectID: input.ProjectID,
			Severity:  input.Severity,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Suggestion{}
		}
		return &struct {
			Body []domain.Suggestion `json:"body"`
		}{Body: items}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Operation  string `query:"operation"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		ProjectID  string `query:"project_id"`
		ActorID    string `query:"actor_id"`
		Outcome    string `query:"outcome" enum:",success,failure,denied"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			Operation:  input.Operation,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ProjectID:  input.ProjectID,
			ActorID:    input.ActorID,
			Outcome:    input.Outcome,
			Limit:      limit + 1,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func taskCreateOptions(body CreateTaskRequest, actorID string) engine.TaskCreateOptions {
	opts := engine.TaskCreateOptions{
		ProjectID:      body.ProjectID,
		Title:          body.Title,
		Priority:       body.Priority,
		EstimatedHours: body.EstimatedHours,
		ActorID:        actorID,
	}
	if body.ID != nil {
		opts.ID = *body.ID
	}
	if body.Status != nil {
		opts.Status = *body.Status
	}
	if body.AssigneeID != nil {
		opts.AssigneeID = *body.AssigneeID
	}
	if body.DueDate != nil {
		opts.DueDate = *body.DueDate
	}
	return opts
}

func taskUpdateOptions(id string, body UpdateTaskRequest, actorID string) engine.TaskUpdateOptions {
	return engine.TaskUpdateOptions{
		ID:             id,
		Title:          body.Title,
		Status:         body.Status,
		AssigneeID:     body.AssigneeID,
		Priority:       body.Priority,
		EstimatedHours: body.EstimatedHours,
		DueDate:        body.DueDate,
		BlockedReason:  body.BlockedReason,
		ActorID:        actorID,
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
