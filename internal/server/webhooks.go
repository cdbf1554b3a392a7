package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/repo"
)

// registerEvents exposes the task-change webhook the task data source
// posts to. The change is recorded and the project's rules are evaluated
// synchronously so rule escalations land before the response returns.
func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-event",
		Method:      http.MethodPost,
		Path:        "/events/task",
		Summary:     "Ingest a task change event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TaskEventRequest `json:"body"`
	}) (*struct {
		Body TaskEventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := applyTaskEvent(ctx, e, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		fired, err := e.EvaluateRules(ctx, task.ProjectID, actorID)
		if err != nil {
			// The change is recorded either way; rule failures are not the
			// sender's problem.
			log.Printf("events: rule evaluation for %s failed: %v", task.ProjectID, err)
		}
		return &struct {
			Body TaskEventResponse `json:"body"`
		}{Body: TaskEventResponse{Task: task, RulesFired: len(fired)}}, nil
	})
}

func applyTaskEvent(ctx context.Context, e engine.Engine, evt TaskEventRequest, actorID string) (task domain.Task, err error) {
	switch evt.Event {
	case "task.created":
		return e.CreateTask(ctx, taskCreateOptions(evt.Task, actorID))
	case "task.updated":
		if evt.Task.ID == nil || *evt.Task.ID == "" {
			return task, &engine.ValidationError{Field: "task.id", Message: "is required for task.updated"}
		}
		opts := engine.TaskUpdateOptions{
			ID:             *evt.Task.ID,
			Status:         evt.Task.Status,
			AssigneeID:     evt.Task.AssigneeID,
			Priority:       evt.Task.Priority,
			EstimatedHours: evt.Task.EstimatedHours,
			DueDate:        evt.Task.DueDate,
			ActorID:        actorID,
		}
		if evt.Task.Title != "" {
			opts.Title = &evt.Task.Title
		}
		updated, err := e.UpdateTask(ctx, opts)
		if errors.Is(err, repo.ErrNotFound) {
			// first sight of this task: register it instead
			return e.CreateTask(ctx, taskCreateOptions(evt.Task, actorID))
		}
		return updated, err
	default:
		return task, &engine.ValidationError{Field: "event", Message: "unknown event " + evt.Event}
	}
}
