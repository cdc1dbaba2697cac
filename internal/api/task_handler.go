// Package api implements the HTTP read surface: task listings for
// operators plus health and metrics endpoints wired in the router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/api/shared"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

// maxListLimit bounds the limit query parameter.
const maxListLimit = 100

// TaskReader lists task records. Implemented by the Postgres task
// store.
type TaskReader interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error)
}

// TaskHandler serves GET /api/tasks. The surface is read-only: tasks
// are created by the dispatcher and mutated by the worker, never
// through HTTP.
type TaskHandler struct {
	tasks  TaskReader
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskReader, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With("component", "task_handler"),
	}
}

// taskResponse is the wire shape of one task record.
type taskResponse struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAfter    time.Time  `json:"run_after"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// ListTasks handles GET /api/tasks with optional status, owner_id,
// from, to (RFC 3339), and limit query parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseTaskFilter(w, r)
	if !ok {
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list tasks",
			"error", err,
			"trace_id", shared.GetTraceID(r.Context()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := taskListResponse{Tasks: make([]taskResponse, 0, len(tasks))}
	for _, task := range tasks {
		out.Tasks = append(out.Tasks, taskResponse{
			ID:          task.ID,
			OwnerID:     task.OwnerID,
			Type:        task.Type,
			Status:      string(task.Status),
			Priority:    task.Priority,
			Attempts:    task.Attempts,
			MaxAttempts: task.MaxAttempts,
			RunAfter:    task.RunAfter,
			LastError:   task.LastError,
			CompletedAt: task.CompletedAt,
			CreatedAt:   task.CreatedAt,
			UpdatedAt:   task.UpdatedAt,
		})
	}
	out.Count = len(out.Tasks)

	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// parseTaskFilter builds a TaskFilter from query parameters, writing a
// 400 response and returning false on the first invalid one.
func parseTaskFilter(w http.ResponseWriter, r *http.Request) (store.TaskFilter, bool) {
	var filter store.TaskFilter
	q := r.URL.Query()

	if s := q.Get("status"); s != "" {
		status := domain.TaskStatus(s)
		switch status {
		case domain.TaskStatusPending, domain.TaskStatusInProgress, domain.TaskStatusDone, domain.TaskStatusFailed:
			filter.Status = status
		default:
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid status")
			return filter, false
		}
	}

	if s := q.Get("owner_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid owner_id")
			return filter, false
		}
		filter.OwnerID = id
	}

	if s := q.Get("from"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid from timestamp")
			return filter, false
		}
		filter.From = ts
	}

	if s := q.Get("to"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid to timestamp")
			return filter, false
		}
		filter.To = ts
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxListLimit {
			shared.RespondWithError(w, r, http.StatusBadRequest, "limit must be between 1 and 100")
			return filter, false
		}
		filter.Limit = n
	}

	return filter, true
}
