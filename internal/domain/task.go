package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a background task
type TaskStatus string

// Possible task status values. A task only ever moves
// pending -> in_progress -> {done | pending (retry) | failed}.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task priorities. Claims order by priority descending, so higher
// values run first within the eligible set.
const (
	TaskPriorityLow    = 1
	TaskPriorityMedium = 2
	TaskPriorityHigh   = 3
)

// DefaultMaxAttempts is the number of executions a task gets before
// it is marked failed permanently.
const DefaultMaxAttempts = 3

// Common validation errors for Task
var (
	ErrEmptyTaskID      = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskType    = errors.New("task type cannot be empty")
	ErrInvalidTaskState = errors.New("invalid task status")
)

// Task represents a durable unit of asynchronous work. Tasks are created
// by the dispatcher (or another internal caller) and from then on mutated
// exclusively by the worker through the store's claim/update operations.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedBy    *uuid.UUID      `json:"locked_by,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	RunAfter    time.Time       `json:"run_after"`
	LastError   string          `json:"last_error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewTask creates a pending Task of the given type for the owner.
// The payload is stored opaquely; the registered handler for the type
// is responsible for decoding it. Returns an error if validation fails.
func NewTask(ownerID uuid.UUID, taskType string, payload json.RawMessage, priority int) (*Task, error) {
	now := time.Now().UTC()
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	task := &Task{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Type:        taskType,
		Payload:     payload,
		Status:      TaskStatusPending,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}

	if t.Type == "" {
		return ErrEmptyTaskType
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskState
	}

	return nil
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed
}

// isValidTaskStatus checks if the provided status is one of the defined states.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}
