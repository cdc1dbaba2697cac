// Package dispatch turns matched rule actions into durable task rows.
// It is the only component that creates tasks; the worker owns every
// mutation after that.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/metrics"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/rules"
)

// Built-in actions this core dispatches. create_task enqueues a task of
// a named type; log only emits a structured log entry, which is useful
// for debugging rule matches without side effects.
const (
	ActionCreateTask = "create_task"
	ActionLog        = "log"
)

// Dispatch errors. Both also serve rule-creation-time validation
// through ValidateAction.
var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrUnknownTaskType = errors.New("no handler registered for task type")
)

// priorityNames maps the DSL's priority parameter to task priorities.
var priorityNames = map[string]int{
	"high":   domain.TaskPriorityHigh,
	"medium": domain.TaskPriorityMedium,
	"low":    domain.TaskPriorityLow,
}

// TaskStore persists new task rows. The insert must be a single durable
// write: on failure the whole webhook request fails so the provider
// retries (dedup makes the retry safe).
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
}

// TaskPayload is the envelope packed into tasks created from rule
// matches. Handlers decode it to reach the originating event.
type TaskPayload struct {
	RuleTriggered bool              `json:"rule_triggered,omitempty"`
	RuleID        string            `json:"rule_id,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventSource   string            `json:"event_source,omitempty"`
	EventData     map[string]any    `json:"event_data,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// Dispatcher converts matched actions into persisted tasks. The set of
// known task types is fixed at construction from the worker's handler
// registry, keeping the action space closed and checkable.
type Dispatcher struct {
	tasks       TaskStore
	knownTypes  map[string]struct{}
	maxAttempts int
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher that accepts the given task types.
func NewDispatcher(tasks TaskStore, taskTypes []string, maxAttempts int, logger *slog.Logger) *Dispatcher {
	known := make(map[string]struct{}, len(taskTypes))
	for _, t := range taskTypes {
		known[t] = struct{}{}
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	return &Dispatcher{
		tasks:       tasks,
		knownTypes:  known,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "dispatcher"),
	}
}

// ValidateAction checks that an action names a dispatchable operation
// and, for create_task, a registered task type. The rule CRUD surface
// calls this before accepting a rule.
func (d *Dispatcher) ValidateAction(action rules.Action) error {
	switch action.Name {
	case ActionLog:
		return nil
	case ActionCreateTask:
		taskType := action.Params["type"]
		if taskType == "" {
			taskType = "generic"
		}
		if _, ok := d.knownTypes[taskType]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Name)
	}
}

// Dispatch executes a matched action for the event's owner. For
// create_task it returns the persisted task; for log it returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.Event, match rules.Match) (*domain.Task, error) {
	if err := d.ValidateAction(match.Action); err != nil {
		return nil, err
	}

	metrics.RulesMatchedTotal.WithLabelValues(match.Action.Name).Inc()

	if match.Action.Name == ActionLog {
		d.logger.Info("rule action: log",
			"rule_id", match.RuleID,
			"owner_id", event.OwnerID,
			"event_type", event.Type,
			"params", match.Action.Params)
		return nil, nil
	}

	taskType := match.Action.Params["type"]
	if taskType == "" {
		taskType = "generic"
	}

	priority := domain.TaskPriorityMedium
	if p, ok := priorityNames[match.Action.Params["priority"]]; ok {
		priority = p
	}

	payload := TaskPayload{
		RuleTriggered: true,
		RuleID:        match.RuleID.String(),
		EventID:       event.ID.String(),
		EventType:     event.Type,
		EventSource:   string(event.Source),
		EventData:     event.Payload,
		Params:        match.Action.Params,
	}

	task, err := d.newTask(event.OwnerID, taskType, payload, priority)
	if err != nil {
		return nil, err
	}

	if err := d.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
	d.logger.Info("task created from rule",
		"task_id", task.ID,
		"task_type", taskType,
		"rule_id", match.RuleID,
		"owner_id", event.OwnerID)

	return task, nil
}

// Enqueue persists a task outside the rule path, for internal callers
// such as the provider sync flows in the webhook ingress.
func (d *Dispatcher) Enqueue(ctx context.Context, ownerID uuid.UUID, taskType string, payload any, priority int) (*domain.Task, error) {
	if _, ok := d.knownTypes[taskType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	task, err := d.newTask(ownerID, taskType, payload, priority)
	if err != nil {
		return nil, err
	}

	if err := d.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	metrics.TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
	d.logger.Info("task enqueued",
		"task_id", task.ID,
		"task_type", taskType,
		"owner_id", ownerID)

	return task, nil
}

func (d *Dispatcher) newTask(ownerID uuid.UUID, taskType string, payload any, priority int) (*domain.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task, err := domain.NewTask(ownerID, taskType, raw, priority)
	if err != nil {
		return nil, err
	}
	task.MaxAttempts = d.maxAttempts

	return task, nil
}
