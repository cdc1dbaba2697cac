// Package worker claims pending tasks from the store and executes them
// through registered handlers, with bounded concurrency, exponential
// retry, and orphan recovery.
package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
)

// Handler executes one task type. Execute must honor ctx cancellation;
// a returned error schedules a retry until the task's attempt budget is
// spent.
type Handler interface {
	Execute(ctx context.Context, task *domain.Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *domain.Task) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, task *domain.Task) error {
	return f(ctx, task)
}

// Registry maps task types to handlers. It is populated at startup and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering the same type
// twice is a wiring bug and returns an error rather than silently
// shadowing the first handler.
func (r *Registry) Register(taskType string, handler Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for task type %q cannot be nil", taskType)
	}
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %q", taskType)
	}
	r.handlers[taskType] = handler
	return nil
}

// Resolve returns the handler for a task type, or false when none is
// registered.
func (r *Registry) Resolve(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types in sorted order. The
// dispatcher uses this to validate create_task actions.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
