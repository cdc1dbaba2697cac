package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

// taskColumns is the column list every task query selects, in scanTask
// order.
const taskColumns = `id, owner_id, type, payload, status, priority, attempts, max_attempts,
	locked_by, locked_at, run_after, last_error, completed_at, created_at, updated_at`

// TaskStore implements task persistence over PostgreSQL. The claim
// path is the contended one: it relies on FOR UPDATE SKIP LOCKED so
// concurrent workers never hand out the same row twice.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore. The connection is initialized and
// managed by the caller.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a TaskStore bound to the given transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

// CreateTask persists a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, owner_id, type, payload, status, priority, attempts,
			max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.OwnerID,
		task.Type,
		task.Payload,
		task.Status,
		task.Priority,
		task.Attempts,
		task.MaxAttempts,
		task.RunAfter,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.Type,
			"error", err)
		return MapError(err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, MapError(err)
	}
	return task, nil
}

// Claim atomically moves up to limit due pending tasks to in_progress
// for workerID and returns them. Priority wins over age; SKIP LOCKED
// keeps concurrent claimants from blocking on or double-claiming the
// same rows.
func (s *TaskStore) Claim(ctx context.Context, workerID uuid.UUID, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE tasks
		SET status = $1,
			locked_by = $2,
			locked_at = NOW(),
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = $3 AND run_after <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, taskColumns)

	rows, err := s.db.QueryContext(ctx, query,
		domain.TaskStatusInProgress,
		workerID,
		domain.TaskStatusPending,
		limit,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("failed to close claim rows", "error", cerr)
		}
	}()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// CompleteTask marks a task done and stamps completed_at.
func (s *TaskStore) CompleteTask(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks
		SET status = $1, completed_at = NOW(), locked_by = NULL, locked_at = NULL,
			last_error = NULL, updated_at = NOW()
		WHERE id = $2
	`
	return s.settle(ctx, id, query, domain.TaskStatusDone)
}

// RetryTask returns a task to pending with a future run_after and
// records the error that earned the retry.
func (s *TaskStore) RetryTask(ctx context.Context, id uuid.UUID, runAfter time.Time, lastError string) error {
	query := `
		UPDATE tasks
		SET status = $1, run_after = $3, last_error = $4,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $2
	`
	return s.settle(ctx, id, query, domain.TaskStatusPending, runAfter, lastError)
}

// FailTask marks a task permanently failed.
func (s *TaskStore) FailTask(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE tasks
		SET status = $1, last_error = $3, completed_at = NOW(),
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $2
	`
	return s.settle(ctx, id, query, domain.TaskStatusFailed, lastError)
}

// settle runs a status-transition update and verifies the row existed.
func (s *TaskStore) settle(ctx context.Context, id uuid.UUID, query string, status domain.TaskStatus, extra ...any) error {
	args := append([]any{status, id}, extra...)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// ReclaimOrphans clears stale locks on in_progress tasks whose lock
// predates the cutoff. The attempt already spent by the dead claimant
// stays counted: tasks with attempts left go back to pending, tasks
// whose budget that attempt exhausted fail terminally rather than
// being claimed once more.
func (s *TaskStore) ReclaimOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE tasks
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			last_error = CASE WHEN attempts >= max_attempts THEN $3 ELSE last_error END,
			completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE completed_at END,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = $4 AND locked_at < NOW() - make_interval(secs => $5)
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatusFailed,
		domain.TaskStatusPending,
		"worker lock expired on final attempt",
		domain.TaskStatusInProgress,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}
	return affected, nil
}

// defaultListLimit caps unbounded task listings.
const defaultListLimit = 100

// ListTasks returns tasks matching the filter, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OwnerID != uuid.Nil {
		conditions = append(conditions, "owner_id = "+arg(filter.OwnerID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(filter.Status))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at <= "+arg(filter.To))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY created_at DESC LIMIT %s`,
		taskColumns, where, arg(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("failed to close list rows", "error", cerr)
		}
	}()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		lockedBy    uuid.NullUUID
		lockedAt    sql.NullTime
		lastError   sql.NullString
		completedAt sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.Type,
		&task.Payload,
		&task.Status,
		&task.Priority,
		&task.Attempts,
		&task.MaxAttempts,
		&lockedBy,
		&lockedAt,
		&task.RunAfter,
		&lastError,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lockedBy.Valid {
		id := lockedBy.UUID
		task.LockedBy = &id
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		task.LockedAt = &t
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return &task, nil
}
