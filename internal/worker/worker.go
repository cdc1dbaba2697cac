package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/config"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/metrics"
)

// ErrPermanent wraps handler errors that must not be retried. The task
// fails immediately regardless of its remaining attempt budget.
var ErrPermanent = errors.New("permanent task failure")

// TaskStore is the persistence surface the worker drives. Claim must be
// atomic across concurrent workers: no task may be returned to more
// than one claimant.
type TaskStore interface {
	// Claim atomically marks up to limit due pending tasks as
	// in_progress for workerID, incrementing their attempt counters,
	// and returns them ordered by priority then age.
	Claim(ctx context.Context, workerID uuid.UUID, limit int) ([]*domain.Task, error)

	// CompleteTask marks a task done and records its completion time.
	CompleteTask(ctx context.Context, id uuid.UUID) error

	// RetryTask returns a task to pending with a future run_after and
	// records the error that caused the retry.
	RetryTask(ctx context.Context, id uuid.UUID, runAfter time.Time, lastError string) error

	// FailTask marks a task permanently failed.
	FailTask(ctx context.Context, id uuid.UUID, lastError string) error

	// ReclaimOrphans clears locks on in_progress tasks older than
	// olderThan: back to pending when attempts remain, failed when the
	// budget is spent. Returns how many were touched.
	ReclaimOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Worker polls the store for due tasks and executes them with bounded
// concurrency. Multiple Worker processes may run against the same
// database; the store's claim semantics keep them from colliding.
type Worker struct {
	id       uuid.UUID
	store    TaskStore
	registry *Registry
	cfg      config.WorkerConfig
	logger   *slog.Logger

	sem      chan struct{}
	inflight sync.WaitGroup
}

// New creates a Worker with a fresh identity. The identity tags claims
// in the database so orphaned locks can be traced to a process.
func New(store TaskStore, registry *Registry, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	id := uuid.New()
	return &Worker{
		id:       id,
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "worker", "worker_id", id),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Run executes the poll loop until ctx is cancelled, then waits up to
// ShutdownGrace for in-flight handlers to finish. Tasks still running
// at the deadline keep their in_progress rows; the orphan sweep of a
// surviving worker reclaims them after LockTimeout.
func (w *Worker) Run(ctx context.Context) error {
	// Sweep once at startup so tasks stranded by a previous crash do
	// not wait a full sweep interval.
	w.sweep(ctx)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"max_concurrent", w.cfg.MaxConcurrent,
		"lock_timeout", w.cfg.LockTimeout)

	// Claim immediately rather than waiting out the first tick.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-poll.C:
			w.poll(ctx)
		case <-sweep.C:
			w.sweep(ctx)
		}
	}
}

// drain waits for in-flight handlers, bounded by ShutdownGrace.
func (w *Worker) drain() error {
	w.logger.Info("worker shutting down", "grace", w.cfg.ShutdownGrace)

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
		return nil
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("shutdown grace elapsed with handlers still running")
		return fmt.Errorf("shutdown grace of %s elapsed before handlers finished", w.cfg.ShutdownGrace)
	}
}

// poll claims as many due tasks as current capacity allows and launches
// a goroutine per task. Transient store errors are retried briefly with
// backoff before giving up until the next tick.
func (w *Worker) poll(ctx context.Context) {
	capacity := w.cfg.MaxConcurrent - len(w.sem)
	if capacity <= 0 {
		return
	}

	var tasks []*domain.Task
	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var claimErr error
		tasks, claimErr = w.store.Claim(ctx, w.id, capacity)
		if claimErr != nil {
			return retry.RetryableError(claimErr)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to claim tasks", "error", err)
		}
		return
	}

	for _, task := range tasks {
		metrics.TasksClaimedTotal.Inc()

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown raced the claim. Leave the row in_progress; the
			// orphan sweep returns it to pending after LockTimeout.
			return
		}

		w.inflight.Add(1)
		go func(task *domain.Task) {
			defer w.inflight.Done()
			defer func() { <-w.sem }()
			w.execute(ctx, task)
		}(task)
	}
}

// execute runs one claimed task through its handler and settles the
// outcome in the store.
func (w *Worker) execute(ctx context.Context, task *domain.Task) {
	logger := w.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"attempt", task.Attempts,
		"max_attempts", task.MaxAttempts,
	)

	handler, ok := w.registry.Resolve(task.Type)
	if !ok {
		// No amount of retrying fixes a missing handler.
		logger.Error("no handler registered for task type")
		w.settle(ctx, task, logger, fmt.Errorf("no handler registered for task type %q", task.Type), false)
		return
	}

	logger.Info("executing task")

	err := w.runHandler(ctx, handler, task)
	retryable := true
	if err != nil && errors.Is(err, ErrPermanent) {
		retryable = false
	}
	w.settle(ctx, task, logger, err, retryable)
}

// runHandler invokes the handler with panic recovery. A panicking
// handler must not take the worker process down; the panic becomes an
// ordinary execution error.
func (w *Worker) runHandler(ctx context.Context, handler Handler, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, task)
}

// settle records the task's outcome: done, retried with backoff, or
// permanently failed once the attempt budget is spent.
func (w *Worker) settle(ctx context.Context, task *domain.Task, logger *slog.Logger, execErr error, retryable bool) {
	// Settlement must survive the cancellation that stopped the
	// handler, or the outcome is lost and the task replays.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	if execErr == nil {
		if err := w.store.CompleteTask(ctx, task.ID); err != nil {
			logger.Error("failed to mark task done", "error", err)
			return
		}
		metrics.TasksCompletedTotal.WithLabelValues("done").Inc()
		logger.Info("task completed")
		return
	}

	if retryable && task.Attempts < task.MaxAttempts {
		delay := w.backoff(task.Attempts)
		runAfter := time.Now().UTC().Add(delay)
		if err := w.store.RetryTask(ctx, task.ID, runAfter, execErr.Error()); err != nil {
			logger.Error("failed to schedule retry", "error", err)
			return
		}
		metrics.TasksCompletedTotal.WithLabelValues("retried").Inc()
		logger.Warn("task failed, retry scheduled",
			"error", execErr,
			"delay", delay,
			"run_after", runAfter)
		return
	}

	if err := w.store.FailTask(ctx, task.ID, execErr.Error()); err != nil {
		logger.Error("failed to mark task failed", "error", err)
		return
	}
	metrics.TasksCompletedTotal.WithLabelValues("failed").Inc()
	logger.Error("task permanently failed", "error", execErr)
}

// backoff returns the delay before the next attempt: base doubled per
// completed attempt, with up to 20% jitter either way so synchronized
// failures do not retry in lockstep.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := w.cfg.BaseBackoff << (attempts - 1)
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}

// sweep resets tasks whose claims outlived LockTimeout.
func (w *Worker) sweep(ctx context.Context) {
	reclaimed, err := w.store.ReclaimOrphans(ctx, w.cfg.LockTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("orphan sweep failed", "error", err)
		}
		return
	}
	if reclaimed > 0 {
		metrics.OrphansReclaimedTotal.Add(float64(reclaimed))
		w.logger.Info("reclaimed orphaned tasks", "count", reclaimed)
	}
}
