// Package handlers provides the built-in task handlers the worker
// registry is wired with. Provider integrations sit behind small
// interfaces so the handlers stay testable without network access.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/dispatch"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/worker"
)

// Task type names the registry and dispatcher agree on.
const (
	TypeGmailSync    = "gmail_sync"
	TypeCalendarSync = "calendar_sync"
	TypeWelcomeEmail = "welcome_email"
	TypeGeneric      = "generic"
)

// GmailClient pulls mailbox changes for a user. Implementations talk
// to the Gmail history API.
type GmailClient interface {
	SyncHistory(ctx context.Context, task *domain.Task, emailAddress, historyID string) error
}

// CalendarClient refreshes a user's calendar view after a change
// notification.
type CalendarClient interface {
	SyncCalendar(ctx context.Context, task *domain.Task, resourceID string) error
}

// EmailSender delivers outbound mail composed by handlers.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// GmailSyncPayload is the payload shape for gmail_sync tasks, packed by
// the webhook ingress from Pub/Sub notifications.
type GmailSyncPayload struct {
	EmailAddress string `json:"email_address"`
	HistoryID    string `json:"history_id"`
}

// NewGmailSync returns the gmail_sync handler. A payload that cannot be
// decoded fails permanently: replaying it cannot make it parse.
func NewGmailSync(client GmailClient, logger *slog.Logger) worker.HandlerFunc {
	logger = logger.With("handler", TypeGmailSync)
	return func(ctx context.Context, task *domain.Task) error {
		var payload GmailSyncPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("%w: decoding gmail_sync payload: %v", worker.ErrPermanent, err)
		}
		if payload.EmailAddress == "" {
			return fmt.Errorf("%w: gmail_sync payload missing email_address", worker.ErrPermanent)
		}

		logger.Info("syncing mailbox",
			"task_id", task.ID,
			"owner_id", task.OwnerID,
			"history_id", payload.HistoryID)

		return client.SyncHistory(ctx, task, payload.EmailAddress, payload.HistoryID)
	}
}

// CalendarSyncPayload is the payload shape for calendar_sync tasks.
type CalendarSyncPayload struct {
	ResourceID    string `json:"resource_id"`
	ResourceState string `json:"resource_state"`
}

// NewCalendarSync returns the calendar_sync handler.
func NewCalendarSync(client CalendarClient, logger *slog.Logger) worker.HandlerFunc {
	logger = logger.With("handler", TypeCalendarSync)
	return func(ctx context.Context, task *domain.Task) error {
		var payload CalendarSyncPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("%w: decoding calendar_sync payload: %v", worker.ErrPermanent, err)
		}

		logger.Info("syncing calendar",
			"task_id", task.ID,
			"owner_id", task.OwnerID,
			"resource_id", payload.ResourceID,
			"resource_state", payload.ResourceState)

		return client.SyncCalendar(ctx, task, payload.ResourceID)
	}
}

// NewWelcomeEmail returns the welcome_email handler. It expects the
// rule-dispatch envelope and reads the recipient from the originating
// event's data.
func NewWelcomeEmail(sender EmailSender, logger *slog.Logger) worker.HandlerFunc {
	logger = logger.With("handler", TypeWelcomeEmail)
	return func(ctx context.Context, task *domain.Task) error {
		var payload dispatch.TaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("%w: decoding welcome_email payload: %v", worker.ErrPermanent, err)
		}

		to, _ := payload.EventData["email"].(string)
		if to == "" {
			return fmt.Errorf("%w: welcome_email event data has no email", worker.ErrPermanent)
		}

		name, _ := payload.EventData["firstname"].(string)
		subject := "Welcome aboard"
		body := "Welcome! Your advisor will be in touch shortly."
		if name != "" {
			body = fmt.Sprintf("Hi %s,\n\n%s", name, body)
		}

		if err := sender.Send(ctx, to, subject, body); err != nil {
			return fmt.Errorf("sending welcome email to %s: %w", to, err)
		}

		logger.Info("welcome email sent", "task_id", task.ID, "to", to)
		return nil
	}
}

// NewGeneric returns the fallback handler for create_task actions that
// name no type. It records the event context and succeeds, leaving a
// durable audit trail of the rule firing.
func NewGeneric(logger *slog.Logger) worker.HandlerFunc {
	logger = logger.With("handler", TypeGeneric)
	return func(_ context.Context, task *domain.Task) error {
		var payload dispatch.TaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("%w: decoding generic payload: %v", worker.ErrPermanent, err)
		}

		logger.Info("generic task processed",
			"task_id", task.ID,
			"owner_id", task.OwnerID,
			"rule_id", payload.RuleID,
			"event_type", payload.EventType,
			"params", payload.Params)
		return nil
	}
}
