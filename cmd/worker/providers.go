package main

import (
	"context"
	"log/slog"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
)

// logProviders satisfies the handler provider interfaces by logging
// the work instead of calling external services. It marks the seam
// where the host application injects real Gmail, Calendar, and mail
// clients.
type logProviders struct {
	log *slog.Logger
}

func (p *logProviders) SyncHistory(ctx context.Context, task *domain.Task, emailAddress, historyID string) error {
	logger.FromContext(ctx).Info("gmail history sync requested",
		"task_id", task.ID,
		"email", emailAddress,
		"history_id", historyID)
	return nil
}

func (p *logProviders) SyncCalendar(ctx context.Context, task *domain.Task, resourceID string) error {
	logger.FromContext(ctx).Info("calendar sync requested",
		"task_id", task.ID,
		"resource_id", resourceID)
	return nil
}

func (p *logProviders) Send(ctx context.Context, to, subject, body string) error {
	p.log.Info("outbound email requested",
		"to", to,
		"subject", subject,
		"body_bytes", len(body))
	return nil
}
