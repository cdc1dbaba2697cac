package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
)

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	OwnerID uuid.UUID
	Status  domain.TaskStatus
	From    time.Time
	To      time.Time
	Limit   int
}
