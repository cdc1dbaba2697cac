package postgres

import (
	"context"
	"time"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

// DedupStore records webhook delivery identities so provider retries
// are absorbed instead of reprocessed. Records are useful only within
// the TTL; a janitor calls PurgeExpired to keep the table small.
type DedupStore struct {
	db  store.DBTX
	ttl time.Duration
}

// NewDedupStore creates a DedupStore with the given retention window.
func NewDedupStore(db store.DBTX, ttl time.Duration) *DedupStore {
	return &DedupStore{db: db, ttl: ttl}
}

// MarkSeen records a delivery identity. It returns true when the
// delivery must be processed: either never seen, or last seen before
// the TTL window. A single statement keeps check-and-set atomic under
// concurrent replays of the same delivery.
func (s *DedupStore) MarkSeen(ctx context.Context, source domain.EventSource, externalID string) (bool, error) {
	query := `
		INSERT INTO webhook_deliveries (source, external_id, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source, external_id) DO UPDATE
			SET seen_at = EXCLUDED.seen_at
			WHERE webhook_deliveries.seen_at < NOW() - make_interval(secs => $3)
	`
	result, err := s.db.ExecContext(ctx, query, source, externalID, s.ttl.Seconds())
	if err != nil {
		return false, MapError(err)
	}

	// The conditional upsert touches a row only for first or expired
	// deliveries; a live duplicate affects nothing.
	affected, err := result.RowsAffected()
	if err != nil {
		return false, MapError(err)
	}
	return affected == 1, nil
}

// Forget removes a recorded delivery so the provider's retry is
// processed again. Used when a delivery was marked seen but its
// processing failed. Removing an absent record is not an error.
func (s *DedupStore) Forget(ctx context.Context, source domain.EventSource, externalID string) error {
	query := `DELETE FROM webhook_deliveries WHERE source = $1 AND external_id = $2`
	if _, err := s.db.ExecContext(ctx, query, source, externalID); err != nil {
		return MapError(err)
	}
	return nil
}

// PurgeExpired deletes dedup records outside the TTL window.
func (s *DedupStore) PurgeExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM webhook_deliveries WHERE seen_at < NOW() - make_interval(secs => $1)`
	result, err := s.db.ExecContext(ctx, query, s.ttl.Seconds())
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, MapError(err)
	}
	if affected > 0 {
		logger.FromContext(ctx).Debug("purged expired dedup records", "count", affected)
	}
	return affected, nil
}
