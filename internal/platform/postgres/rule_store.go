package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

// RuleStore implements rule persistence over PostgreSQL. Rules are
// read far more often than written: every inbound event loads the
// owner's enabled set.
type RuleStore struct {
	db store.DBTX
}

// NewRuleStore creates a RuleStore.
func NewRuleStore(db store.DBTX) *RuleStore {
	return &RuleStore{db: db}
}

// CreateRule persists a new rule.
func (s *RuleStore) CreateRule(ctx context.Context, rule *domain.Rule) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO rules (id, owner_id, rule_text, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		rule.ID,
		rule.OwnerID,
		rule.RuleText,
		rule.Enabled,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save rule",
			"rule_id", rule.ID,
			"owner_id", rule.OwnerID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// GetEnabledByOwner returns the owner's enabled rules in creation
// order. The matcher depends on the ordering for deterministic action
// output.
func (s *RuleStore) GetEnabledByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Rule, error) {
	query := `
		SELECT id, owner_id, rule_text, enabled, created_at, updated_at
		FROM rules
		WHERE owner_id = $1 AND enabled
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("failed to close rule rows", "error", cerr)
		}
	}()

	var out []*domain.Rule
	for rows.Next() {
		var rule domain.Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.OwnerID,
			&rule.RuleText,
			&rule.Enabled,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, MapError(err)
		}
		out = append(out, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// SetEnabled flips a rule on or off without touching its text.
func (s *RuleStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE rules SET enabled = $2, updated_at = NOW() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrRuleNotFound, id)
	}
	return nil
}

// DeleteRule removes a rule permanently.
func (s *RuleStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return MapError(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrRuleNotFound, id)
	}
	return nil
}
