package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
)

// RuleStore provides the rules visible to the matcher. Implementations
// must return only enabled rules, ordered by creation time so match
// output is deterministic.
type RuleStore interface {
	GetEnabledByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Rule, error)
}

// Match pairs a triggered rule with its requested action.
type Match struct {
	RuleID uuid.UUID
	Action Action
}

// Matcher evaluates an event against the owner's enabled rules.
// Evaluation has no side effects: malformed rules are skipped with a
// warning rather than failing the batch.
type Matcher struct {
	store  RuleStore
	logger *slog.Logger
}

// NewMatcher creates a Matcher backed by the given rule store.
func NewMatcher(store RuleStore, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:  store,
		logger: logger.With("component", "rule_matcher"),
	}
}

// Match returns the actions triggered by the event, in rule creation
// order.
func (m *Matcher) Match(ctx context.Context, event *domain.Event) ([]Match, error) {
	ownerRules, err := m.store.GetEnabledByOwner(ctx, event.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for owner: %w", err)
	}

	var matches []Match
	for _, rule := range ownerRules {
		if !rule.Enabled {
			continue
		}

		parsed, err := Parse(rule.RuleText)
		if err != nil {
			m.logger.Warn("skipping malformed rule",
				"rule_id", rule.ID,
				"owner_id", rule.OwnerID,
				"error", err)
			continue
		}

		if !parsed.MatchesEvent(event.Type, event.Payload) {
			continue
		}

		m.logger.Info("rule matched",
			"rule_id", rule.ID,
			"owner_id", rule.OwnerID,
			"event_type", event.Type,
			"action", parsed.Action.Name)

		matches = append(matches, Match{RuleID: rule.ID, Action: parsed.Action})
	}

	return matches, nil
}
