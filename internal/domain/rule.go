package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for Rule
var (
	ErrEmptyRuleID      = errors.New("rule ID cannot be empty")
	ErrEmptyRuleOwnerID = errors.New("rule owner ID cannot be empty")
	ErrEmptyRuleText    = errors.New("rule text cannot be empty")
)

// Rule is a user-defined automation mapping an event pattern to an
// action, stored in its textual "when ... then ..." form. Rules are
// created and managed through the CRUD surface outside this core; the
// core only loads and evaluates them at event time. A disabled rule
// never matches.
type Rule struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	RuleText  string    `json:"rule_text"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRule creates an enabled Rule owned by the given user.
// The rule text is stored verbatim; syntax is checked by the rules
// package at evaluation time and should be checked again by the CRUD
// layer at creation time.
func NewRule(ownerID uuid.UUID, ruleText string) (*Rule, error) {
	now := time.Now().UTC()

	rule := &Rule{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		RuleText:  ruleText,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}

	return rule, nil
}

// Validate checks if the Rule has valid data.
func (r *Rule) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyRuleID
	}

	if r.OwnerID == uuid.Nil {
		return ErrEmptyRuleOwnerID
	}

	if r.RuleText == "" {
		return ErrEmptyRuleText
	}

	return nil
}
