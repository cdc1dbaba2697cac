// Package rules implements the "when ... then ..." automation DSL:
// parsing rule text and evaluating enabled rules against normalized
// events. Evaluation is pure; acting on matches is the dispatcher's job.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Rule grammar:
//
//	when <event_type> [if <field>=<value> | <field>~<value> ...] then <action> [<key>=<value> ...]
//
// The event type may contain '*' wildcards, each matching any run of
// characters ("hubspot.*", "*.deleted", "gmail.*.received").
// '=' predicates compare for case-insensitive equality, '~' for
// case-insensitive substring containment, both against the named
// payload field rendered as a string.
var (
	ErrEmptyRule      = errors.New("rule text is empty")
	ErrMalformedRule  = errors.New("malformed rule")
	ErrMissingTrigger = fmt.Errorf("%w: missing event type after 'when'", ErrMalformedRule)
	ErrMissingAction  = fmt.Errorf("%w: missing action after 'then'", ErrMalformedRule)
)

// Predicate is a single payload condition attached to a rule trigger.
type Predicate struct {
	Field     string
	Value     string
	Substring bool // true for '~', false for '='
}

// Action is the "then" half of a rule: a named action plus parameters.
type Action struct {
	Name   string
	Params map[string]string
}

// ParsedRule is the structured form of a rule's text.
type ParsedRule struct {
	Trigger    string
	Predicates []Predicate
	Action     Action
}

// Parse converts rule text into its structured form.
// Keywords are case-insensitive; field names, values, and action
// parameters are kept verbatim.
func Parse(text string) (*ParsedRule, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, ErrEmptyRule
	}

	if !strings.EqualFold(fields[0], "when") {
		return nil, fmt.Errorf("%w: expected 'when', got %q", ErrMalformedRule, fields[0])
	}
	if len(fields) < 2 {
		return nil, ErrMissingTrigger
	}

	parsed := &ParsedRule{Trigger: fields[1]}

	i := 2
	for i < len(fields) && strings.EqualFold(fields[i], "if") {
		if i+1 >= len(fields) {
			return nil, fmt.Errorf("%w: dangling 'if'", ErrMalformedRule)
		}
		pred, err := parsePredicate(fields[i+1])
		if err != nil {
			return nil, err
		}
		parsed.Predicates = append(parsed.Predicates, pred)
		i += 2
	}

	if i >= len(fields) || !strings.EqualFold(fields[i], "then") {
		return nil, fmt.Errorf("%w: expected 'then'", ErrMalformedRule)
	}
	i++
	if i >= len(fields) {
		return nil, ErrMissingAction
	}

	parsed.Action.Name = fields[i]
	parsed.Action.Params = map[string]string{}
	for _, param := range fields[i+1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: bad action parameter %q", ErrMalformedRule, param)
		}
		parsed.Action.Params[key] = value
	}

	return parsed, nil
}

func parsePredicate(token string) (Predicate, error) {
	if key, value, ok := strings.Cut(token, "~"); ok && key != "" {
		return Predicate{Field: key, Value: value, Substring: true}, nil
	}
	if key, value, ok := strings.Cut(token, "="); ok && key != "" {
		return Predicate{Field: key, Value: value}, nil
	}
	return Predicate{}, fmt.Errorf("%w: bad predicate %q", ErrMalformedRule, token)
}

// MatchesEvent reports whether the parsed rule fires for the given
// event type and payload.
func (p *ParsedRule) MatchesEvent(eventType string, payload map[string]any) bool {
	if !triggerMatches(p.Trigger, eventType) {
		return false
	}

	for _, pred := range p.Predicates {
		raw, ok := payload[pred.Field]
		if !ok {
			return false
		}
		got := strings.ToLower(fmt.Sprint(raw))
		want := strings.ToLower(pred.Value)
		if pred.Substring {
			if !strings.Contains(got, want) {
				return false
			}
		} else if got != want {
			return false
		}
	}

	return true
}

// triggerMatches compares a trigger pattern against an event type.
// Each '*' matches any run of characters, so "hubspot.*" covers every
// HubSpot event, "*.deleted" covers deletions from any source, and a
// bare "*" covers everything. Comparison is case-insensitive.
func triggerMatches(trigger, eventType string) bool {
	if !strings.Contains(trigger, "*") {
		return strings.EqualFold(trigger, eventType)
	}

	parts := strings.Split(strings.ToLower(trigger), "*")
	subject := strings.ToLower(eventType)

	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(subject, first) || len(subject) < len(first)+len(last) {
		return false
	}
	if !strings.HasSuffix(subject, last) {
		return false
	}
	subject = subject[len(first) : len(subject)-len(last)]

	// Middle segments must appear in order within what remains.
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(subject, part)
		if idx < 0 {
			return false
		}
		subject = subject[idx+len(part):]
	}
	return true
}
