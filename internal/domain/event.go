package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventSource identifies the external provider that produced an event.
type EventSource string

// Supported webhook sources.
const (
	EventSourceHubSpot  EventSource = "hubspot"
	EventSourceGmail    EventSource = "gmail"
	EventSourceCalendar EventSource = "calendar"
)

// Common validation errors for Event
var (
	ErrEmptyEventType       = errors.New("event type cannot be empty")
	ErrEmptyEventExternalID = errors.New("event external ID cannot be empty")
	ErrInvalidEventSource   = errors.New("invalid event source")
)

// Event is the normalized representation of an inbound webhook
// notification. Events are ephemeral: they live for the duration of the
// request that carried them, with only the (source, external_id) pair
// persisted for replay protection.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Source     EventSource    `json:"source"`
	Type       string         `json:"type"`
	OwnerID    uuid.UUID      `json:"owner_id"`
	ExternalID string         `json:"external_id"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
}

// NewEvent creates a normalized Event from a provider callback.
// Returns an error if validation fails.
func NewEvent(source EventSource, eventType string, ownerID uuid.UUID, externalID string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	event := &Event{
		ID:         uuid.New(),
		Source:     source,
		Type:       eventType,
		OwnerID:    ownerID,
		ExternalID: externalID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

// Validate checks if the Event has valid data.
func (e *Event) Validate() error {
	if !isValidEventSource(e.Source) {
		return ErrInvalidEventSource
	}

	if e.Type == "" {
		return ErrEmptyEventType
	}

	if e.ExternalID == "" {
		return ErrEmptyEventExternalID
	}

	return nil
}

func isValidEventSource(source EventSource) bool {
	switch source {
	case EventSourceHubSpot, EventSourceGmail, EventSourceCalendar:
		return true
	default:
		return false
	}
}
