package domain

import (
	"errors"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for User
var (
	ErrEmptyUserID  = errors.New("user ID cannot be empty")
	ErrEmptyEmail   = errors.New("email cannot be empty")
	ErrInvalidEmail = errors.New("invalid email format")
)

// User is the minimal owner record this core needs to attribute inbound
// events: account management, OAuth token storage, and profile data all
// live outside. HubSpot events resolve to an owner via the portal ID,
// Gmail notifications via the email address, and Calendar notifications
// fan out to every owner with Google connected.
type User struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	HubSpotPortalID string    `json:"hubspot_portal_id,omitempty"`
	GoogleConnected bool      `json:"google_connected"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks if the User has valid data.
func (u *User) Validate() error {
	if u.ID == uuid.Nil {
		return ErrEmptyUserID
	}

	if u.Email == "" {
		return ErrEmptyEmail
	}

	if _, err := mail.ParseAddress(u.Email); err != nil {
		return ErrInvalidEmail
	}

	return nil
}
