package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/Amilcarpio/financial-advisor-ai-app/internal/domain"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/platform/logger"
	"github.com/Amilcarpio/financial-advisor-ai-app/internal/store"
)

const userColumns = `id, email, hubspot_portal_id, google_connected, created_at, updated_at`

// UserStore implements owner lookups over PostgreSQL. This service only
// attributes events to owners; account lifecycle lives elsewhere, so
// the write surface is the minimum needed for provisioning.
type UserStore struct {
	db store.DBTX
}

// NewUserStore creates a UserStore.
func NewUserStore(db store.DBTX) *UserStore {
	return &UserStore{db: db}
}

// CreateUser persists a new owner record.
func (s *UserStore) CreateUser(ctx context.Context, user *domain.User) error {
	log := logger.FromContext(ctx)

	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO users (id, email, hubspot_portal_id, google_connected, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.HubSpotPortalID,
		user.GoogleConnected,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save user", "user_id", user.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// GetByID retrieves an owner by ID.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	return s.getOne(ctx, query, id)
}

// GetByEmail resolves the owner of a mailbox.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns)
	return s.getOne(ctx, query, email)
}

// GetByHubSpotPortalID resolves the owner of a HubSpot portal.
func (s *UserStore) GetByHubSpotPortalID(ctx context.Context, portalID string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE hubspot_portal_id = $1`, userColumns)
	return s.getOne(ctx, query, portalID)
}

func (s *UserStore) getOne(ctx context.Context, query string, arg any) (*domain.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		mapped := MapError(err)
		if store.IsNotFoundError(mapped) {
			return nil, fmt.Errorf("%w: %v", store.ErrUserNotFound, err)
		}
		return nil, mapped
	}
	return user, nil
}

// ListCalendarConnected returns every owner with Google connected.
// Calendar channel notifications carry no owner identity, so they fan
// out to this set.
func (s *UserStore) ListCalendarConnected(ctx context.Context) ([]*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE google_connected ORDER BY created_at ASC`, userColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("failed to close user rows", "error", cerr)
		}
	}()

	var out []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		user     domain.User
		portalID sql.NullString
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&portalID,
		&user.GoogleConnected,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.HubSpotPortalID = portalID.String
	return &user, nil
}
