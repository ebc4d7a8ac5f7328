package suppression

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository defines the data access contract for the suppression list.
type Repository interface {
	// IsSuppressed returns true if the email is suppressed for the org.
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)

	// Suppress adds an email. An existing entry is preserved.
	Suppress(ctx context.Context, s *domain.Suppression) error

	// Remove deletes an entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, orgID, email string) error

	List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Suppression, int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Reason string
	Limit  int
	Offset int
}
