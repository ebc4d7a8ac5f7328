package suppression

import (
	"context"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed checks whether an email address must not receive mail.
func (s *Service) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	return s.repo.IsSuppressed(ctx, orgID, normalize(email))
}

// Suppress adds an email to the org's suppression list. Idempotent.
func (s *Service) Suppress(ctx context.Context, orgID, email string, reason domain.SuppressionReason, campaignID string) error {
	email = normalize(email)
	if email == "" {
		return ErrEmailMissing
	}
	return s.repo.Suppress(ctx, &domain.Suppression{
		OrganizationID: orgID,
		Email:          email,
		Reason:         reason,
		CampaignID:     campaignID,
	})
}

// Remove deletes a suppression entry.
func (s *Service) Remove(ctx context.Context, orgID, email string) error {
	email = normalize(email)
	if email == "" {
		return ErrEmailMissing
	}
	return s.repo.Remove(ctx, orgID, email)
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Suppression, int, error) {
	return s.repo.List(ctx, orgID, filter)
}

// ReasonFor maps an engagement signal to a suppression reason. Signals that
// do not suppress report false.
func ReasonFor(event domain.TrackingEventType) (domain.SuppressionReason, bool) {
	switch event {
	case domain.EventBounce:
		return domain.ReasonHardBounce, true
	case domain.EventComplaint:
		return domain.ReasonComplaint, true
	case domain.EventUnsubscribe:
		return domain.ReasonUnsubscribe, true
	}
	return "", false
}

// HandleTrackingEvent suppresses the address behind a bounce, complaint or
// unsubscribe signal.
func (s *Service) HandleTrackingEvent(ctx context.Context, ev domain.TrackingEvent, email string) error {
	reason, ok := ReasonFor(ev.EventType)
	if !ok {
		return nil
	}
	if err := s.Suppress(ctx, ev.OrganizationID, email, reason, ev.CampaignID); err != nil {
		return err
	}
	logger.Info("address suppressed", "org_id", ev.OrganizationID, "email", email, "reason", string(reason))
	return nil
}
