package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/cache"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/abtest"
	"github.com/ignite/campaign-engine/internal/service/delivery"
	"github.com/ignite/campaign-engine/internal/service/recipient"
)

// Queue is the subset of the job queue the orchestrator uses.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts jobqueue.Options) (string, error)
	RemoveJobs(ctx context.Context, jobType string, match map[string]string) (int, error)
}

// Locker runs fn while holding a named distributed lock.
type Locker interface {
	TryWith(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

// AudienceResolver turns targeting into recipients.
type AudienceResolver interface {
	Resolve(ctx context.Context, c *domain.Campaign, opts recipient.SendOptions) ([]domain.Recipient, error)
}

// Deliverer sends batches and single messages.
type Deliverer interface {
	SendBatch(ctx context.Context, c *domain.Campaign, recipientIDs []string, opts delivery.BatchOptions) (delivery.BatchResult, error)
	SendOne(ctx context.Context, orgID string, content domain.Content, sub *domain.Subscriber, tags delivery.SendTags) (*domain.SendResult, error)
}

// ABTester runs split tests.
type ABTester interface {
	AssignRecipientsToVariants(ctx context.Context, campaignID string, subscriberIDs []string, testPercentage int) (abtest.Assignment, error)
	WinnerDue(c *domain.Campaign) (bool, time.Duration)
	DetermineWinner(ctx context.Context, c *domain.Campaign) (*abtest.Winner, error)
	SendToControlGroup(ctx context.Context, campaignID string) (int, error)
	CopyVariants(ctx context.Context, srcCampaignID string, dst *domain.Campaign) ([]domain.ABTestVariant, error)
}

// Config tunes the send loop.
type Config struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
	// StatsRefreshCron is the repeat spec of the per-campaign stats job.
	StatsRefreshCron string
	InsertChunkSize  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           500,
		DelayBetweenBatches: 2 * time.Second,
		StatsRefreshCron:    "*/5 * * * *",
		InsertChunkSize:     1000,
	}
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Campaigns  Repository
	Recipients RecipientRepository
	Resolver   AudienceResolver
	Delivery   Deliverer
	ABTests    ABTester
	Queue      Queue
	Locks      Locker
	Cache      *cache.Cache
	Events     eventbus.Emitter
	Metrics    *metrics.Metrics
}

// Service implements campaign business logic. All public methods are safe for
// concurrent use if the underlying repositories are.
type Service struct {
	Deps
	cfg      Config
	validate *validator.Validate
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a campaign service.
func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StatsRefreshCron == "" {
		cfg.StatsRefreshCron = def.StatsRefreshCron
	}
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = def.InsertChunkSize
	}
	if deps.Events == nil {
		deps.Events = eventbus.Nop{}
	}
	return &Service{
		Deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With("component", "campaign"),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func cacheKey(id string) string { return "campaign:" + id }

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.Cache.Invalidate(ctx, cacheKey(id)); err != nil {
		s.log.Warn("campaign cache invalidation failed", "campaign_id", id, "error", err)
	}
}

// Get returns a single campaign, served from cache when possible.
func (s *Service) Get(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	var cached domain.Campaign
	if err := s.Cache.Get(ctx, cacheKey(id), &cached); err == nil && cached.OrganizationID == orgID {
		return &cached, nil
	} else if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("campaign cache read failed", "campaign_id", id, "error", err)
	}

	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.Set(ctx, cacheKey(id), c); err != nil {
		s.log.Warn("campaign cache write failed", "campaign_id", id, "error", err)
	}
	return c, nil
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, orgID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.Campaigns.List(ctx, orgID, f)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name              string               `json:"name" validate:"required,max=255"`
	ListID            string               `json:"list_id" validate:"required"`
	Subject           string               `json:"subject" validate:"required,max=998"`
	FromName          string               `json:"from_name"`
	FromEmail         string               `json:"from_email" validate:"required,email"`
	ReplyTo           string               `json:"reply_to" validate:"omitempty,email"`
	HTMLContent       string               `json:"html_content"`
	TextContent       string               `json:"text_content"`
	IncludeSegmentIDs []string             `json:"include_segment_ids"`
	ExcludeSegmentIDs []string             `json:"exclude_segment_ids"`
	ABTest            *domain.ABTestConfig `json:"ab_test" validate:"omitempty"`
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, orgID string, input CreateInput) (*domain.Campaign, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid campaign: %w", err)
	}

	now := s.now().UTC()
	c := &domain.Campaign{
		ID:                uuid.New().String(),
		OrganizationID:    orgID,
		ListID:            input.ListID,
		Name:              input.Name,
		Subject:           input.Subject,
		FromName:          input.FromName,
		FromEmail:         input.FromEmail,
		ReplyTo:           input.ReplyTo,
		HTMLContent:       input.HTMLContent,
		TextContent:       input.TextContent,
		Status:            domain.CampaignDraft,
		IncludeSegmentIDs: input.IncludeSegmentIDs,
		ExcludeSegmentIDs: input.ExcludeSegmentIDs,
		IsABTest:          input.ABTest != nil,
		ABTest:            input.ABTest,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if c.ABTest != nil && c.ABTest.WinnerMetric == "" {
		c.ABTest.WinnerMetric = domain.MetricOpens
	}

	if err := s.Campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.log.Info("campaign created", "campaign_id", c.ID, "organization_id", orgID, "ab_test", c.IsABTest)
	return c, nil
}

// Update modifies mutable campaign fields. Only drafts can be edited.
func (s *Service) Update(ctx context.Context, orgID, id string, u UpdateFields) (*domain.Campaign, error) {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft {
		return nil, ErrNotEditable
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&c.Name, u.Name)
	apply(&c.Subject, u.Subject)
	apply(&c.FromName, u.FromName)
	apply(&c.FromEmail, u.FromEmail)
	apply(&c.ReplyTo, u.ReplyTo)
	apply(&c.HTMLContent, u.HTMLContent)
	apply(&c.TextContent, u.TextContent)
	if u.IncludeSegmentIDs != nil {
		c.IncludeSegmentIDs = u.IncludeSegmentIDs
	}
	if u.ExcludeSegmentIDs != nil {
		c.ExcludeSegmentIDs = u.ExcludeSegmentIDs
	}
	if u.ABTest != nil {
		if err := s.validate.Struct(u.ABTest); err != nil {
			return nil, fmt.Errorf("invalid ab test config: %w", err)
		}
		c.ABTest = u.ABTest
		c.IsABTest = true
	}
	c.UpdatedAt = s.now().UTC()

	if err := s.Campaigns.UpdateContent(ctx, c); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return c, nil
}

// Duplicate clones the content and targeting of a campaign into a new draft.
// Identifiers, timestamps, counters and delivery state are not copied. For an
// A/B campaign the variants are cloned too, without their metrics or winner
// flag.
func (s *Service) Duplicate(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	src, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dup := &domain.Campaign{
		ID:                uuid.New().String(),
		OrganizationID:    src.OrganizationID,
		ListID:            src.ListID,
		Name:              src.Name + " (copy)",
		Subject:           src.Subject,
		FromName:          src.FromName,
		FromEmail:         src.FromEmail,
		ReplyTo:           src.ReplyTo,
		HTMLContent:       src.HTMLContent,
		TextContent:       src.TextContent,
		Status:            domain.CampaignDraft,
		IncludeSegmentIDs: append([]string(nil), src.IncludeSegmentIDs...),
		ExcludeSegmentIDs: append([]string(nil), src.ExcludeSegmentIDs...),
		IsABTest:          src.IsABTest,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if src.ABTest != nil {
		cfg := *src.ABTest
		dup.ABTest = &cfg
	}

	if err := s.Campaigns.Create(ctx, dup); err != nil {
		return nil, fmt.Errorf("duplicate campaign: %w", err)
	}
	if dup.IsABTest {
		if _, err := s.ABTests.CopyVariants(ctx, src.ID, dup); err != nil {
			return nil, fmt.Errorf("duplicate variants: %w", err)
		}
	}
	return dup, nil
}

// SendTest sends the campaign content to literal test addresses without
// touching recipient rows or campaign status. It returns how many were sent.
func (s *Service) SendTest(ctx context.Context, orgID, id string, emails []string) (int, error) {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return 0, err
	}
	targets, err := s.Resolver.Resolve(ctx, c, recipient.SendOptions{TestMode: true, TestEmails: emails})
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, ErrNoTestEmails
	}

	content := c.Content()
	content.Subject = "[TEST] " + content.Subject

	sent := 0
	var errs []error
	for _, t := range targets {
		sub := &domain.Subscriber{
			OrganizationID: orgID,
			Email:          t.Email,
			FirstName:      "Test",
			Status:         domain.SubscriberConfirmed,
		}
		if _, err := s.Delivery.SendOne(ctx, orgID, content, sub, delivery.SendTags{CampaignID: c.ID}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Email, err))
			continue
		}
		sent++
	}
	s.log.Info("test send", "campaign_id", id, "sent", sent, "failed", len(errs))
	return sent, errors.Join(errs...)
}

// RefreshStats recomputes the campaign counters from its recipient rows.
func (s *Service) RefreshStats(ctx context.Context, orgID, id string) (domain.CampaignStats, error) {
	stats, err := s.Recipients.Stats(ctx, id)
	if err != nil {
		return stats, fmt.Errorf("campaign stats: %w", err)
	}
	if err := s.Campaigns.SaveStats(ctx, id, stats, percentComplete(stats)); err != nil {
		return stats, fmt.Errorf("save stats: %w", err)
	}
	s.invalidate(ctx, id)
	return stats, nil
}

// RecordEngagement applies a tracking event to the subscriber's recipient row.
func (s *Service) RecordEngagement(ctx context.Context, ev domain.TrackingEvent) error {
	if ev.CampaignID == "" || ev.SubscriberID == "" {
		return nil
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	changed, err := s.Recipients.RecordEvent(ctx, ev.CampaignID, ev.SubscriberID, ev.EventType, at)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.EventType, err)
	}
	if changed {
		s.invalidate(ctx, ev.CampaignID)
	}
	return nil
}

// percentComplete is sent over total, rounded. Failed rows never count, so a
// campaign with failures finishes below 100.
func percentComplete(stats domain.CampaignStats) int {
	if stats.Total == 0 {
		return 0
	}
	return int(float64(stats.Sent)*100/float64(stats.Total) + 0.5)
}

func (s *Service) emit(ctx context.Context, name string, c *domain.Campaign, status domain.CampaignStatus, extra ...func(*eventbus.CampaignEvent)) {
	ev := eventbus.CampaignEvent{
		CampaignID:     c.ID,
		OrganizationID: c.OrganizationID,
		Status:         string(status),
		At:             s.now().UTC(),
	}
	for _, f := range extra {
		f(&ev)
	}
	s.Events.Emit(ctx, name, ev)
	s.Metrics.CampaignTransition(string(status))
}
