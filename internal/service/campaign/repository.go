package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, orgID, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// UpdateContent rewrites the authoring fields of a draft campaign.
	// Returns ErrNotEditable if the campaign is no longer a draft.
	UpdateContent(ctx context.Context, c *domain.Campaign) error

	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of from, and reports whether it did.
	TransitionStatus(ctx context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)

	// SetScheduledAt records (or clears) the scheduled send time.
	SetScheduledAt(ctx context.Context, id string, at *time.Time) error

	// MarkStarted stamps started_at and the resolved audience size.
	MarkStarted(ctx context.Context, id string, total int, at time.Time) error

	// MarkCompleted moves SENDING to SENT and stamps completed_at. It reports
	// false if the campaign was not SENDING, so completion happens once.
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)

	// NextBatchGeneration increments and returns the batch generation.
	NextBatchGeneration(ctx context.Context, id string) (int64, error)

	// SaveStats writes the recomputed counters and percent complete.
	SaveStats(ctx context.Context, id string, stats domain.CampaignStats, percent int) error
}

// RecipientRepository stores the per-campaign recipient rows.
type RecipientRepository interface {
	// InsertBatch creates PENDING rows, skipping existing (campaign, subscriber)
	// pairs. It returns the number of rows inserted.
	InsertBatch(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error)

	// DeleteForCampaign drops every row of a campaign that never left DRAFT.
	DeleteForCampaign(ctx context.Context, campaignID string) error

	// PendingBatch returns up to limit PENDING row IDs in a stable order.
	// With assignedOnly, only rows that carry a variant are returned.
	PendingBatch(ctx context.Context, campaignID string, limit int, assignedOnly bool) ([]string, error)

	// CountPending counts PENDING rows, optionally only variant-assigned ones.
	CountPending(ctx context.Context, campaignID string, assignedOnly bool) (int, error)

	// Stats aggregates the rows by status.
	Stats(ctx context.Context, campaignID string) (domain.CampaignStats, error)

	// RecordEvent advances the subscriber's row for an engagement event and
	// stamps the matching timestamp. Status only moves forward; it reports
	// whether anything changed.
	RecordEvent(ctx context.Context, campaignID, subscriberID string, event domain.TrackingEventType, at time.Time) (bool, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name              *string
	Subject           *string
	FromName          *string
	FromEmail         *string
	ReplyTo           *string
	HTMLContent       *string
	TextContent       *string
	IncludeSegmentIDs []string
	ExcludeSegmentIDs []string
	ABTest            *domain.ABTestConfig
}
