package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// WinnerMetric selects the rate an A/B test is decided on.
type WinnerMetric string

const (
	MetricOpens       WinnerMetric = "opens"
	MetricClicks      WinnerMetric = "clicks"
	MetricConversions WinnerMetric = "conversions"
)

// ABTestConfig holds the split-test settings of a campaign.
type ABTestConfig struct {
	TestPercentage int           `json:"test_percentage" validate:"min=1,max=100"`
	TestDuration   time.Duration `json:"test_duration"`
	WinnerMetric   WinnerMetric  `json:"winner_metric" validate:"omitempty,oneof=opens clicks conversions"`
}

// Content is the renderable part of a campaign, variant or automation step.
type Content struct {
	Subject     string `json:"subject"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	ReplyTo     string `json:"reply_to"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

// Campaign represents an email campaign with its content and delivery config.
type Campaign struct {
	ID                string         `json:"id" db:"id"`
	OrganizationID    string         `json:"organization_id" db:"organization_id"`
	ListID            string         `json:"list_id" db:"list_id"`
	Name              string         `json:"name" db:"name"`
	Subject           string         `json:"subject" db:"subject"`
	FromName          string         `json:"from_name" db:"from_name"`
	FromEmail         string         `json:"from_email" db:"from_email"`
	ReplyTo           string         `json:"reply_to" db:"reply_to"`
	HTMLContent       string         `json:"html_content" db:"html_content"`
	TextContent       string         `json:"text_content" db:"text_content"`
	Status            CampaignStatus `json:"status" db:"status"`
	IncludeSegmentIDs []string       `json:"include_segment_ids" db:"include_segment_ids"`
	ExcludeSegmentIDs []string       `json:"exclude_segment_ids" db:"exclude_segment_ids"`
	IsABTest          bool           `json:"is_ab_test" db:"is_ab_test"`
	ABTest            *ABTestConfig  `json:"ab_test,omitempty" db:"ab_test"`
	WinnerVariantID   *string        `json:"winner_variant_id,omitempty" db:"winner_variant_id"`
	ScheduledAt       *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	BatchGeneration   int64          `json:"-" db:"batch_generation"`
	PercentComplete   int            `json:"percent_complete" db:"percent_complete"`

	// Stats (read-only, recomputed from recipients)
	TotalRecipients  int `json:"total_recipients" db:"total_recipients"`
	SentCount        int `json:"sent_count" db:"sent_count"`
	DeliveredCount   int `json:"delivered_count" db:"delivered_count"`
	OpenCount        int `json:"open_count" db:"open_count"`
	ClickCount       int `json:"click_count" db:"click_count"`
	BounceCount      int `json:"bounce_count" db:"bounce_count"`
	ComplaintCount   int `json:"complaint_count" db:"complaint_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`
	FailedCount      int `json:"failed_count" db:"failed_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// Content returns the campaign's renderable content.
func (c *Campaign) Content() Content {
	return Content{
		Subject:     c.Subject,
		FromName:    c.FromName,
		FromEmail:   c.FromEmail,
		ReplyTo:     c.ReplyTo,
		HTMLContent: c.HTMLContent,
		TextContent: c.TextContent,
	}
}

// InTestPhase reports whether an A/B campaign is still waiting for a winner.
func (c *Campaign) InTestPhase() bool {
	return c.IsABTest && c.WinnerVariantID == nil
}

// CampaignStats is the aggregate recomputed from recipient rows.
type CampaignStats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`
	Complained   int `json:"complained"`
	Failed       int `json:"failed"`
}
