package domain

import "time"

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// Suppression represents a single entry in the tenant suppression list.
type Suppression struct {
	ID             string            `json:"id" db:"id"`
	OrganizationID string            `json:"organization_id" db:"organization_id"`
	Email          string            `json:"email" db:"email"`
	Reason         SuppressionReason `json:"reason" db:"reason"`
	CampaignID     string            `json:"campaign_id,omitempty" db:"campaign_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
