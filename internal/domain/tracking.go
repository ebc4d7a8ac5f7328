package domain

import "time"

// TrackingEventType enumerates the engagement signals fed back by providers
// and the tracking endpoints.
type TrackingEventType string

const (
	EventDelivered   TrackingEventType = "delivered"
	EventOpen        TrackingEventType = "open"
	EventClick       TrackingEventType = "click"
	EventConversion  TrackingEventType = "conversion"
	EventBounce      TrackingEventType = "bounce"
	EventUnsubscribe TrackingEventType = "unsubscribe"
	EventComplaint   TrackingEventType = "complaint"
)

// RecipientStatus maps an engagement signal onto the recipient lifecycle.
// Conversions do not move the lifecycle and report false.
func (t TrackingEventType) RecipientStatus() (RecipientStatus, bool) {
	switch t {
	case EventDelivered:
		return RecipientDelivered, true
	case EventOpen:
		return RecipientOpened, true
	case EventClick:
		return RecipientClicked, true
	case EventBounce:
		return RecipientBounced, true
	case EventUnsubscribe:
		return RecipientUnsubscribed, true
	case EventComplaint:
		return RecipientComplained, true
	}
	return "", false
}

// TrackingEvent represents a single engagement event from an email recipient.
type TrackingEvent struct {
	OrganizationID string            `json:"organization_id"`
	CampaignID     string            `json:"campaign_id"`
	SubscriberID   string            `json:"subscriber_id"`
	EventType      TrackingEventType `json:"event_type"`
	URL            string            `json:"url,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
