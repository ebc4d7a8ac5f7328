package eventbus

import "time"

// CampaignEvent is the payload of every campaign.* event.
type CampaignEvent struct {
	CampaignID     string    `json:"campaign_id"`
	OrganizationID string    `json:"organization_id"`
	Status         string    `json:"status"`
	Recipients     int       `json:"recipients,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// EmailEvent is the payload of email.sent and email.failed.
type EmailEvent struct {
	OrganizationID string `json:"organization_id"`
	CampaignID     string `json:"campaign_id,omitempty"`
	AutomationID   string `json:"automation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	SubscriberID   string `json:"subscriber_id"`
	VariantID      string `json:"variant_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WinnerEvent is the payload of abtest.winner_selected.
type WinnerEvent struct {
	CampaignID  string  `json:"campaign_id"`
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	Metric      string  `json:"metric"`
	Rate        float64 `json:"rate"`
	Confidence  float64 `json:"confidence,omitempty"`
	Significant bool    `json:"significant"`
}

// EnrollmentEvent is the payload of automation.* lifecycle events.
type EnrollmentEvent struct {
	EnrollmentID string `json:"enrollment_id"`
	AutomationID string `json:"automation_id"`
	SubscriberID string `json:"subscriber_id"`
	Reason       string `json:"reason,omitempty"`
}

// TriggerEvent is published by producers that want automations to react,
// such as list subscriptions, signups and custom application events.
type TriggerEvent struct {
	Kind           string         `json:"kind"`
	OrganizationID string         `json:"organization_id"`
	SubscriberID   string         `json:"subscriber_id"`
	ListID         string         `json:"list_id,omitempty"`
	EventName      string         `json:"event_name,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
