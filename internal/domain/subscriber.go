package domain

import "time"

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberComplained   SubscriberStatus = "complained"
)

// Subscriber represents a single email recipient within a mailing list.
type Subscriber struct {
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	ListID         string           `json:"list_id" db:"list_id"`
	Email          string           `json:"email" db:"email"`
	FirstName      string           `json:"first_name" db:"first_name"`
	LastName       string           `json:"last_name" db:"last_name"`
	Status         SubscriberStatus `json:"status" db:"status"`
	CustomFields   map[string]any   `json:"custom_fields" db:"custom_fields"`

	EngagementScore     float64    `json:"engagement_score" db:"engagement_score"`
	TotalEmailsReceived int        `json:"total_emails_received" db:"total_emails_received"`
	TotalOpens          int        `json:"total_opens" db:"total_opens"`
	TotalClicks         int        `json:"total_clicks" db:"total_clicks"`
	LastOpenAt          *time.Time `json:"last_open_at" db:"last_open_at"`
	LastClickAt         *time.Time `json:"last_click_at" db:"last_click_at"`

	SubscribedAt   time.Time  `json:"subscribed_at" db:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Subscribed is false once the subscriber opted out, bounced or complained.
func (s *Subscriber) Subscribed() bool {
	return s.Status == SubscriberConfirmed || s.Status == SubscriberUnconfirmed
}

// Confirmed reports a completed opt-in.
func (s *Subscriber) Confirmed() bool {
	return s.Status == SubscriberConfirmed
}

// Deliverable is the hard gate every send path checks.
func (s *Subscriber) Deliverable() bool {
	return s.Subscribed() && s.Confirmed()
}

// EngagementScore weights opens at 40% and clicks at 60% of the received
// volume, with a bonus for recent activity. The result is capped at 100.
func EngagementScore(received, opens, clicks int, lastActivity *time.Time, now time.Time) float64 {
	if received < 1 {
		received = 1
	}
	openRate := float64(opens) / float64(received)
	clickRate := float64(clicks) / float64(received)
	score := openRate*40 + clickRate*60
	if lastActivity != nil {
		switch age := now.Sub(*lastActivity); {
		case age <= 7*24*time.Hour:
			score += 20
		case age <= 30*24*time.Hour:
			score += 10
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}
