package domain

import "time"

// RecipientStatus enumerates the delivery lifecycle of one campaign recipient.
type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientSent         RecipientStatus = "sent"
	RecipientDelivered    RecipientStatus = "delivered"
	RecipientOpened       RecipientStatus = "opened"
	RecipientClicked      RecipientStatus = "clicked"
	RecipientBounced      RecipientStatus = "bounced"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
	RecipientComplained   RecipientStatus = "complained"
	RecipientFailed       RecipientStatus = "failed"
)

// recipientRank orders statuses along the delivery lifecycle. Terminal
// outcomes share the top rank so none of them can overwrite another.
var recipientRank = map[RecipientStatus]int{
	RecipientPending:      0,
	RecipientSent:         1,
	RecipientDelivered:    2,
	RecipientOpened:       3,
	RecipientClicked:      4,
	RecipientBounced:      5,
	RecipientUnsubscribed: 5,
	RecipientComplained:   5,
	RecipientFailed:       5,
}

// Rank returns the lifecycle position of the status, or -1 if unknown.
func (s RecipientStatus) Rank() int {
	r, ok := recipientRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle monotonic.
func (s RecipientStatus) CanAdvanceTo(next RecipientStatus) bool {
	from, to := s.Rank(), next.Rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// CampaignRecipient is one (campaign, subscriber) delivery unit.
type CampaignRecipient struct {
	ID             string          `json:"id" db:"id"`
	CampaignID     string          `json:"campaign_id" db:"campaign_id"`
	SubscriberID   string          `json:"subscriber_id" db:"subscriber_id"`
	Email          string          `json:"email" db:"email"`
	Status         RecipientStatus `json:"status" db:"status"`
	VariantID      *string         `json:"variant_id,omitempty" db:"variant_id"`
	MessageID      string          `json:"message_id,omitempty" db:"message_id"`
	Error          string          `json:"error,omitempty" db:"error"`
	SentAt         *time.Time      `json:"sent_at" db:"sent_at"`
	DeliveredAt    *time.Time      `json:"delivered_at" db:"delivered_at"`
	OpenedAt       *time.Time      `json:"opened_at" db:"opened_at"`
	ClickedAt      *time.Time      `json:"clicked_at" db:"clicked_at"`
	BouncedAt      *time.Time      `json:"bounced_at" db:"bounced_at"`
	UnsubscribedAt *time.Time      `json:"unsubscribed_at" db:"unsubscribed_at"`
	ComplainedAt   *time.Time      `json:"complained_at" db:"complained_at"`
	ConvertedAt    *time.Time      `json:"converted_at" db:"converted_at"`
	FailedAt       *time.Time      `json:"failed_at" db:"failed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Recipient is a resolved delivery target before a CampaignRecipient row exists.
type Recipient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
