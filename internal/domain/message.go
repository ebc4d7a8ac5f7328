package domain

import "time"

// EmailMessage is the fully-resolved message ready for a transport.
// By the time a message reaches this struct, all template substitution,
// tracking injection, and header generation is complete.
type EmailMessage struct {
	ID           string            `json:"id"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	AutomationID string            `json:"automation_id,omitempty"`
	SubscriberID string            `json:"subscriber_id"`
	Email        string            `json:"email"`
	FromName     string            `json:"from_name"`
	FromEmail    string            `json:"from_email"`
	ReplyTo      string            `json:"reply_to"`
	Subject      string            `json:"subject"`
	HTMLContent  string            `json:"html_content"`
	TextContent  string            `json:"text_content"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after accepting a message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Transport string    `json:"transport"`
	SentAt    time.Time `json:"sent_at"`
}
