package mailing

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// RenderInput is everything needed to produce one personalized message.
type RenderInput struct {
	OrganizationID string
	CampaignID     string
	AutomationID   string
	Content        domain.Content
	Subscriber     *domain.Subscriber
	// Extra bindings, such as the triggering event's data for automations.
	Extra map[string]any
	// Track controls link rewriting and the open pixel. Unsubscribe headers
	// are always added.
	Track bool
}

// Renderer composes template personalization and tracking into a message.
type Renderer struct {
	templates *TemplateService
	tracker   *Tracker
}

// NewRenderer creates a renderer.
func NewRenderer(templates *TemplateService, tracker *Tracker) *Renderer {
	return &Renderer{templates: templates, tracker: tracker}
}

// Render produces the final message for one subscriber.
func (r *Renderer) Render(in RenderInput) (*domain.EmailMessage, error) {
	if in.Subscriber == nil {
		return nil, fmt.Errorf("render: subscriber is required")
	}
	sub := in.Subscriber

	msg := &domain.EmailMessage{
		ID:           uuid.NewString(),
		CampaignID:   in.CampaignID,
		AutomationID: in.AutomationID,
		SubscriberID: sub.ID,
		Email:        sub.Email,
		FromName:     in.Content.FromName,
		FromEmail:    in.Content.FromEmail,
		ReplyTo:      in.Content.ReplyTo,
	}
	ids := TrackingIDs{
		OrganizationID: in.OrganizationID,
		CampaignID:     in.CampaignID,
		SubscriberID:   sub.ID,
		MessageID:      msg.ID,
	}
	if ids.CampaignID == "" {
		ids.CampaignID = in.AutomationID
	}

	bindings := bindingsFor(sub, in.Extra)
	if r.tracker != nil {
		bindings["unsubscribe_url"] = r.tracker.UnsubscribeURL(ids)
	}

	var err error
	if msg.Subject, err = r.templates.Render(in.Content.Subject, bindings); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if msg.HTMLContent, err = r.templates.Render(in.Content.HTMLContent, bindings); err != nil {
		return nil, fmt.Errorf("html: %w", err)
	}
	if msg.TextContent, err = r.templates.Render(in.Content.TextContent, bindings); err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}

	if r.tracker != nil {
		if in.Track && msg.HTMLContent != "" {
			msg.HTMLContent = r.tracker.InjectTracking(msg.HTMLContent, ids)
		}
		msg.Headers = r.tracker.Headers(ids)
	}
	return msg, nil
}

func bindingsFor(sub *domain.Subscriber, extra map[string]any) map[string]interface{} {
	b := make(map[string]interface{}, len(sub.CustomFields)+len(extra)+6)
	for k, v := range sub.CustomFields {
		b[k] = v
	}
	b["custom"] = sub.CustomFields
	for k, v := range extra {
		b[k] = v
	}
	b["email"] = sub.Email
	b["first_name"] = sub.FirstName
	b["last_name"] = sub.LastName
	b["subscriber_id"] = sub.ID
	return b
}
