// Package tracking serves the signed open, click and unsubscribe endpoints and
// applies the resulting engagement events to campaigns, subscribers,
// suppressions and automations.
package tracking

import (
	"context"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
)

// Message is the payload published on eventbus.TrackingReceived.
type Message struct {
	domain.TrackingEvent
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"`
}

// Publisher hands tracking messages to the event bus.
type Publisher struct {
	events eventbus.Emitter
}

func NewPublisher(events eventbus.Emitter) *Publisher {
	if events == nil {
		events = eventbus.Nop{}
	}
	return &Publisher{events: events}
}

// Publish emits msg. Failures are logged by the bus and never surface to the
// recipient's request.
func (p *Publisher) Publish(ctx context.Context, msg Message) {
	if msg.Device == "" {
		msg.Device = detectDevice(msg.UserAgent)
	}
	p.events.Emit(ctx, eventbus.TrackingReceived, msg)
}

func detectDevice(ua string) string {
	ua = strings.ToLower(ua)
	if ua == "" {
		return ""
	}
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	return "desktop"
}
