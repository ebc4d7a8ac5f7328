package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// EngagementRecorder applies an event to the campaign recipient row.
type EngagementRecorder interface {
	RecordEngagement(ctx context.Context, ev domain.TrackingEvent) error
}

// SubscriberUpdater maintains per-subscriber engagement counters.
type SubscriberUpdater interface {
	// RecordEngagement bumps open/click counters and the engagement score.
	RecordEngagement(ctx context.Context, subscriberID string, event domain.TrackingEventType, at time.Time) error
	// Deactivate moves the subscriber to status and returns their email.
	Deactivate(ctx context.Context, orgID, subscriberID string, status domain.SubscriberStatus, at time.Time) (string, error)
}

// Suppressor records addresses that must not be mailed again.
type Suppressor interface {
	HandleTrackingEvent(ctx context.Context, ev domain.TrackingEvent, email string) error
}

// EnrollmentCanceller stops running automations for a subscriber.
type EnrollmentCanceller interface {
	HandleUnsubscribe(ctx context.Context, subscriberID string) (int, error)
}

// Consumer applies tracking messages from the bus.
type Consumer struct {
	campaigns    EngagementRecorder
	subscribers  SubscriberUpdater
	suppressions Suppressor
	automations  EnrollmentCanceller
	metrics      *metrics.Metrics
	log          *logger.Logger
}

func NewConsumer(campaigns EngagementRecorder, subscribers SubscriberUpdater, suppressions Suppressor, automations EnrollmentCanceller, m *metrics.Metrics) *Consumer {
	return &Consumer{
		campaigns:    campaigns,
		subscribers:  subscribers,
		suppressions: suppressions,
		automations:  automations,
		metrics:      m,
		log:          logger.With("component", "tracking-consumer"),
	}
}

// Register subscribes the consumer to tracking messages on bus.
func (c *Consumer) Register(bus *eventbus.Bus) {
	bus.Handle(eventbus.TrackingReceived, func(ctx context.Context, raw json.RawMessage) error {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode tracking message: %w", err)
		}
		return c.Process(ctx, msg)
	})
}

// Process applies one message. Every side effect is attempted; their errors
// are joined.
func (c *Consumer) Process(ctx context.Context, msg Message) error {
	ev := msg.TrackingEvent
	if ev.SubscriberID == "" {
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	c.metrics.TrackingEvent(string(ev.EventType))

	var errs []error
	if err := c.campaigns.RecordEngagement(ctx, ev); err != nil {
		errs = append(errs, err)
	}

	switch ev.EventType {
	case domain.EventOpen, domain.EventClick:
		if err := c.subscribers.RecordEngagement(ctx, ev.SubscriberID, ev.EventType, ev.OccurredAt); err != nil {
			errs = append(errs, fmt.Errorf("subscriber counters: %w", err))
		}
	case domain.EventUnsubscribe, domain.EventComplaint, domain.EventBounce:
		email, err := c.subscribers.Deactivate(ctx, ev.OrganizationID, ev.SubscriberID, deactivatedStatus(ev.EventType), ev.OccurredAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("deactivate subscriber: %w", err))
			break
		}
		if err := c.suppressions.HandleTrackingEvent(ctx, ev, email); err != nil {
			errs = append(errs, fmt.Errorf("suppress: %w", err))
		}
		if n, err := c.automations.HandleUnsubscribe(ctx, ev.SubscriberID); err != nil {
			errs = append(errs, fmt.Errorf("cancel enrollments: %w", err))
		} else if n > 0 {
			c.log.Info("enrollments cancelled", "subscriber_id", ev.SubscriberID, "count", n)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.log.Debug("tracking event applied", "type", string(ev.EventType), "campaign_id", ev.CampaignID,
		"subscriber_id", ev.SubscriberID, "device", msg.Device)
	return nil
}

func deactivatedStatus(t domain.TrackingEventType) domain.SubscriberStatus {
	switch t {
	case domain.EventBounce:
		return domain.SubscriberBounced
	case domain.EventComplaint:
		return domain.SubscriberComplained
	}
	return domain.SubscriberUnsubscribed
}
