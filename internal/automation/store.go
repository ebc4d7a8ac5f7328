package automation

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/delivery"
)

// Store persists automations, their steps and enrollments.
type Store interface {
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	// ListActiveByTrigger returns active automations of one trigger kind. An
	// empty orgID lists them across organizations.
	ListActiveByTrigger(ctx context.Context, orgID string, kind domain.TriggerKind) ([]domain.Automation, error)
	IncrementEnrolled(ctx context.Context, automationID string) error
	IncrementCompleted(ctx context.Context, automationID string) error

	// ListSteps returns steps ordered by step_order.
	ListSteps(ctx context.Context, automationID string) ([]domain.AutomationStep, error)
	// InsertStepAt stores step and renumbers the automation so order[i] gets
	// step_order i, atomically. order lists every step ID, step.ID included.
	InsertStepAt(ctx context.Context, step *domain.AutomationStep, order []string) error
	// DeleteStepAndRenumber removes a step and renumbers the rest to order,
	// atomically. It returns ErrStepNotFound if the step does not exist.
	DeleteStepAndRenumber(ctx context.Context, automationID, stepID string, order []string) error

	// UpsertEnrollment creates the (automation, subscriber) enrollment or
	// re-activates the existing one, clearing its cursor and timestamps.
	UpsertEnrollment(ctx context.Context, e *domain.AutomationEnrollment) (*domain.AutomationEnrollment, error)
	GetEnrollment(ctx context.Context, id string) (*domain.AutomationEnrollment, error)
	// AdvanceEnrollment moves an ACTIVE enrollment's cursor from `from` to
	// `to` and reports false if the cursor had already moved.
	AdvanceEnrollment(ctx context.Context, id string, from *string, to string) (bool, error)
	CompleteEnrollment(ctx context.Context, id string, at time.Time) (bool, error)
	CancelEnrollment(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ActiveEnrollmentsForSubscriber(ctx context.Context, subscriberID string) ([]domain.AutomationEnrollment, error)
}

// SubscriberSource loads the subscribers steps are sent to.
type SubscriberSource interface {
	Get(ctx context.Context, orgID, id string) (*domain.Subscriber, error)
	// DateMatches returns subscribers whose custom date field falls on the
	// given month and day.
	DateMatches(ctx context.Context, orgID, listID, field string, month time.Month, day int) ([]string, error)
}

// TemplateSource resolves a step's template reference into content.
type TemplateSource interface {
	Template(ctx context.Context, orgID, id string) (domain.Content, error)
}

// ConditionMatcher evaluates step conditions against a stored subscriber.
type ConditionMatcher interface {
	Matches(ctx context.Context, orgID, subscriberID string, tree segmentation.Tree) (bool, error)
}

// Sender delivers one automation email.
type Sender interface {
	SendOne(ctx context.Context, orgID string, content domain.Content, sub *domain.Subscriber, tags delivery.SendTags) (*domain.SendResult, error)
}

// Queue schedules delayed step jobs.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts jobqueue.Options) (string, error)
	RemoveJobs(ctx context.Context, jobType string, match map[string]string) (int, error)
}
