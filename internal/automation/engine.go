// Package automation runs trigger-driven email sequences. Each enrollment is
// a per-subscriber cursor over an automation's ordered steps; delays between
// steps are delayed jobs on the shared queue, so nothing here polls.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/delivery"
)

// Cancellation reasons recorded on enrollments.
const (
	ReasonManual       = "cancelled"
	ReasonUnsubscribed = "unsubscribed"
	ReasonSuppressed   = "suppressed"
	ReasonStepFailed   = "step_failed"
)

// Deps groups the engine's collaborators.
type Deps struct {
	Store       Store
	Subscribers SubscriberSource
	Templates   TemplateSource
	Conditions  ConditionMatcher
	Sender      Sender
	Queue       Queue
	Registry    *Registry
	Events      eventbus.Emitter
	Metrics     *metrics.Metrics
}

// Engine drives enrollments through their steps.
type Engine struct {
	Deps
	validate *validator.Validate
	log      *logger.Logger
	now      func() time.Time
}

func NewEngine(deps Deps) *Engine {
	if deps.Events == nil {
		deps.Events = eventbus.Nop{}
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	return &Engine{
		Deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With("component", "automation"),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// HandleEvent enrolls the event's subscriber into every matching automation
// and returns how many enrollments were made.
func (e *Engine) HandleEvent(ctx context.Context, ev eventbus.TriggerEvent) (int, error) {
	candidates, err := e.Store.ListActiveByTrigger(ctx, ev.OrganizationID, domain.TriggerKind(ev.Kind))
	if err != nil {
		return 0, fmt.Errorf("list automations: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	reqs, err := e.Registry.Dispatch(ev, candidates)
	if err != nil {
		return 0, err
	}

	var errs []error
	n := 0
	for _, req := range reqs {
		a := req.Automation
		if _, err := e.Enroll(ctx, &a, req.SubscriberID, req.Metadata); err != nil {
			errs = append(errs, fmt.Errorf("enroll %s into %s: %w", req.SubscriberID, a.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		e.log.Info("trigger handled", "kind", ev.Kind, "organization_id", ev.OrganizationID, "enrollments", n)
	}
	return n, errors.Join(errs...)
}

// Enroll creates or re-activates the subscriber's enrollment and immediately
// processes the first step.
func (e *Engine) Enroll(ctx context.Context, a *domain.Automation, subscriberID string, metadata map[string]any) (*domain.AutomationEnrollment, error) {
	if !a.Active {
		return nil, ErrInactive
	}

	enr, err := e.Store.UpsertEnrollment(ctx, &domain.AutomationEnrollment{
		AutomationID: a.ID,
		SubscriberID: subscriberID,
		Status:       domain.EnrollmentActive,
		Metadata:     metadata,
		EnrolledAt:   e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert enrollment: %w", err)
	}
	// A re-enrollment restarts the sequence; steps queued for the old run go.
	e.removeStepJobs(ctx, enr.ID)

	if err := e.Store.IncrementEnrolled(ctx, a.ID); err != nil {
		e.log.Warn("increment enrolled failed", "automation_id", a.ID, "error", err)
	}
	e.Metrics.Enrollment("enrolled")
	e.Events.Emit(ctx, eventbus.EnrollmentCreated, eventbus.EnrollmentEvent{
		EnrollmentID: enr.ID, AutomationID: a.ID, SubscriberID: subscriberID,
	})

	if err := e.advance(ctx, a, enr); err != nil {
		e.log.Warn("first step failed", "enrollment_id", enr.ID, "error", err)
	}
	return enr, nil
}

// ProcessNextStep moves an enrollment to its next step: skipping steps whose
// conditions fail, running zero-delay steps inline and scheduling the rest.
// It is a no-op for enrollments that are no longer ACTIVE.
func (e *Engine) ProcessNextStep(ctx context.Context, enrollmentID string) error {
	enr, err := e.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != domain.EnrollmentActive {
		return nil
	}
	a, err := e.Store.GetAutomation(ctx, enr.AutomationID)
	if err != nil {
		return err
	}
	return e.advance(ctx, a, enr)
}

func (e *Engine) advance(ctx context.Context, a *domain.Automation, enr *domain.AutomationEnrollment) error {
	steps, err := e.Store.ListSteps(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	for {
		next, ok := nextStep(steps, enr.CurrentStepID)
		if !ok {
			return e.complete(ctx, a, enr)
		}

		if next.HasConditions() {
			pass, err := e.stepConditionsHold(ctx, a, enr, next)
			if err != nil {
				return err
			}
			if !pass {
				moved, err := e.Store.AdvanceEnrollment(ctx, enr.ID, enr.CurrentStepID, next.ID)
				if err != nil || !moved {
					return err
				}
				e.log.Debug("step skipped", "enrollment_id", enr.ID, "step_id", next.ID)
				enr.CurrentStepID = &next.ID
				continue
			}
		}

		if delay := next.Delay(); delay > 0 {
			return e.schedule(ctx, a, enr, next, delay)
		}

		done, err := e.execute(ctx, a, enr, next)
		if err != nil {
			// Let the queue retry it under the usual attempt budget.
			e.log.Warn("inline step failed, queueing retry", "enrollment_id", enr.ID, "step_id", next.ID, "error", err)
			return e.schedule(ctx, a, enr, next, 0)
		}
		if !done {
			return nil
		}
	}
}

// nextStep returns the step after current in order. A nil cursor means the
// sequence has not started; a cursor pointing at a deleted step ends it.
func nextStep(steps []domain.AutomationStep, current *string) (*domain.AutomationStep, bool) {
	if current == nil {
		if len(steps) == 0 {
			return nil, false
		}
		return &steps[0], true
	}
	for i := range steps {
		if steps[i].ID == *current {
			if i+1 < len(steps) {
				return &steps[i+1], true
			}
			return nil, false
		}
	}
	return nil, false
}

func (e *Engine) stepConditionsHold(ctx context.Context, a *domain.Automation, enr *domain.AutomationEnrollment, step *domain.AutomationStep) (bool, error) {
	tree, err := segmentation.ParseTree(step.Conditions)
	if err != nil {
		e.log.Warn("invalid step conditions, skipping step", "step_id", step.ID, "error", err)
		return false, nil
	}
	if e.Conditions == nil || tree.Empty() {
		return true, nil
	}
	ok, err := e.Conditions.Matches(ctx, a.OrganizationID, enr.SubscriberID, tree)
	if err != nil {
		return false, fmt.Errorf("evaluate step conditions: %w", err)
	}
	return ok, nil
}

func (e *Engine) schedule(ctx context.Context, a *domain.Automation, enr *domain.AutomationEnrollment, step *domain.AutomationStep, delay time.Duration) error {
	_, err := e.Queue.Enqueue(ctx, JobStep, StepPayload{
		EnrollmentID:   enr.ID,
		StepID:         step.ID,
		AutomationID:   a.ID,
		OrganizationID: a.OrganizationID,
	}, jobqueue.Options{
		JobID:       stepJobID(enr.ID, step.ID),
		Delay:       delay,
		MaxAttempts: jobqueue.DefaultMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("schedule step: %w", err)
	}
	e.log.Debug("step scheduled", "enrollment_id", enr.ID, "step_id", step.ID, "delay", delay.String())
	return nil
}

// ExecuteStep runs a scheduled step and then continues the sequence. Jobs for
// steps the enrollment is no longer waiting on are dropped.
func (e *Engine) ExecuteStep(ctx context.Context, enrollmentID, stepID string) error {
	enr, err := e.Store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, ErrEnrollmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if enr.Status != domain.EnrollmentActive {
		return nil
	}
	a, err := e.Store.GetAutomation(ctx, enr.AutomationID)
	if err != nil {
		return err
	}
	steps, err := e.Store.ListSteps(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	next, ok := nextStep(steps, enr.CurrentStepID)
	if !ok || next.ID != stepID {
		e.log.Debug("dropping stale step job", "enrollment_id", enrollmentID, "step_id", stepID)
		return nil
	}

	done, err := e.execute(ctx, a, enr, next)
	if err != nil || !done {
		return err
	}
	return e.advance(ctx, a, enr)
}

// execute sends one step and moves the cursor past it. It reports false when
// the enrollment ended or moved on in the meantime.
func (e *Engine) execute(ctx context.Context, a *domain.Automation, enr *domain.AutomationEnrollment, step *domain.AutomationStep) (bool, error) {
	sub, err := e.Subscribers.Get(ctx, a.OrganizationID, enr.SubscriberID)
	if err != nil {
		return false, fmt.Errorf("load subscriber: %w", err)
	}
	if sub == nil || !sub.Subscribed() {
		return false, e.CancelEnrollment(ctx, enr.ID, ReasonUnsubscribed)
	}

	switch step.Action {
	case domain.ActionSendEmail, "":
		content, err := e.stepContent(ctx, a, step)
		if err != nil {
			return false, err
		}
		_, err = e.Sender.SendOne(ctx, a.OrganizationID, content, sub, delivery.SendTags{
			AutomationID: a.ID,
			Extra:        enr.Metadata,
			Track:        true,
		})
		if errors.Is(err, delivery.ErrSuppressed) {
			return false, e.CancelEnrollment(ctx, enr.ID, ReasonSuppressed)
		}
		if err != nil {
			return false, fmt.Errorf("send step %d: %w", step.Order, err)
		}
	default:
		e.log.Warn("unsupported step action, skipping", "step_id", step.ID, "action", string(step.Action))
	}

	moved, err := e.Store.AdvanceEnrollment(ctx, enr.ID, enr.CurrentStepID, step.ID)
	if err != nil {
		return false, fmt.Errorf("advance enrollment: %w", err)
	}
	if !moved {
		return false, nil
	}
	enr.CurrentStepID = &step.ID
	e.log.Info("step executed", "enrollment_id", enr.ID, "automation_id", a.ID, "step", step.Order)
	return true, nil
}

func (e *Engine) stepContent(ctx context.Context, a *domain.Automation, step *domain.AutomationStep) (domain.Content, error) {
	if step.TemplateID == nil || e.Templates == nil {
		return step.Content, nil
	}
	tpl, err := e.Templates.Template(ctx, a.OrganizationID, *step.TemplateID)
	if err != nil {
		return domain.Content{}, fmt.Errorf("load template %s: %w", *step.TemplateID, err)
	}
	// Sender fields on the step override the template's.
	if step.Content.FromEmail != "" {
		tpl.FromEmail = step.Content.FromEmail
		tpl.FromName = step.Content.FromName
	}
	if step.Content.ReplyTo != "" {
		tpl.ReplyTo = step.Content.ReplyTo
	}
	return tpl, nil
}

func (e *Engine) complete(ctx context.Context, a *domain.Automation, enr *domain.AutomationEnrollment) error {
	ok, err := e.Store.CompleteEnrollment(ctx, enr.ID, e.now().UTC())
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	if !ok {
		return nil
	}
	enr.Status = domain.EnrollmentCompleted
	if err := e.Store.IncrementCompleted(ctx, a.ID); err != nil {
		e.log.Warn("increment completed failed", "automation_id", a.ID, "error", err)
	}
	e.Metrics.Enrollment("completed")
	e.Events.Emit(ctx, eventbus.EnrollmentCompleted, eventbus.EnrollmentEvent{
		EnrollmentID: enr.ID, AutomationID: a.ID, SubscriberID: enr.SubscriberID,
	})
	e.log.Info("enrollment completed", "enrollment_id", enr.ID, "automation_id", a.ID)
	return nil
}

// CancelEnrollment stops an ACTIVE enrollment and drops its pending step
// jobs. A step that is already sending finishes.
func (e *Engine) CancelEnrollment(ctx context.Context, enrollmentID, reason string) error {
	ok, err := e.Store.CancelEnrollment(ctx, enrollmentID, reason, e.now().UTC())
	if err != nil {
		return fmt.Errorf("cancel enrollment: %w", err)
	}
	if !ok {
		return nil
	}
	e.removeStepJobs(ctx, enrollmentID)
	e.Metrics.Enrollment("cancelled")
	e.Events.Emit(ctx, eventbus.EnrollmentCancelled, eventbus.EnrollmentEvent{
		EnrollmentID: enrollmentID, Reason: reason,
	})
	e.log.Info("enrollment cancelled", "enrollment_id", enrollmentID, "reason", reason)
	return nil
}

// HandleUnsubscribe cancels every ACTIVE enrollment of the subscriber.
func (e *Engine) HandleUnsubscribe(ctx context.Context, subscriberID string) (int, error) {
	active, err := e.Store.ActiveEnrollmentsForSubscriber(ctx, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("list enrollments: %w", err)
	}
	var errs []error
	for _, enr := range active {
		if err := e.CancelEnrollment(ctx, enr.ID, ReasonUnsubscribed); err != nil {
			errs = append(errs, err)
		}
	}
	return len(active) - len(errs), errors.Join(errs...)
}

// HandleStepExhausted cancels an enrollment whose step job ran out of attempts.
func (e *Engine) HandleStepExhausted(ctx context.Context, p StepPayload, cause error) {
	e.log.Error("automation step exhausted", "enrollment_id", p.EnrollmentID, "step_id", p.StepID, "error", cause)
	if err := e.CancelEnrollment(ctx, p.EnrollmentID, ReasonStepFailed); err != nil {
		e.log.Error("cancel exhausted enrollment", "enrollment_id", p.EnrollmentID, "error", err)
	}
}

func (e *Engine) removeStepJobs(ctx context.Context, enrollmentID string) {
	if _, err := e.Queue.RemoveJobs(ctx, JobStep, map[string]string{"enrollment_id": enrollmentID}); err != nil {
		e.log.Warn("remove step jobs failed", "enrollment_id", enrollmentID, "error", err)
	}
}
