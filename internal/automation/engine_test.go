package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/delivery"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	engine  *Engine
	store   *memStore
	subs    *memSubscribers
	sender  *recordingSender
	matcher staticMatcher
	queue   *jobqueue.RedisQueue
	worker  *jobqueue.Worker
	events  *eventbus.Recorder
	clock   *clock
	auto    *domain.Automation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store: newMemStore(),
		subs: &memSubscribers{subs: map[string]*domain.Subscriber{
			"sub-1": {ID: "sub-1", OrganizationID: "org-1", Email: "ada@example.com", Status: domain.SubscriberConfirmed},
			"sub-2": {ID: "sub-2", OrganizationID: "org-1", Email: "bob@example.com", Status: domain.SubscriberConfirmed},
		}},
		sender:  &recordingSender{},
		matcher: staticMatcher{pass: map[string]bool{}},
		events:  &eventbus.Recorder{},
		clock:   &clock{t: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)},
	}
	f.queue = jobqueue.New(client, "test")
	f.queue.SetClock(f.clock.Now)
	f.worker = jobqueue.NewWorker(f.queue, jobqueue.WorkerConfig{})

	registry := NewRegistry()
	RegisterDefaults(registry, segmentation.DefaultOptions())
	f.engine = NewEngine(Deps{
		Store:       f.store,
		Subscribers: f.subs,
		Templates:   staticTemplates{"tpl-1": {Subject: "From template", HTMLContent: "<p>tpl</p>"}},
		Conditions:  f.matcher,
		Sender:      f.sender,
		Queue:       f.queue,
		Registry:    registry,
		Events:      f.events,
	})
	f.engine.SetClock(f.clock.Now)
	f.engine.RegisterJobs(f.worker)

	f.auto = f.store.addAutomation(domain.Automation{
		ID:             "auto-1",
		OrganizationID: "org-1",
		Name:           "Welcome",
		Trigger:        domain.TriggerListSubscribe,
		TriggerConfig:  domain.TriggerConfig{ListID: "list-1"},
		Active:         true,
	})
	return f
}

func (f *fixture) step(id string, order int, delay int, unit domain.DelayUnit, subject string) {
	f.store.addStep(domain.AutomationStep{
		ID:           id,
		AutomationID: f.auto.ID,
		Order:        order,
		DelayAmount:  delay,
		DelayUnit:    unit,
		Action:       domain.ActionSendEmail,
		Content:      domain.Content{Subject: subject, FromEmail: "hello@example.com"},
	})
}

func (f *fixture) runDue(t *testing.T) {
	t.Helper()
	_, err := f.worker.RunDue(context.Background())
	require.NoError(t, err)
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	n, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	return n
}

func TestEnrollRunsImmediateStepsInline(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.step("s1", 1, 0, domain.DelayMinutes, "Getting started")

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Welcome -> ada@example.com", "Getting started -> ada@example.com"}, f.sender.sent())
	got := f.store.enrollment(enr.ID)
	assert.Equal(t, domain.EnrollmentCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.store.automation(f.auto.ID).TotalEnrolled)
	assert.Equal(t, 1, f.store.automation(f.auto.ID).TotalCompleted)
	assert.Zero(t, f.pending(t))
}

func TestDelayedStepRunsFromQueue(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.step("s1", 1, 2, domain.DelayHours, "Follow up")

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)
	assert.Len(t, f.sender.sent(), 1)
	assert.EqualValues(t, 1, f.pending(t))

	f.clock.Advance(time.Hour)
	f.runDue(t)
	assert.Len(t, f.sender.sent(), 1)

	f.clock.Advance(time.Hour)
	f.runDue(t)
	assert.Equal(t, "Follow up -> ada@example.com", f.sender.sent()[1])
	assert.Equal(t, domain.EnrollmentCompleted, f.store.enrollment(enr.ID).Status)
}

func TestFailedConditionsSkipStepWithoutJob(t *testing.T) {
	f := newFixture(t)
	f.store.addStep(domain.AutomationStep{
		ID: "s0", AutomationID: f.auto.ID, Order: 0,
		DelayAmount: 1, DelayUnit: domain.DelayDays,
		Conditions: customDataCondition("plan", "pro"),
		Action:     domain.ActionSendEmail,
		Content:    domain.Content{Subject: "Pro tips"},
	})
	f.step("s1", 1, 0, domain.DelayMinutes, "Everyone")
	f.matcher.pass["sub-1"] = false

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)

	assert.Zero(t, f.pending(t), "a skipped step must not leave a job behind")
	assert.Equal(t, []string{"Everyone -> ada@example.com"}, f.sender.sent())
	got := f.store.enrollment(enr.ID)
	assert.Equal(t, domain.EnrollmentCompleted, got.Status)
	require.NotNil(t, got.CurrentStepID)
	assert.Equal(t, "s1", *got.CurrentStepID)
}

func TestPassingConditionsWaitForDelay(t *testing.T) {
	f := newFixture(t)
	f.store.addStep(domain.AutomationStep{
		ID: "s0", AutomationID: f.auto.ID, Order: 0,
		DelayAmount: 30, DelayUnit: domain.DelayMinutes,
		Conditions: customDataCondition("plan", "pro"),
		Action:     domain.ActionSendEmail,
		Content:    domain.Content{Subject: "Pro tips"},
	})
	f.matcher.pass["sub-1"] = true

	_, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.pending(t))
	assert.Empty(t, f.sender.sent())

	f.clock.Advance(30 * time.Minute)
	f.runDue(t)
	assert.Equal(t, []string{"Pro tips -> ada@example.com"}, f.sender.sent())
}

func TestCompletionHappensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enr, err := f.engine.Enroll(ctx, f.auto, "sub-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentCompleted, f.store.enrollment(enr.ID).Status)

	require.NoError(t, f.engine.ProcessNextStep(ctx, enr.ID))
	require.NoError(t, f.engine.ProcessNextStep(ctx, enr.ID))

	assert.Equal(t, 1, f.store.automation(f.auto.ID).TotalCompleted)
	assert.Equal(t, 1, f.events.Count(eventbus.EnrollmentCompleted))
}

func TestUnsubscribeCancelsBeforeSecondStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.step("s1", 1, 1, domain.DelayDays, "Day two")

	enr, err := f.engine.Enroll(ctx, f.auto, "sub-1", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.pending(t))

	n, err := f.engine.HandleUnsubscribe(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.pending(t))

	f.clock.Advance(48 * time.Hour)
	f.runDue(t)

	assert.Equal(t, []string{"Welcome -> ada@example.com"}, f.sender.sent())
	got := f.store.enrollment(enr.ID)
	assert.Equal(t, domain.EnrollmentCancelled, got.Status)
	assert.Equal(t, ReasonUnsubscribed, got.CancelReason)
	assert.NotNil(t, got.CancelledAt)
}

func TestStepCancelsWhenSubscriberLeft(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 1, domain.DelayHours, "Reminder")

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)
	f.subs.setStatus("sub-1", domain.SubscriberUnsubscribed)

	f.clock.Advance(time.Hour)
	f.runDue(t)

	assert.Empty(t, f.sender.sent())
	assert.Equal(t, domain.EnrollmentCancelled, f.store.enrollment(enr.ID).Status)
}

func TestSuppressedSubscriberCancels(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.sender.err = delivery.ErrSuppressed

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)

	got := f.store.enrollment(enr.ID)
	assert.Equal(t, domain.EnrollmentCancelled, got.Status)
	assert.Equal(t, ReasonSuppressed, got.CancelReason)
	assert.Zero(t, f.pending(t))
}

func TestExhaustedStepCancelsEnrollment(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.sender.err = errors.New("connection refused")

	enr, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)
	// The inline failure is handed to the queue.
	assert.EqualValues(t, 1, f.pending(t))

	for i := 0; i < 3; i++ {
		f.runDue(t)
		f.clock.Advance(10 * time.Second)
	}

	got := f.store.enrollment(enr.ID)
	assert.Equal(t, domain.EnrollmentCancelled, got.Status)
	assert.Equal(t, ReasonStepFailed, got.CancelReason)
	assert.Zero(t, f.pending(t))
}

func TestReEnrollRestartsSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.step("s1", 1, 3, domain.DelayDays, "Later")

	first, err := f.engine.Enroll(ctx, f.auto, "sub-1", nil)
	require.NoError(t, err)
	second, err := f.engine.Enroll(ctx, f.auto, "sub-1", map[string]any{"source": "import"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.sender.sent(), 2)
	assert.EqualValues(t, 1, f.pending(t))
	assert.Equal(t, 2, f.store.automation(f.auto.ID).TotalEnrolled)
}

func TestEnrollInactiveAutomation(t *testing.T) {
	f := newFixture(t)
	off := *f.auto
	off.Active = false
	_, err := f.engine.Enroll(context.Background(), &off, "sub-1", nil)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestTemplateStepContent(t *testing.T) {
	f := newFixture(t)
	tpl := "tpl-1"
	f.store.addStep(domain.AutomationStep{
		ID: "s0", AutomationID: f.auto.ID, Order: 0,
		Action: domain.ActionSendEmail, TemplateID: &tpl,
	})

	_, err := f.engine.Enroll(context.Background(), f.auto, "sub-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"From template -> ada@example.com"}, f.sender.sent())
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")
	f.store.addAutomation(domain.Automation{
		ID: "auto-2", OrganizationID: "org-1", Trigger: domain.TriggerListSubscribe,
		TriggerConfig: domain.TriggerConfig{ListID: "list-2"}, Active: true,
	})
	f.store.addAutomation(domain.Automation{
		ID: "auto-3", OrganizationID: "org-1", Trigger: domain.TriggerCustomEvent,
		TriggerConfig: domain.TriggerConfig{EventName: "trial_started", Conditions: customDataCondition("plan", "pro")},
		Active:        true,
	})

	n, err := f.engine.HandleEvent(ctx, eventbus.TriggerEvent{
		Kind: string(domain.TriggerListSubscribe), OrganizationID: "org-1", SubscriberID: "sub-1", ListID: "list-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"Welcome -> ada@example.com"}, f.sender.sent())

	n, err = f.engine.HandleEvent(ctx, eventbus.TriggerEvent{
		Kind: string(domain.TriggerCustomEvent), OrganizationID: "org-1", SubscriberID: "sub-2",
		EventName: "trial_started", Data: map[string]any{"plan": "basic"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.engine.HandleEvent(ctx, eventbus.TriggerEvent{
		Kind: string(domain.TriggerCustomEvent), OrganizationID: "org-1", SubscriberID: "sub-2",
		EventName: "trial_started", Data: map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.store.automation("auto-3").TotalEnrolled)
}

func TestAddAndRemoveStepRenumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step("a", 0, 0, domain.DelayMinutes, "A")
	f.step("b", 1, 0, domain.DelayMinutes, "B")

	mid, err := f.engine.AddStep(ctx, f.auto.ID, StepInput{Order: 1, DelayAmount: 1, DelayUnit: domain.DelayHours, Content: domain.Content{Subject: "M"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSendEmail, mid.Action)

	last, err := f.engine.AddStep(ctx, f.auto.ID, StepInput{Order: 99, Content: domain.Content{Subject: "Z"}})
	require.NoError(t, err)

	orderOf := func() []string {
		steps, err := f.store.ListSteps(ctx, f.auto.ID)
		require.NoError(t, err)
		var out []string
		for i, s := range steps {
			assert.Equal(t, i, s.Order)
			out = append(out, s.Content.Subject)
		}
		return out
	}
	assert.Equal(t, []string{"A", "M", "B", "Z"}, orderOf())

	require.NoError(t, f.engine.RemoveStep(ctx, f.auto.ID, "b"))
	assert.Equal(t, []string{"A", "M", "Z"}, orderOf())
	require.NoError(t, f.engine.RemoveStep(ctx, f.auto.ID, last.ID))
	assert.Equal(t, []string{"A", "M"}, orderOf())

	assert.ErrorIs(t, f.engine.RemoveStep(ctx, f.auto.ID, "missing"), ErrStepNotFound)

	_, err = f.engine.AddStep(ctx, f.auto.ID, StepInput{DelayUnit: "weeks"})
	assert.Error(t, err)
}

func TestStepEditFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.step("a", 0, 0, domain.DelayMinutes, "A")
	f.step("b", 1, 0, domain.DelayMinutes, "B")
	f.store.failRenumber = errors.New("serialization failure")

	_, err := f.engine.AddStep(ctx, f.auto.ID, StepInput{Order: 0, Content: domain.Content{Subject: "N"}})
	require.Error(t, err)
	assert.Error(t, f.engine.RemoveStep(ctx, f.auto.ID, "a"))

	steps, err := f.store.ListSteps(ctx, f.auto.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, s := range steps {
		assert.Equal(t, i, s.Order)
	}
}

func TestSweepDateTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	birthday := f.store.addAutomation(domain.Automation{
		ID: "auto-bday", OrganizationID: "org-1", Trigger: domain.TriggerDateBased,
		TriggerConfig: domain.TriggerConfig{DateField: "birthday"}, Active: true,
	})
	f.store.addStep(domain.AutomationStep{
		ID: "bday-0", AutomationID: birthday.ID, Order: 0, Action: domain.ActionSendEmail,
		Content: domain.Content{Subject: "Happy birthday"},
	})
	f.subs.dates = map[string][]string{"birthday": {"sub-2"}}

	require.NoError(t, f.engine.ScheduleDateSweep(ctx, "0 6 * * *"))
	require.NoError(t, f.engine.ScheduleDateSweep(ctx, "0 6 * * *"))
	assert.EqualValues(t, 1, f.pending(t))

	n, err := f.engine.SweepDateTriggers(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"Happy birthday -> bob@example.com"}, f.sender.sent())
}

func TestHandleTriggerFromBus(t *testing.T) {
	f := newFixture(t)
	f.step("s0", 0, 0, domain.DelayMinutes, "Welcome")

	raw, err := json.Marshal(eventbus.TriggerEvent{
		Kind: string(domain.TriggerListSubscribe), OrganizationID: "org-1", SubscriberID: "sub-2", ListID: "list-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.handleTrigger(context.Background(), raw))
	assert.Equal(t, []string{"Welcome -> bob@example.com"}, f.sender.sent())

	assert.Error(t, f.engine.handleTrigger(context.Background(), json.RawMessage(`{"kind":`)))
}
