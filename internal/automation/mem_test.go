package automation

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/delivery"
)

type memStore struct {
	mu          sync.Mutex
	automations map[string]*domain.Automation
	steps       map[string]*domain.AutomationStep
	enrollments map[string]*domain.AutomationEnrollment
	seq         int

	failRenumber error
}

func newMemStore() *memStore {
	return &memStore{
		automations: map[string]*domain.Automation{},
		steps:       map[string]*domain.AutomationStep{},
		enrollments: map[string]*domain.AutomationEnrollment{},
	}
}

func (m *memStore) addAutomation(a domain.Automation) *domain.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[a.ID] = &a
	return &a
}

func (m *memStore) addStep(s domain.AutomationStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.ID] = &s
}

func (m *memStore) automation(id string) domain.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.automations[id]
}

func (m *memStore) enrollment(id string) domain.AutomationEnrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.enrollments[id]
}

func (m *memStore) GetAutomation(_ context.Context, id string) (*domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListActiveByTrigger(_ context.Context, orgID string, kind domain.TriggerKind) ([]domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Automation
	for _, a := range m.automations {
		if a.Active && a.Trigger == kind && (orgID == "" || a.OrganizationID == orgID) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) IncrementEnrolled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[id].TotalEnrolled++
	return nil
}

func (m *memStore) IncrementCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[id].TotalCompleted++
	return nil
}

func (m *memStore) ListSteps(_ context.Context, automationID string) ([]domain.AutomationStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AutomationStep
	for _, s := range m.steps {
		if s.AutomationID == automationID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memStore) InsertStepAt(_ context.Context, s *domain.AutomationStep, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRenumber; err != nil {
		return err
	}
	cp := *s
	m.steps[s.ID] = &cp
	m.renumber(order)
	return nil
}

func (m *memStore) DeleteStepAndRenumber(_ context.Context, _ string, stepID string, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRenumber; err != nil {
		return err
	}
	if _, ok := m.steps[stepID]; !ok {
		return ErrStepNotFound
	}
	delete(m.steps, stepID)
	m.renumber(order)
	return nil
}

func (m *memStore) renumber(order []string) {
	for i, id := range order {
		m.steps[id].Order = i
	}
}

func (m *memStore) UpsertEnrollment(_ context.Context, e *domain.AutomationEnrollment) (*domain.AutomationEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.enrollments {
		if cur.AutomationID == e.AutomationID && cur.SubscriberID == e.SubscriberID {
			cur.Status = domain.EnrollmentActive
			cur.CurrentStepID = nil
			cur.Metadata = e.Metadata
			cur.EnrolledAt = e.EnrolledAt
			cur.CompletedAt = nil
			cur.CancelledAt = nil
			cur.CancelReason = ""
			cp := *cur
			return &cp, nil
		}
	}
	m.seq++
	cp := *e
	cp.ID = "enr-" + strconv.Itoa(m.seq)
	m.enrollments[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetEnrollment(_ context.Context, id string) (*domain.AutomationEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) AdvanceEnrollment(_ context.Context, id string, from *string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.enrollments[id]
	if e.Status != domain.EnrollmentActive {
		return false, nil
	}
	if (from == nil) != (e.CurrentStepID == nil) || (from != nil && *from != *e.CurrentStepID) {
		return false, nil
	}
	next := to
	e.CurrentStepID = &next
	return true, nil
}

func (m *memStore) CompleteEnrollment(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.enrollments[id]
	if e.Status != domain.EnrollmentActive {
		return false, nil
	}
	e.Status = domain.EnrollmentCompleted
	e.CompletedAt = &at
	return true, nil
}

func (m *memStore) CancelEnrollment(_ context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != domain.EnrollmentActive {
		return false, nil
	}
	e.Status = domain.EnrollmentCancelled
	e.CancelledAt = &at
	e.CancelReason = reason
	return true, nil
}

func (m *memStore) ActiveEnrollmentsForSubscriber(_ context.Context, subscriberID string) ([]domain.AutomationEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AutomationEnrollment
	for _, e := range m.enrollments {
		if e.SubscriberID == subscriberID && e.Status == domain.EnrollmentActive {
			out = append(out, *e)
		}
	}
	return out, nil
}

type memSubscribers struct {
	mu    sync.Mutex
	subs  map[string]*domain.Subscriber
	dates map[string][]string // field -> subscriber IDs matching today
}

func (m *memSubscribers) Get(_ context.Context, _ string, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSubscribers) DateMatches(_ context.Context, _, _, field string, _ time.Month, _ int) ([]string, error) {
	return m.dates[field], nil
}

func (m *memSubscribers) setStatus(id string, st domain.SubscriberStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id].Status = st
}

// staticMatcher answers step conditions from a per-subscriber table.
type staticMatcher struct{ pass map[string]bool }

func (m staticMatcher) Matches(_ context.Context, _, subscriberID string, _ segmentation.Tree) (bool, error) {
	return m.pass[subscriberID], nil
}

type recordingSender struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (s *recordingSender) SendOne(_ context.Context, _ string, content domain.Content, sub *domain.Subscriber, tags delivery.SendTags) (*domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.subjects = append(s.subjects, content.Subject+" -> "+sub.Email)
	return &domain.SendResult{MessageID: "m-" + strconv.Itoa(len(s.subjects))}, nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subjects...)
}

type staticTemplates map[string]domain.Content

func (t staticTemplates) Template(_ context.Context, _, id string) (domain.Content, error) {
	c, ok := t[id]
	if !ok {
		return domain.Content{}, ErrNotFound
	}
	return c, nil
}

func customDataCondition(key, value string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"logic": "AND",
		"groups": []any{map[string]any{
			"logic":      "AND",
			"conditions": []any{map[string]any{"type": "custom_data", "field": key, "operator": "equals", "value": value}},
		}},
	})
	return raw
}
