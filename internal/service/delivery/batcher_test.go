package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/retry"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

type memRecipients struct {
	mu   sync.Mutex
	rows map[string]*domain.CampaignRecipient
}

func (m *memRecipients) GetMany(_ context.Context, campaignID string, ids []string) ([]domain.CampaignRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CampaignRecipient
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRecipients) MarkSent(_ context.Context, id, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.SentAt != nil {
		return nil
	}
	r.Status = domain.RecipientSent
	r.MessageID = messageID
	r.SentAt = &at
	return nil
}

func (m *memRecipients) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status = domain.RecipientFailed
	r.Error = reason
	r.FailedAt = &at
	return nil
}

type memSubscribers map[string]*domain.Subscriber

func (m memSubscribers) GetMany(_ context.Context, _ string, ids []string) (map[string]*domain.Subscriber, error) {
	out := map[string]*domain.Subscriber{}
	for _, id := range ids {
		if s, ok := m[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

type staticVariants []domain.ABTestVariant

func (v staticVariants) ListVariants(context.Context, string) ([]domain.ABTestVariant, error) {
	return v, nil
}

type suppressedSet map[string]bool

func (s suppressedSet) IsSuppressed(_ context.Context, _, email string) (bool, error) {
	return s[email], nil
}

// brokenSuppressions errors for the listed addresses.
type brokenSuppressions map[string]bool

func (b brokenSuppressions) IsSuppressed(_ context.Context, _, email string) (bool, error) {
	if b[email] {
		return false, errors.New("pq: connection refused")
	}
	return false, nil
}

// recordingSender captures messages and fails according to failFor.
type recordingSender struct {
	mu      sync.Mutex
	sent    []*domain.EmailMessage
	calls   int32
	failFor func(msg *domain.EmailMessage, call int32) error
}

func (r *recordingSender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	n := atomic.AddInt32(&r.calls, 1)
	if r.failFor != nil {
		if err := r.failFor(msg, n); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return &domain.SendResult{MessageID: "m-" + msg.SubscriberID, Transport: "test", SentAt: time.Now()}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	recipients *memRecipients
	sender     *recordingSender
	events     *eventbus.Recorder
	batcher    *Batcher
	campaign   *domain.Campaign
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		recipients: &memRecipients{rows: map[string]*domain.CampaignRecipient{}},
		sender:     &recordingSender{},
		events:     &eventbus.Recorder{},
		campaign: &domain.Campaign{
			ID:             "c1",
			OrganizationID: "org",
			Subject:        "Hello {{ first_name }}",
			HTMLContent:    "<p>Hi</p>",
			Status:         domain.CampaignSending,
		},
	}
	subs := memSubscribers{}
	for i := 0; i < n; i++ {
		sid := fmt.Sprintf("s%d", i)
		subs[sid] = &domain.Subscriber{ID: sid, Email: sid + "@example.com", FirstName: "N" + sid, Status: domain.SubscriberConfirmed}
		f.recipients.rows[fmt.Sprintf("r%d", i)] = &domain.CampaignRecipient{
			ID: fmt.Sprintf("r%d", i), CampaignID: "c1", SubscriberID: sid, Email: sid + "@example.com",
			Status: domain.RecipientPending,
		}
	}

	policy := retry.DefaultPolicy(sending.IsRetryable)
	policy.Sleep = noSleep
	f.batcher = NewBatcher(Deps{
		Recipients:   f.recipients,
		Subscribers:  subs,
		Variants:     staticVariants{},
		Renderer:     mailing.NewRenderer(mailing.NewTemplateService(), mailing.NewTracker("https://t.example.com", "k")),
		Sender:       f.sender,
		Suppressions: suppressedSet{},
		Events:       f.events,
	}, Config{Concurrency: 4, Retry: policy})
	return f
}

func rowIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("r%d", i)
	}
	return out
}

func TestSendBatch_SendsAllPending(t *testing.T) {
	f := newFixture(t, 20)

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(20), BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 20, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, f.sender.sent, 20)
	assert.Equal(t, 20, f.events.Count(eventbus.EmailSent))
	for _, r := range f.recipients.rows {
		assert.Equal(t, domain.RecipientSent, r.Status)
		assert.NotNil(t, r.SentAt)
	}
}

func TestSendBatch_RespectsBatchSize(t *testing.T) {
	f := newFixture(t, 10)
	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(10), BatchOptions{BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
}

func TestSendBatch_SkipsAlreadySent(t *testing.T) {
	f := newFixture(t, 4)
	at := time.Now()
	f.recipients.rows["r1"].SentAt = &at
	f.recipients.rows["r1"].Status = domain.RecipientSent
	f.recipients.rows["r3"].SentAt = &at
	f.recipients.rows["r3"].Status = domain.RecipientDelivered

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(4), BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	for _, m := range f.sender.sent {
		assert.NotEqual(t, "s1", m.SubscriberID)
		assert.NotEqual(t, "s3", m.SubscriberID)
	}
}

func TestSendBatch_NotDeliverableAndSuppressed(t *testing.T) {
	f := newFixture(t, 3)
	subs := f.batcher.Subscribers.(memSubscribers)
	subs["s0"].Status = domain.SubscriberUnsubscribed
	subs["s1"].Status = domain.SubscriberUnconfirmed
	f.batcher.Suppressions = suppressedSet{"s2@example.com": true}

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(3), BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 3, res.Failed)
	assert.Empty(t, f.sender.sent)
	assert.Contains(t, f.recipients.rows["r2"].Error, "suppressed")
	assert.Contains(t, f.recipients.rows["r0"].Error, "not subscribed")
}

func TestSendBatch_SuppressionCheckErrorDefersRow(t *testing.T) {
	f := newFixture(t, 3)
	f.batcher.Suppressions = brokenSuppressions{"s1@example.com": true}

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(3), BatchOptions{})
	require.ErrorIs(t, err, ErrRecipientsDeferred)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, res.Failed)
	for _, m := range f.sender.sent {
		assert.NotEqual(t, "s1", m.SubscriberID)
	}
	r1 := f.recipients.rows["r1"]
	assert.Equal(t, domain.RecipientPending, r1.Status)
	assert.Nil(t, r1.SentAt)
	assert.Empty(t, r1.Error)
}

func TestSendBatch_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, 1)
	f.sender.failFor = func(_ *domain.EmailMessage, call int32) error {
		if call < 3 {
			return &sending.DeliveryError{Transport: "test", Temporary: true, Message: "busy"}
		}
		return nil
	}

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(1), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.sender.calls))
}

func TestSendBatch_TransientExhaustsAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, 1)
	f.sender.failFor = func(*domain.EmailMessage, int32) error {
		return &sending.DeliveryError{Transport: "test", Temporary: true, Message: "busy"}
	}

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(1), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.sender.calls))
	assert.Equal(t, domain.RecipientFailed, f.recipients.rows["r0"].Status)
}

func TestSendBatch_TerminalErrorNotRetried(t *testing.T) {
	f := newFixture(t, 1)
	long := strings.Repeat("x", 400)
	f.sender.failFor = func(*domain.EmailMessage, int32) error {
		return &sending.DeliveryError{Transport: "test", Code: 550, Message: long}
	}

	res, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(1), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.sender.calls))
	assert.Len(t, f.recipients.rows["r0"].Error, maxErrorLen)
	assert.Equal(t, 1, f.events.Count(eventbus.EmailFailed))
}

func TestSendBatch_AppliesVariantOverride(t *testing.T) {
	f := newFixture(t, 2)
	f.campaign.IsABTest = true
	f.batcher.Variants = staticVariants{{ID: "vB", Subject: "Variant B for {{ first_name }}"}}
	vb := "vB"
	f.recipients.rows["r1"].VariantID = &vb

	_, err := f.batcher.SendBatch(context.Background(), f.campaign, rowIDs(2), BatchOptions{})
	require.NoError(t, err)

	subjects := map[string]string{}
	for _, m := range f.sender.sent {
		subjects[m.SubscriberID] = m.Subject
	}
	assert.Equal(t, "Hello Ns0", subjects["s0"])
	assert.Equal(t, "Variant B for Ns1", subjects["s1"])
}

func TestSendOne(t *testing.T) {
	f := newFixture(t, 0)
	sub := &domain.Subscriber{ID: "x", Email: "x@example.com", FirstName: "X"}

	res, err := f.batcher.SendOne(context.Background(), "org", domain.Content{Subject: "Hi {{ first_name }}"}, sub,
		SendTags{AutomationID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "m-x", res.MessageID)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "Hi X", f.sender.sent[0].Subject)
	assert.Equal(t, "a1", f.sender.sent[0].AutomationID)

	f.batcher.Suppressions = suppressedSet{"x@example.com": true}
	_, err = f.batcher.SendOne(context.Background(), "org", domain.Content{}, sub, SendTags{})
	assert.True(t, errors.Is(err, ErrSuppressed))
}
