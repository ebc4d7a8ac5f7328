package campaign_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/delivery"
	"github.com/ignite/campaign-engine/internal/service/recipient"
)

// memRepo is an in-memory store backing campaigns, their recipient rows and
// their A/B variants.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	rows      []*domain.CampaignRecipient
	variants  []domain.ABTestVariant
	seq       int

	failMarkStarted error
	failAssign      error
	completions     int
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (m *memRepo) put(c *domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
}

func (m *memRepo) campaign(id string) domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *memRepo) rowsFor(campaignID string) []domain.CampaignRecipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CampaignRecipient
	for _, r := range m.rows {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *memRepo) Get(_ context.Context, orgID, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OrganizationID != orgID {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, orgID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memRepo) UpdateContent(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	if cur.Status != domain.CampaignDraft {
		return campaign.ErrNotEditable
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memRepo) TransitionStatus(_ context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.OrganizationID != orgID {
		return false, campaign.ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) SetScheduledAt(_ context.Context, id string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[id].ScheduledAt = at
	return nil
}

func (m *memRepo) MarkStarted(_ context.Context, id string, total int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMarkStarted != nil {
		return m.failMarkStarted
	}
	c := m.campaigns[id]
	c.TotalRecipients = total
	c.StartedAt = &at
	return nil
}

func (m *memRepo) MarkCompleted(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c.Status != domain.CampaignSending {
		return false, nil
	}
	c.Status = domain.CampaignSent
	c.CompletedAt = &at
	m.completions++
	return true, nil
}

func (m *memRepo) NextBatchGeneration(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.BatchGeneration++
	return c.BatchGeneration, nil
}

func (m *memRepo) SaveStats(_ context.Context, id string, s domain.CampaignStats, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.TotalRecipients = s.Total
	c.SentCount = s.Sent
	c.OpenCount = s.Opened
	c.FailedCount = s.Failed
	c.PercentComplete = percent
	return nil
}

// RecipientRepository

func (m *memRepo) InsertBatch(_ context.Context, campaignID string, rs []domain.Recipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range m.rows {
		if r.CampaignID == campaignID {
			seen[r.SubscriberID] = true
		}
	}
	n := 0
	for _, r := range rs {
		if seen[r.ID] {
			continue
		}
		m.seq++
		m.rows = append(m.rows, &domain.CampaignRecipient{
			ID:           "r-" + strconv.Itoa(m.seq),
			CampaignID:   campaignID,
			SubscriberID: r.ID,
			Email:        r.Email,
			Status:       domain.RecipientPending,
		})
		seen[r.ID] = true
		n++
	}
	return n, nil
}

func (m *memRepo) DeleteForCampaign(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.CampaignID != campaignID {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *memRepo) PendingBatch(_ context.Context, campaignID string, limit int, assignedOnly bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rows {
		if len(out) == limit {
			break
		}
		if r.CampaignID != campaignID || r.Status != domain.RecipientPending {
			continue
		}
		if assignedOnly && r.VariantID == nil {
			continue
		}
		out = append(out, r.ID)
	}
	return out, nil
}

func (m *memRepo) CountPending(_ context.Context, campaignID string, assignedOnly bool) (int, error) {
	ids, err := m.PendingBatch(context.Background(), campaignID, -1, assignedOnly)
	return len(ids), err
}

func (m *memRepo) Stats(_ context.Context, campaignID string) (domain.CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s domain.CampaignStats
	for _, r := range m.rows {
		if r.CampaignID != campaignID {
			continue
		}
		s.Total++
		switch r.Status {
		case domain.RecipientPending:
			s.Pending++
		case domain.RecipientFailed:
			s.Failed++
		default:
			s.Sent++
		}
		if r.OpenedAt != nil {
			s.Opened++
		}
	}
	return s, nil
}

func (m *memRepo) RecordEvent(_ context.Context, campaignID, subscriberID string, ev domain.TrackingEventType, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := ev.RecipientStatus()
	for _, r := range m.rows {
		if r.CampaignID != campaignID || r.SubscriberID != subscriberID {
			continue
		}
		if ev == domain.EventOpen && r.OpenedAt == nil {
			r.OpenedAt = &at
		}
		if ok && r.Status.CanAdvanceTo(next) {
			r.Status = next
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

// abtest.Repository

func (m *memRepo) CreateVariants(_ context.Context, vs []domain.ABTestVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants = append(m.variants, vs...)
	return nil
}

func (m *memRepo) ListVariants(_ context.Context, campaignID string) ([]domain.ABTestVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ABTestVariant
	for _, v := range m.variants {
		if v.CampaignID == campaignID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memRepo) AssignVariant(_ context.Context, campaignID, variantID string, subscriberIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAssign; err != nil {
		m.failAssign = nil
		return 0, err
	}
	want := map[string]bool{}
	for _, id := range subscriberIDs {
		want[id] = true
	}
	n := 0
	for _, r := range m.rows {
		if r.CampaignID == campaignID && want[r.SubscriberID] {
			v := variantID
			r.VariantID = &v
			n++
		}
	}
	return n, nil
}

func (m *memRepo) VariantCounts(_ context.Context, campaignID string) (map[string]domain.VariantMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]domain.VariantMetrics{}
	for _, r := range m.rows {
		if r.CampaignID != campaignID || r.VariantID == nil || r.SentAt == nil {
			continue
		}
		vm := out[*r.VariantID]
		vm.Sent++
		if r.OpenedAt != nil {
			vm.Opens++
		}
		out[*r.VariantID] = vm
	}
	return out, nil
}

func (m *memRepo) SaveMetrics(context.Context, string, domain.VariantMetrics) error { return nil }

func (m *memRepo) MarkWinner(_ context.Context, campaignID, variantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.variants {
		m.variants[i].IsWinner = m.variants[i].ID == variantID
	}
	id := variantID
	m.campaigns[campaignID].WinnerVariantID = &id
	return nil
}

// flakyQueue fails the batch enqueues whose 1-based call number is listed.
type flakyQueue struct {
	*jobqueue.RedisQueue
	mu         sync.Mutex
	batchCalls int
	failBatch  map[int]bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, jobType string, payload any, opts jobqueue.Options) (string, error) {
	if jobType == campaign.JobBatch {
		q.mu.Lock()
		q.batchCalls++
		fail := q.failBatch[q.batchCalls]
		q.mu.Unlock()
		if fail {
			return "", errors.New("redis: connection reset by peer")
		}
	}
	return q.RedisQueue.Enqueue(ctx, jobType, payload, opts)
}

// memDelivery marks rows sent and counts how often each row was handed over.
type memDelivery struct {
	repo    *memRepo
	now     func() time.Time
	err     error
	batches int
	sends   map[string]int
	tests   []string
}

func newMemDelivery(repo *memRepo, now func() time.Time) *memDelivery {
	return &memDelivery{repo: repo, now: now, sends: map[string]int{}}
}

func (d *memDelivery) SendBatch(_ context.Context, c *domain.Campaign, ids []string, opts delivery.BatchOptions) (delivery.BatchResult, error) {
	if d.err != nil {
		return delivery.BatchResult{}, d.err
	}
	d.batches++
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var res delivery.BatchResult
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	for _, r := range d.repo.rows {
		if !want[r.ID] {
			continue
		}
		if r.Status != domain.RecipientPending {
			res.Skipped++
			continue
		}
		at := d.now()
		r.Status = domain.RecipientSent
		r.SentAt = &at
		d.sends[r.ID]++
		res.Sent++
	}
	return res, nil
}

func (d *memDelivery) SendOne(_ context.Context, _ string, content domain.Content, sub *domain.Subscriber, _ delivery.SendTags) (*domain.SendResult, error) {
	if strings.HasSuffix(sub.Email, "@bounce.test") {
		return nil, errors.New("mailbox unavailable")
	}
	d.tests = append(d.tests, content.Subject+" -> "+sub.Email)
	return &domain.SendResult{MessageID: "test"}, nil
}

// staticResolver returns a fixed audience, or test addresses in test mode.
type staticResolver struct {
	audience []domain.Recipient
	err      error
}

func (r *staticResolver) Resolve(_ context.Context, _ *domain.Campaign, opts recipient.SendOptions) ([]domain.Recipient, error) {
	if r.err != nil {
		return nil, r.err
	}
	if opts.TestMode {
		var out []domain.Recipient
		for _, e := range opts.TestEmails {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, domain.Recipient{Email: e})
			}
		}
		return out, nil
	}
	return r.audience, nil
}

func audience(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{ID: "s-" + strconv.Itoa(i+1), Email: "user" + strconv.Itoa(i+1) + "@example.com"}
	}
	return out
}
