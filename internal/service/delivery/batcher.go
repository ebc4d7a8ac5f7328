// Package delivery sends campaign batches and single messages through a
// transport with bounded concurrency and in-batch retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/retry"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

const maxErrorLen = 255

var (
	// ErrNotDeliverable marks a subscriber who is no longer subscribed and confirmed.
	ErrNotDeliverable = errors.New("subscriber is not subscribed and confirmed")
	// ErrSuppressed marks an address on the tenant suppression list.
	ErrSuppressed = errors.New("recipient is suppressed")
	// ErrRecipientsDeferred is returned by SendBatch when some rows could not
	// be checked against the suppression list and were left PENDING.
	ErrRecipientsDeferred = errors.New("recipients deferred")
)

// RecipientStore reads and advances campaign recipient rows.
type RecipientStore interface {
	GetMany(ctx context.Context, campaignID string, ids []string) ([]domain.CampaignRecipient, error)
	// MarkSent must only affect rows whose sent_at is still unset.
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// SubscriberStore loads subscribers by ID.
type SubscriberStore interface {
	GetMany(ctx context.Context, orgID string, ids []string) (map[string]*domain.Subscriber, error)
}

// VariantSource lists a campaign's A/B variants.
type VariantSource interface {
	ListVariants(ctx context.Context, campaignID string) ([]domain.ABTestVariant, error)
}

// Renderer personalizes content for one subscriber.
type Renderer interface {
	Render(in mailing.RenderInput) (*domain.EmailMessage, error)
}

// Config tunes the batcher.
type Config struct {
	Concurrency int
	Retry       retry.Policy
}

// BatchOptions controls one batch.
type BatchOptions struct {
	// BatchSize caps how many of the given recipients are processed.
	BatchSize int
	// DelayBetweenBatches is the pause the caller should leave before the
	// next batch.
	DelayBetweenBatches time.Duration
}

// BatchResult summarizes one batch.
type BatchResult struct {
	Sent     int
	Failed   int
	Skipped  int
	Deferred int
	Errors   []string
}

// Deps groups the batcher's collaborators.
type Deps struct {
	Recipients   RecipientStore
	Subscribers  SubscriberStore
	Variants     VariantSource
	Renderer     Renderer
	Sender       sending.Sender
	Suppressions sending.SuppressionChecker
	Events       eventbus.Emitter
	Metrics      *metrics.Metrics
}

// Batcher delivers campaign recipients.
type Batcher struct {
	Deps
	cfg Config
	now func() time.Time
	log *logger.Logger
}

// NewBatcher creates a batcher. Zero config values get defaults.
func NewBatcher(deps Deps, cfg Config) *Batcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy(sending.IsRetryable)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = sending.IsRetryable
	}
	if deps.Events == nil {
		deps.Events = eventbus.Nop{}
	}
	return &Batcher{
		Deps: deps,
		cfg:  cfg,
		now:  time.Now,
		log:  logger.With("component", "delivery"),
	}
}

// SendBatch delivers the given recipients of c. Individual failures are
// recorded on the recipient rows; only infrastructure errors are returned.
// Rows whose suppression check errored stay PENDING and the batch returns
// ErrRecipientsDeferred alongside the result, so the caller retries.
func (b *Batcher) SendBatch(ctx context.Context, c *domain.Campaign, recipientIDs []string, opts BatchOptions) (BatchResult, error) {
	start := b.now()
	if opts.BatchSize > 0 && len(recipientIDs) > opts.BatchSize {
		recipientIDs = recipientIDs[:opts.BatchSize]
	}

	rows, err := b.Recipients.GetMany(ctx, c.ID, recipientIDs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load recipients: %w", err)
	}

	subIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		subIDs = append(subIDs, r.SubscriberID)
	}
	subs, err := b.Subscribers.GetMany(ctx, c.OrganizationID, subIDs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load subscribers: %w", err)
	}

	variants := map[string]*domain.ABTestVariant{}
	if c.IsABTest && b.Variants != nil {
		list, err := b.Variants.ListVariants(ctx, c.ID)
		if err != nil {
			return BatchResult{}, fmt.Errorf("load variants: %w", err)
		}
		for i := range list {
			variants[list[i].ID] = &list[i]
		}
	}

	var (
		result BatchResult
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, b.cfg.Concurrency)
	)

	record := func(o outcome, msg string) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSent:
			result.Sent++
		case outcomeSkipped:
			result.Skipped++
		case outcomeDeferred:
			result.Deferred++
		case outcomeFailed:
			result.Failed++
			result.Errors = append(result.Errors, msg)
		}
	}

	for i := range rows {
		row := rows[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o, msg := b.deliver(ctx, c, &row, subs[row.SubscriberID], variants)
			record(o, msg)
		}()
	}
	wg.Wait()

	b.Metrics.ObserveBatch(b.now().Sub(start))
	b.log.Info("batch delivered", "campaign_id", c.ID, "sent", result.Sent,
		"failed", result.Failed, "skipped", result.Skipped, "deferred", result.Deferred)
	if result.Deferred > 0 {
		return result, fmt.Errorf("%w: %d of campaign %s", ErrRecipientsDeferred, result.Deferred, c.ID)
	}
	return result, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDeferred
)

func (b *Batcher) deliver(ctx context.Context, c *domain.Campaign, row *domain.CampaignRecipient,
	sub *domain.Subscriber, variants map[string]*domain.ABTestVariant) (outcome, string) {

	if row.SentAt != nil || row.Status != domain.RecipientPending {
		b.Metrics.EmailSkipped()
		return outcomeSkipped, ""
	}

	if sub == nil || !sub.Deliverable() {
		return b.fail(ctx, c, row, ErrNotDeliverable, "not_deliverable")
	}
	if b.Suppressions != nil {
		suppressed, err := b.Suppressions.IsSuppressed(ctx, c.OrganizationID, sub.Email)
		if err != nil {
			b.log.Warn("suppression check failed, deferring", "campaign_id", c.ID, "email", sub.Email, "error", err)
			return outcomeDeferred, ""
		}
		if suppressed {
			return b.fail(ctx, c, row, ErrSuppressed, "suppressed")
		}
	}

	content := c.Content()
	variantID := ""
	if row.VariantID != nil {
		variantID = *row.VariantID
		if v, ok := variants[variantID]; ok {
			content = v.Apply(content)
		}
	}

	msg, err := b.Renderer.Render(mailing.RenderInput{
		OrganizationID: c.OrganizationID,
		CampaignID:     c.ID,
		Content:        content,
		Subscriber:     sub,
		Track:          true,
	})
	if err != nil {
		return b.fail(ctx, c, row, err, "render")
	}

	res, err := b.send(ctx, msg)
	if err != nil {
		return b.fail(ctx, c, row, err, "transport")
	}

	if err := b.Recipients.MarkSent(ctx, row.ID, res.MessageID, res.SentAt); err != nil {
		b.log.Error("mark sent failed", "campaign_id", c.ID, "recipient_id", row.ID, "error", err)
	}
	b.Metrics.EmailSent("campaign")
	b.Events.Emit(ctx, eventbus.EmailSent, eventbus.EmailEvent{
		OrganizationID: c.OrganizationID,
		CampaignID:     c.ID,
		RecipientID:    row.ID,
		SubscriberID:   row.SubscriberID,
		VariantID:      variantID,
		MessageID:      res.MessageID,
	})
	return outcomeSent, ""
}

func (b *Batcher) fail(ctx context.Context, c *domain.Campaign, row *domain.CampaignRecipient, cause error, reason string) (outcome, string) {
	msg := truncate(cause.Error(), maxErrorLen)
	if err := b.Recipients.MarkFailed(ctx, row.ID, msg, b.now()); err != nil {
		b.log.Error("mark failed failed", "campaign_id", c.ID, "recipient_id", row.ID, "error", err)
	}
	b.Metrics.EmailFailed("campaign", reason)
	b.Events.Emit(ctx, eventbus.EmailFailed, eventbus.EmailEvent{
		OrganizationID: c.OrganizationID,
		CampaignID:     c.ID,
		RecipientID:    row.ID,
		SubscriberID:   row.SubscriberID,
		Error:          msg,
	})
	return outcomeFailed, fmt.Sprintf("%s: %s", row.SubscriberID, msg)
}

// send runs the transport under the retry policy.
func (b *Batcher) send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	var res *domain.SendResult
	err := b.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := b.Sender.Send(ctx, msg)
		if err != nil {
			b.log.Debug("send attempt failed", "email", msg.Email, "attempt", attempt, "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.SentAt.IsZero() {
		res.SentAt = b.now()
	}
	return res, nil
}

// SendTags identifies where a single message comes from.
type SendTags struct {
	CampaignID   string
	AutomationID string
	Extra        map[string]any
	Track        bool
}

// SendOne renders and sends one message outside of a campaign batch, for
// automation steps and test sends. The caller decides deliverability; the
// suppression list is still honoured.
func (b *Batcher) SendOne(ctx context.Context, orgID string, content domain.Content, sub *domain.Subscriber, tags SendTags) (*domain.SendResult, error) {
	if b.Suppressions != nil {
		suppressed, err := b.Suppressions.IsSuppressed(ctx, orgID, sub.Email)
		if err != nil {
			return nil, fmt.Errorf("suppression check: %w", err)
		}
		if suppressed {
			return nil, ErrSuppressed
		}
	}

	msg, err := b.Renderer.Render(mailing.RenderInput{
		OrganizationID: orgID,
		CampaignID:     tags.CampaignID,
		AutomationID:   tags.AutomationID,
		Content:        content,
		Subscriber:     sub,
		Extra:          tags.Extra,
		Track:          tags.Track,
	})
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	source := "automation"
	if tags.AutomationID == "" {
		source = "test"
	}

	res, err := b.send(ctx, msg)
	if err != nil {
		b.Metrics.EmailFailed(source, "transport")
		return nil, err
	}
	b.Metrics.EmailSent(source)
	b.Events.Emit(ctx, eventbus.EmailSent, eventbus.EmailEvent{
		OrganizationID: orgID,
		CampaignID:     tags.CampaignID,
		AutomationID:   tags.AutomationID,
		SubscriberID:   sub.ID,
		MessageID:      res.MessageID,
	})
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
