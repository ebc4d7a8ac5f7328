package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/jobqueue"
	"github.com/ignite/campaign-engine/internal/service/delivery"
	"github.com/ignite/campaign-engine/internal/service/recipient"
)

var startable = []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}

// Schedule arranges for a draft campaign to start sending at `at`.
func (s *Service) Schedule(ctx context.Context, orgID, id string, at time.Time) (*domain.Campaign, error) {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft {
		return nil, fmt.Errorf("%w: cannot schedule a %s campaign", ErrInvalidTransition, c.Status)
	}
	if c.ListID == "" {
		return nil, ErrMissingList
	}
	delay := at.Sub(s.now())
	if delay <= 0 {
		return nil, ErrScheduleInPast
	}

	ok, err := s.Campaigns.TransitionStatus(ctx, orgID, id, []domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignScheduled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTransition
	}
	at = at.UTC()
	if err := s.Campaigns.SetScheduledAt(ctx, id, &at); err != nil {
		return nil, err
	}
	if _, err := s.Queue.Enqueue(ctx, JobSend, JobPayload{CampaignID: id, OrganizationID: orgID},
		jobqueue.Options{JobID: sendJobID(id), Delay: delay}); err != nil {
		s.revertToDraft(ctx, c)
		return nil, fmt.Errorf("enqueue scheduled send: %w", err)
	}

	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &at
	s.invalidate(ctx, id)
	s.log.Info("campaign scheduled", "campaign_id", id, "scheduled_at", at.Format(time.RFC3339))
	return c, nil
}

// runScheduledSend starts a campaign from its scheduled job. Jobs for
// campaigns that were cancelled or unscheduled in the meantime are dropped.
func (s *Service) runScheduledSend(ctx context.Context, p JobPayload) error {
	c, err := s.Campaigns.Get(ctx, p.OrganizationID, p.CampaignID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignScheduled {
		s.log.Info("dropping stale scheduled send", "campaign_id", c.ID, "status", string(c.Status))
		return nil
	}
	err = s.Send(ctx, p.OrganizationID, p.CampaignID)
	if errors.Is(err, ErrNoRecipients) || errors.Is(err, ErrMissingList) {
		// Retrying cannot help; the campaign is back in draft.
		s.log.Warn("scheduled send aborted", "campaign_id", c.ID, "error", err)
		return nil
	}
	return err
}

// Send starts delivery of a draft or scheduled campaign. It resolves the
// audience, materialises recipient rows, splits A/B tests and queues the
// first batch. Any failure reverts the campaign to draft.
func (s *Service) Send(ctx context.Context, orgID, id string) error {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled:
	case domain.CampaignSending, domain.CampaignPaused, domain.CampaignSent:
		return ErrAlreadySending
	default:
		return fmt.Errorf("%w: cannot send a %s campaign", ErrInvalidTransition, c.Status)
	}
	if c.ListID == "" {
		return ErrMissingList
	}

	var total int
	ran, err := s.Locks.TryWith(ctx, sendJobID(id), func(ctx context.Context) error {
		n, err := s.start(ctx, c)
		if err != nil {
			s.rollback(ctx, c)
			return err
		}
		total = n
		return nil
	})
	if err != nil {
		return fmt.Errorf("send campaign %s: %w", id, err)
	}
	if !ran {
		return ErrSendInProgress
	}

	s.log.Info("campaign sending", "campaign_id", id, "recipients", total, "ab_test", c.IsABTest)
	s.emit(ctx, eventbus.CampaignSending, c, domain.CampaignSending, func(ev *eventbus.CampaignEvent) {
		ev.Recipients = total
	})
	s.invalidate(ctx, id)
	return nil
}

func (s *Service) start(ctx context.Context, c *domain.Campaign) (int, error) {
	recipients, err := s.Resolver.Resolve(ctx, c, recipient.SendOptions{})
	if err != nil {
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}

	for i := 0; i < len(recipients); i += s.cfg.InsertChunkSize {
		end := min(i+s.cfg.InsertChunkSize, len(recipients))
		if _, err := s.Recipients.InsertBatch(ctx, c.ID, recipients[i:end]); err != nil {
			return 0, fmt.Errorf("insert recipients: %w", err)
		}
	}

	if c.IsABTest && c.ABTest != nil {
		ids := make([]string, len(recipients))
		for i, r := range recipients {
			ids[i] = r.ID
		}
		a, err := s.ABTests.AssignRecipientsToVariants(ctx, c.ID, ids, c.ABTest.TestPercentage)
		if err != nil {
			return 0, fmt.Errorf("assign variants: %w", err)
		}
		s.log.Info("ab test split", "campaign_id", c.ID, "test_size", a.TestSize(), "control", len(a.Control))
	}

	ok, err := s.Campaigns.TransitionStatus(ctx, c.OrganizationID, c.ID, startable, domain.CampaignSending)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInvalidTransition
	}
	c.Status = domain.CampaignSending

	now := s.now().UTC()
	if err := s.Campaigns.MarkStarted(ctx, c.ID, len(recipients), now); err != nil {
		return 0, fmt.Errorf("mark started: %w", err)
	}
	c.StartedAt = &now
	c.TotalRecipients = len(recipients)

	if err := s.enqueueBatch(ctx, c, 0); err != nil {
		return 0, err
	}
	if _, err := s.Queue.Enqueue(ctx, JobStats, JobPayload{CampaignID: c.ID, OrganizationID: c.OrganizationID},
		jobqueue.Options{JobID: statsJobID(c.ID), Repeat: s.cfg.StatsRefreshCron}); err != nil {
		return 0, fmt.Errorf("enqueue stats job: %w", err)
	}
	return len(recipients), nil
}

// rollback undoes a partially started send so the campaign can be retried.
func (s *Service) rollback(ctx context.Context, c *domain.Campaign) {
	if _, err := s.Queue.RemoveJobs(ctx, JobBatch, matchCampaign(c.ID)); err != nil {
		s.log.Warn("remove batch jobs failed", "campaign_id", c.ID, "error", err)
	}
	if _, err := s.Queue.RemoveJobs(ctx, JobStats, matchCampaign(c.ID)); err != nil {
		s.log.Warn("remove stats job failed", "campaign_id", c.ID, "error", err)
	}
	if err := s.Recipients.DeleteForCampaign(ctx, c.ID); err != nil {
		s.log.Warn("delete recipients failed", "campaign_id", c.ID, "error", err)
	}
	s.revertToDraft(ctx, c)
}

func (s *Service) revertToDraft(ctx context.Context, c *domain.Campaign) {
	from := append([]domain.CampaignStatus{domain.CampaignSending}, startable...)
	if _, err := s.Campaigns.TransitionStatus(ctx, c.OrganizationID, c.ID, from, domain.CampaignDraft); err != nil {
		s.log.Error("revert campaign to draft failed", "campaign_id", c.ID, "error", err)
		return
	}
	c.Status = domain.CampaignDraft
	s.invalidate(ctx, c.ID)
}

// enqueueBatch bumps the batch generation and queues a batch job for it.
// Jobs carrying an older generation are dropped when they run, except the
// one directly before the current generation: see processBatch.
func (s *Service) enqueueBatch(ctx context.Context, c *domain.Campaign, delay time.Duration) error {
	gen, err := s.Campaigns.NextBatchGeneration(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("next batch generation: %w", err)
	}
	c.BatchGeneration = gen
	return s.queueBatch(ctx, c, delay)
}

// queueBatch queues the batch job of the current generation. The JobID makes
// repeated calls for one generation a no-op.
func (s *Service) queueBatch(ctx context.Context, c *domain.Campaign, delay time.Duration) error {
	gen := c.BatchGeneration
	_, err := s.Queue.Enqueue(ctx, JobBatch,
		JobPayload{CampaignID: c.ID, OrganizationID: c.OrganizationID, Generation: gen},
		jobqueue.Options{JobID: batchJobID(c.ID, gen), Delay: delay, MaxAttempts: jobqueue.DefaultMaxAttempts})
	if err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	return nil
}

// ProcessBatch runs one step of the send loop. At most one batch per campaign
// runs at a time; a concurrent call returns without doing anything.
func (s *Service) ProcessBatch(ctx context.Context, p JobPayload) error {
	_, err := s.Locks.TryWith(ctx, JobBatch+":"+p.CampaignID, func(ctx context.Context) error {
		return s.processBatch(ctx, p)
	})
	return err
}

func (s *Service) processBatch(ctx context.Context, p JobPayload) error {
	c, err := s.Campaigns.Get(ctx, p.OrganizationID, p.CampaignID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignSending {
		s.log.Debug("dropping batch for inactive campaign", "campaign_id", c.ID, "status", string(c.Status))
		return nil
	}
	if p.Generation == c.BatchGeneration-1 {
		// An earlier run of this job bumped the generation and may have
		// failed to queue its successor. Re-queueing is idempotent.
		s.log.Info("re-queueing batch after a failed hand-off", "campaign_id", c.ID, "generation", c.BatchGeneration)
		return s.queueBatch(ctx, c, s.cfg.DelayBetweenBatches)
	}
	if p.Generation != c.BatchGeneration {
		s.log.Debug("dropping stale batch", "campaign_id", c.ID, "generation", p.Generation, "current", c.BatchGeneration)
		return nil
	}

	testPhase := c.InTestPhase()
	if testPhase {
		pending, err := s.Recipients.CountPending(ctx, c.ID, true)
		if err != nil {
			return err
		}
		if pending == 0 {
			due, remaining := s.ABTests.WinnerDue(c)
			if !due {
				return s.enqueueBatch(ctx, c, remaining)
			}
			if _, err := s.ABTests.DetermineWinner(ctx, c); err != nil {
				return fmt.Errorf("determine winner: %w", err)
			}
			testPhase = c.InTestPhase()
		}
	}
	if c.IsABTest && c.WinnerVariantID != nil {
		// Runs on every batch after the winner is known, so a release that
		// failed on an earlier attempt is finished before control rows go
		// out. Once released the store is empty and this is a no-op.
		if _, err := s.ABTests.SendToControlGroup(ctx, c.ID); err != nil {
			return fmt.Errorf("release control group: %w", err)
		}
	}

	start := s.now()
	ids, err := s.Recipients.PendingBatch(ctx, c.ID, s.cfg.BatchSize, testPhase)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		res, err := s.Delivery.SendBatch(ctx, c, ids, delivery.BatchOptions{
			BatchSize:           s.cfg.BatchSize,
			DelayBetweenBatches: s.cfg.DelayBetweenBatches,
		})
		if err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
		s.Metrics.ObserveBatch(s.now().Sub(start))
		s.log.Info("batch processed", "campaign_id", c.ID, "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	}

	stats, err := s.Recipients.Stats(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := s.Campaigns.SaveStats(ctx, c.ID, stats, percentComplete(stats)); err != nil {
		return err
	}
	s.invalidate(ctx, c.ID)

	if stats.Pending == 0 && !testPhase {
		return s.finalize(ctx, c, stats)
	}
	return s.enqueueBatch(ctx, c, s.cfg.DelayBetweenBatches)
}

func (s *Service) finalize(ctx context.Context, c *domain.Campaign, stats domain.CampaignStats) error {
	ok, err := s.Campaigns.MarkCompleted(ctx, c.ID, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := s.Queue.RemoveJobs(ctx, JobStats, matchCampaign(c.ID)); err != nil {
		s.log.Warn("remove stats job failed", "campaign_id", c.ID, "error", err)
	}
	s.log.Info("campaign completed", "campaign_id", c.ID, "sent", stats.Sent, "failed", stats.Failed)
	s.emit(ctx, eventbus.CampaignCompleted, c, domain.CampaignSent, func(ev *eventbus.CampaignEvent) {
		ev.Recipients = stats.Total
	})
	s.invalidate(ctx, c.ID)
	return nil
}

// HandleExhausted marks a campaign FAILED once its batch job ran out of attempts.
func (s *Service) HandleExhausted(ctx context.Context, p JobPayload, cause error) {
	ok, err := s.Campaigns.TransitionStatus(ctx, p.OrganizationID, p.CampaignID,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignFailed)
	if err != nil {
		s.log.Error("mark campaign failed", "campaign_id", p.CampaignID, "error", err)
		return
	}
	if !ok {
		return
	}
	if _, err := s.Queue.RemoveJobs(ctx, JobStats, matchCampaign(p.CampaignID)); err != nil {
		s.log.Warn("remove stats job failed", "campaign_id", p.CampaignID, "error", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.log.Error("campaign failed", "campaign_id", p.CampaignID, "error", reason)
	s.emit(ctx, eventbus.CampaignFailed, &domain.Campaign{ID: p.CampaignID, OrganizationID: p.OrganizationID},
		domain.CampaignFailed, func(ev *eventbus.CampaignEvent) { ev.Reason = reason })
	s.invalidate(ctx, p.CampaignID)
}

// Pause stops a sending campaign after the batch in flight.
func (s *Service) Pause(ctx context.Context, orgID, id string) error {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	ok, err := s.Campaigns.TransitionStatus(ctx, orgID, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, c.Status)
	}
	if _, err := s.Queue.RemoveJobs(ctx, JobBatch, matchCampaign(id)); err != nil {
		s.log.Warn("remove batch jobs failed", "campaign_id", id, "error", err)
	}
	s.emit(ctx, eventbus.CampaignPaused, c, domain.CampaignPaused)
	s.invalidate(ctx, id)
	return nil
}

// Resume restarts a paused campaign where it left off.
func (s *Service) Resume(ctx context.Context, orgID, id string) error {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	ok, err := s.Campaigns.TransitionStatus(ctx, orgID, id, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidTransition, c.Status)
	}
	c.Status = domain.CampaignSending
	if err := s.enqueueBatch(ctx, c, 0); err != nil {
		if _, terr := s.Campaigns.TransitionStatus(ctx, orgID, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused); terr != nil {
			s.log.Error("revert campaign to paused failed", "campaign_id", id, "error", terr)
		}
		return err
	}
	s.emit(ctx, eventbus.CampaignResumed, c, domain.CampaignSending)
	s.invalidate(ctx, id)
	return nil
}

// Cancel stops a campaign for good. Recipients already sent stay sent.
func (s *Service) Cancel(ctx context.Context, orgID, id string) error {
	c, err := s.Campaigns.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	from := []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignSending, domain.CampaignPaused}
	ok, err := s.Campaigns.TransitionStatus(ctx, orgID, id, from, domain.CampaignCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidTransition, c.Status)
	}
	for _, jt := range []string{JobSend, JobBatch, JobStats} {
		if _, err := s.Queue.RemoveJobs(ctx, jt, matchCampaign(id)); err != nil {
			s.log.Warn("remove jobs failed", "campaign_id", id, "job_type", jt, "error", err)
		}
	}
	s.emit(ctx, eventbus.CampaignCancelled, c, domain.CampaignCancelled)
	s.invalidate(ctx, id)
	return nil
}
