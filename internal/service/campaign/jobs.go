package campaign

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-engine/internal/jobqueue"
)

// Job types handled by the campaign service.
const (
	JobSend  = "campaign-send"
	JobBatch = "campaign-batch"
	JobStats = "campaign-stats"
)

// JobPayload is carried by every campaign job.
type JobPayload struct {
	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
	Generation     int64  `json:"generation,omitempty"`
}

func sendJobID(id string) string  { return JobSend + ":" + id }
func statsJobID(id string) string { return JobStats + ":" + id }
func batchJobID(id string, gen int64) string {
	return fmt.Sprintf("%s:%s:%d", JobBatch, id, gen)
}

func matchCampaign(id string) map[string]string {
	return map[string]string{"campaign_id": id}
}

// RegisterJobs wires the campaign job handlers into w.
func (s *Service) RegisterJobs(w *jobqueue.Worker) {
	w.Handle(JobSend, func(ctx context.Context, job *jobqueue.Job) error {
		var p JobPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", JobSend, err)
		}
		return s.runScheduledSend(ctx, p)
	})

	w.Handle(JobBatch, func(ctx context.Context, job *jobqueue.Job) error {
		var p JobPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", JobBatch, err)
		}
		return s.ProcessBatch(ctx, p)
	})
	w.OnExhausted(JobBatch, func(ctx context.Context, job *jobqueue.Job, cause error) {
		var p JobPayload
		if err := job.Decode(&p); err != nil {
			s.log.Error("decode exhausted batch job", "job_id", job.ID, "error", err)
			return
		}
		s.HandleExhausted(ctx, p, cause)
	})

	w.Handle(JobStats, func(ctx context.Context, job *jobqueue.Job) error {
		var p JobPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", JobStats, err)
		}
		_, err := s.RefreshStats(ctx, p.OrganizationID, p.CampaignID)
		return err
	})
}
