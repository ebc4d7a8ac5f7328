package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/jobqueue"
)

const (
	JobStep      = "automation-step"
	JobDateSweep = "automation-date-sweep"
)

// StepPayload is the payload of a scheduled step job.
type StepPayload struct {
	EnrollmentID   string `json:"enrollment_id"`
	StepID         string `json:"step_id"`
	AutomationID   string `json:"automation_id"`
	OrganizationID string `json:"organization_id"`
}

func stepJobID(enrollmentID, stepID string) string {
	return JobStep + ":" + enrollmentID + ":" + stepID
}

// RegisterJobs wires the automation job handlers into w.
func (e *Engine) RegisterJobs(w *jobqueue.Worker) {
	w.Handle(JobStep, func(ctx context.Context, job *jobqueue.Job) error {
		var p StepPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", JobStep, err)
		}
		return e.ExecuteStep(ctx, p.EnrollmentID, p.StepID)
	})
	w.OnExhausted(JobStep, func(ctx context.Context, job *jobqueue.Job, cause error) {
		var p StepPayload
		if err := job.Decode(&p); err != nil {
			e.log.Error("decode exhausted step job", "job_id", job.ID, "error", err)
			return
		}
		e.HandleStepExhausted(ctx, p, cause)
	})

	w.Handle(JobDateSweep, func(ctx context.Context, job *jobqueue.Job) error {
		_, err := e.SweepDateTriggers(ctx, e.now())
		return err
	})
}

// ScheduleDateSweep installs the repeating date-trigger sweep. Calling it
// again while the job exists is a no-op.
func (e *Engine) ScheduleDateSweep(ctx context.Context, spec string) error {
	_, err := e.Queue.Enqueue(ctx, JobDateSweep, struct{}{}, jobqueue.Options{JobID: JobDateSweep, Repeat: spec})
	return err
}

// SweepDateTriggers enrolls subscribers whose custom date field (birthday,
// renewal date, ...) falls on today's month and day.
func (e *Engine) SweepDateTriggers(ctx context.Context, now time.Time) (int, error) {
	autos, err := e.Store.ListActiveByTrigger(ctx, "", domain.TriggerDateBased)
	if err != nil {
		return 0, fmt.Errorf("list date automations: %w", err)
	}

	n := 0
	var errs []error
	for i := range autos {
		a := &autos[i]
		field := a.TriggerConfig.DateField
		if field == "" {
			continue
		}
		ids, err := e.Subscribers.DateMatches(ctx, a.OrganizationID, a.TriggerConfig.ListID, field, now.Month(), now.Day())
		if err != nil {
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
			continue
		}
		for _, id := range ids {
			md := map[string]any{"trigger": string(a.Trigger), "date_field": field, "date": now.Format("2006-01-02")}
			if _, err := e.Enroll(ctx, a, id, md); err != nil {
				errs = append(errs, fmt.Errorf("enroll %s: %w", id, err))
				continue
			}
			n++
		}
	}
	e.log.Info("date triggers swept", "automations", len(autos), "enrollments", n)
	return n, errors.Join(errs...)
}
