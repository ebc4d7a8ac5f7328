package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Handler processes a job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedHandler runs once a job has failed MaxAttempts times.
type ExhaustedHandler func(ctx context.Context, job *Job, err error)

// Observer receives job outcomes, typically for metrics.
type Observer interface {
	ObserveJob(jobType, outcome string, elapsed time.Duration)
}

// WorkerConfig tunes polling.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
}

// Worker polls a RedisQueue and dispatches due jobs to registered handlers.
type Worker struct {
	queue     *RedisQueue
	cfg       WorkerConfig
	handlers  map[string]Handler
	exhausted map[string]ExhaustedHandler
	observer  Observer
	log       *logger.Logger
	mu        sync.RWMutex
}

// NewWorker creates a worker with sane defaults for zero config values.
func NewWorker(q *RedisQueue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency * 4
	}
	return &Worker{
		queue:     q,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		exhausted: make(map[string]ExhaustedHandler),
		log:       logger.With("component", "jobqueue"),
	}
}

// Handle registers the handler for jobType.
func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// OnExhausted registers the exhaustion hook for jobType.
func (w *Worker) OnExhausted(jobType string, h ExhaustedHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exhausted[jobType] = h
}

// SetObserver attaches a metrics observer.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("job worker started", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval.String())

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info("job worker stopped")
			return nil
		case <-ticker.C:
		}

		jobs, err := w.queue.claim(ctx, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("claim failed", "error", err)
			}
			continue
		}
		for _, job := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func(job *Job) {
				defer func() {
					<-sem
					wg.Done()
				}()
				// Jobs finish with their own context so shutdown does not
				// abandon a half-written batch.
				w.process(context.WithoutCancel(ctx), job)
			}(job)
		}
	}
}

// RunDue claims and processes every job that is due right now, one at a
// time. It returns the number of jobs processed.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	total := 0
	for {
		jobs, err := w.queue.claim(ctx, w.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		for _, job := range jobs {
			w.process(ctx, job)
			total++
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	onExhausted := w.exhausted[job.Type]
	w.mu.RUnlock()

	start := time.Now()
	var err error
	if !ok {
		err = fmt.Errorf("no handler for job type %q", job.Type)
	} else {
		err = safeCall(ctx, h, job)
	}

	if err == nil {
		if cerr := w.queue.complete(ctx, job); cerr != nil {
			w.log.Error("complete job", "job_id", job.ID, "error", cerr)
		}
		w.observe(job.Type, "ok", start)
		return
	}

	exhausted, ferr := w.queue.fail(ctx, job, err)
	if ferr != nil {
		w.log.Error("record job failure", "job_id", job.ID, "error", ferr)
	}
	if !exhausted {
		w.log.Warn("job failed, will retry", "job_id", job.ID, "type", job.Type,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		w.observe(job.Type, "retry", start)
		return
	}

	w.log.Error("job exhausted", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err)
	w.observe(job.Type, "exhausted", start)
	if onExhausted != nil {
		onExhausted(ctx, job, err)
	}
}

func (w *Worker) observe(jobType, outcome string, start time.Time) {
	if w.observer != nil {
		w.observer.ObserveJob(jobType, outcome, time.Since(start))
	}
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}
