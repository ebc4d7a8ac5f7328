// Package jobqueue is a durable delayed job queue on Redis.
//
// Jobs live in a hash (id -> JSON) and a sorted set scored by the run-at time
// in milliseconds. Workers claim due jobs atomically with a Lua script, so a
// job is handed to exactly one worker per run. A claimed job moves to a
// running set scored by its lease deadline; if the worker dies before it
// completes or fails the job, the next claim after the deadline puts it
// back on the due set. A caller-supplied JobID makes
// Enqueue idempotent: a second enqueue with the same ID is dropped while the
// first is still pending. Repeating jobs carry a standard cron spec and are
// rescheduled after every run.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ignite/campaign-engine/internal/pkg/retry"
)

// DefaultMaxAttempts applies when Options.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// DefaultVisibilityTimeout is how long a claimed job may run before it is
// handed out again.
const DefaultVisibilityTimeout = 10 * time.Minute

// ErrInvalidRepeat is returned for a repeat spec cron cannot parse.
var ErrInvalidRepeat = errors.New("invalid repeat spec")

// Job is a unit of work stored in the queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Repeat      string          `json:"repeat,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into dst.
func (j *Job) Decode(dst any) error {
	return json.Unmarshal(j.Payload, dst)
}

// Options control how a job is scheduled.
type Options struct {
	// Delay postpones the first run.
	Delay time.Duration
	// Repeat is a standard 5-field cron spec. The first run is the next tick.
	Repeat string
	// JobID deduplicates enqueues. Empty means a random ID.
	JobID string
	// MaxAttempts bounds handler failures before the job is exhausted.
	MaxAttempts int
}

var (
	// KEYS: hash, zset. ARGV: id, data, score.
	enqueueScript = redis.NewScript(`
		if redis.call("hsetnx", KEYS[1], ARGV[1], ARGV[2]) == 1 then
			redis.call("zadd", KEYS[2], ARGV[3], ARGV[1])
			return 1
		end
		return 0
	`)
	// Expired leases go back to due first, then due jobs are leased.
	// KEYS: hash, zset, running. ARGV: now, limit, lease deadline.
	claimScript = redis.NewScript(`
		local expired = redis.call("zrangebyscore", KEYS[3], "-inf", ARGV[1])
		for _, id in ipairs(expired) do
			redis.call("zrem", KEYS[3], id)
			if redis.call("hexists", KEYS[1], id) == 1 then
				redis.call("zadd", KEYS[2], ARGV[1], id)
			end
		end
		local ids = redis.call("zrangebyscore", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
		local out = {}
		for _, id in ipairs(ids) do
			redis.call("zrem", KEYS[2], id)
			local data = redis.call("hget", KEYS[1], id)
			if data then
				redis.call("zadd", KEYS[3], ARGV[3], id)
				table.insert(out, data)
			end
		end
		return out
	`)
	// Reschedule only jobs that were not removed while running.
	// KEYS: hash, zset, running. ARGV: id, data, score.
	rescheduleScript = redis.NewScript(`
		redis.call("zrem", KEYS[3], ARGV[1])
		if redis.call("hexists", KEYS[1], ARGV[1]) == 1 then
			redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
			redis.call("zadd", KEYS[2], ARGV[3], ARGV[1])
			return 1
		end
		return 0
	`)
)

// RedisQueue implements enqueue/remove/claim over a Redis client.
type RedisQueue struct {
	client     *redis.Client
	jobsKey    string
	dueKey     string
	runningKey string
	visibility time.Duration
	backoff    retry.Policy
	now        func() time.Time
}

// New creates a queue whose keys live under prefix.
func New(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		jobsKey:    prefix + ":jobs",
		dueKey:     prefix + ":due",
		runningKey: prefix + ":running",
		visibility: DefaultVisibilityTimeout,
		backoff:    retry.DefaultPolicy(nil),
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (q *RedisQueue) SetClock(now func() time.Time) { q.now = now }

// SetVisibilityTimeout sets how long a claimed job is leased to its worker.
// Handlers must finish well inside it or the job runs twice.
func (q *RedisQueue) SetVisibilityTimeout(d time.Duration) {
	if d > 0 {
		q.visibility = d
	}
}

// Enqueue stores a job. When opts.JobID names a job that is still pending the
// call is a no-op and returns the existing ID.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := q.now()
	runAt := now.Add(opts.Delay)
	if opts.Repeat != "" {
		sched, err := cron.ParseStandard(opts.Repeat)
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidRepeat, opts.Repeat, err)
		}
		if opts.Delay == 0 {
			runAt = sched.Next(now)
		}
	}

	job := &Job{
		ID:          opts.JobID,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		Repeat:      opts.Repeat,
		RunAt:       runAt,
		CreatedAt:   now,
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if _, err := enqueueScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey},
		job.ID, data, score(runAt)).Result(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return job.ID, nil
}

// RemoveJobs deletes pending jobs of jobType whose payload has every field in
// match. It returns the number of removed jobs. A job that is currently
// running finishes, but is not rescheduled afterwards.
func (q *RedisQueue) RemoveJobs(ctx context.Context, jobType string, match map[string]string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		kv, next, err := q.client.HScan(ctx, q.jobsKey, cursor, "*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("scan jobs: %w", err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			var job Job
			if err := json.Unmarshal([]byte(kv[i+1]), &job); err != nil {
				continue
			}
			if job.Type != jobType || !payloadMatches(job.Payload, match) {
				continue
			}
			pipe := q.client.TxPipeline()
			pipe.HDel(ctx, q.jobsKey, job.ID)
			pipe.ZRem(ctx, q.dueKey, job.ID)
			pipe.ZRem(ctx, q.runningKey, job.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("remove job %s: %w", job.ID, err)
			}
			removed++
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Pending returns the number of jobs waiting to run.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey).Result()
}

// Running returns the number of claimed jobs still holding a lease.
func (q *RedisQueue) Running(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.runningKey).Result()
}

// claim requeues jobs whose lease ran out, then leases up to limit due jobs.
func (q *RedisQueue) claim(ctx context.Context, limit int) ([]*Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey, q.runningKey},
		score(now), limit, score(now.Add(q.visibility))).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(res))
	for _, data := range res {
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// complete drops a one-shot job or schedules the next run of a repeating one.
func (q *RedisQueue) complete(ctx context.Context, job *Job) error {
	if job.Repeat == "" {
		return q.drop(ctx, job.ID)
	}
	sched, err := cron.ParseStandard(job.Repeat)
	if err != nil {
		return q.drop(ctx, job.ID)
	}
	job.Attempts = 0
	job.LastError = ""
	job.RunAt = sched.Next(q.now())
	return q.reschedule(ctx, job)
}

// fail records a failed attempt. It returns true when the job has used up
// its attempts; the job is then dropped, or for repeating jobs moved to the
// next tick.
func (q *RedisQueue) fail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	job.LastError = cause.Error()
	if job.Attempts < job.MaxAttempts {
		job.RunAt = q.now().Add(q.backoff.Delay(job.Attempts))
		return false, q.reschedule(ctx, job)
	}
	return true, q.complete(ctx, job)
}

func (q *RedisQueue) drop(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.jobsKey, id)
	pipe.ZRem(ctx, q.runningKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) reschedule(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return rescheduleScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey, q.runningKey},
		job.ID, data, score(job.RunAt)).Err()
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func payloadMatches(raw json.RawMessage, match map[string]string) bool {
	if len(match) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for k, want := range match {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
