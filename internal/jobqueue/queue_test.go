package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T) (*RedisQueue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	q := New(client, "test")
	q.SetClock(c.Now)
	return q, c
}

type batchPayload struct {
	CampaignID string `json:"campaign_id"`
	Generation int64  `json:"generation"`
}

func TestEnqueue_DelayedUntilDue(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	var ran []string
	w := NewWorker(q, WorkerConfig{})
	w.Handle("campaign.batch", func(ctx context.Context, job *Job) error {
		var p batchPayload
		require.NoError(t, job.Decode(&p))
		ran = append(ran, p.CampaignID)
		return nil
	})

	_, err := q.Enqueue(ctx, "campaign.batch", batchPayload{CampaignID: "c1"}, Options{Delay: time.Minute})
	require.NoError(t, err)

	n, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(time.Minute)
	n, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c1"}, ran)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestEnqueue_JobIDIsIdempotent(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "campaign.send", batchPayload{CampaignID: "c1"}, Options{JobID: "campaign-send:c1"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "campaign.send", batchPayload{CampaignID: "c1"}, Options{JobID: "campaign-send:c1"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestRemoveJobs_MatchesPayloadFields(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c1", "c2"} {
		_, err := q.Enqueue(ctx, "campaign.batch", batchPayload{CampaignID: id}, Options{Delay: time.Hour})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "campaign.stats", batchPayload{CampaignID: "c1"}, Options{Delay: time.Hour})
	require.NoError(t, err)

	n, err := q.RemoveJobs(ctx, "campaign.batch", map[string]string{"campaign_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

func TestWorker_RetriesThenExhausts(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	calls := 0
	var exhaustedJob *Job
	w := NewWorker(q, WorkerConfig{})
	w.Handle("automation.step", func(ctx context.Context, job *Job) error {
		calls++
		return errors.New("smtp down")
	})
	w.OnExhausted("automation.step", func(ctx context.Context, job *Job, err error) {
		exhaustedJob = job
	})

	_, err := q.Enqueue(ctx, "automation.step", map[string]string{"enrollment_id": "e1"}, Options{MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := w.RunDue(ctx)
		require.NoError(t, err)
		c.Advance(time.Minute)
	}

	assert.Equal(t, 3, calls)
	require.NotNil(t, exhaustedJob)
	assert.Equal(t, 3, exhaustedJob.Attempts)
	assert.Equal(t, "smtp down", exhaustedJob.LastError)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWorker_RepeatReschedules(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	calls := 0
	w := NewWorker(q, WorkerConfig{})
	w.Handle("campaign.stats", func(ctx context.Context, job *Job) error {
		calls++
		return nil
	})

	_, err := q.Enqueue(ctx, "campaign.stats", batchPayload{CampaignID: "c1"},
		Options{Repeat: "*/5 * * * *", JobID: "campaign-stats:c1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Advance(5 * time.Minute)
		_, err := w.RunDue(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	n, err := q.RemoveJobs(ctx, "campaign.stats", map[string]string{"campaign_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_InvalidRepeat(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue(context.Background(), "campaign.stats", nil, Options{Repeat: "every five"})
	assert.ErrorIs(t, err, ErrInvalidRepeat)
}

func TestWorker_PanicCountsAsFailure(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	w := NewWorker(q, WorkerConfig{})
	w.Handle("boom", func(ctx context.Context, job *Job) error { panic("nil map") })

	_, err := q.Enqueue(ctx, "boom", nil, Options{MaxAttempts: 2})
	require.NoError(t, err)

	n, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending, "first failure is rescheduled with backoff")
}

func TestWorker_AbandonedJobIsRedelivered(t *testing.T) {
	q, c := newQueue(t)
	q.SetVisibilityTimeout(5 * time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "campaign.batch", batchPayload{CampaignID: "c1", Generation: 1},
		Options{JobID: "campaign-batch:c1:1"})
	require.NoError(t, err)

	// A worker claims the job and dies before completing it.
	jobs, err := q.claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	running, err := q.Running(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, running)

	// Same JobID stays deduplicated while the lease is held.
	_, err = q.Enqueue(ctx, "campaign.batch", batchPayload{CampaignID: "c1", Generation: 1},
		Options{JobID: "campaign-batch:c1:1"})
	require.NoError(t, err)

	var ran []batchPayload
	w := NewWorker(q, WorkerConfig{})
	w.Handle("campaign.batch", func(ctx context.Context, job *Job) error {
		var p batchPayload
		require.NoError(t, job.Decode(&p))
		ran = append(ran, p)
		return nil
	})

	n, err := w.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still held")

	c.Advance(5 * time.Minute)
	n, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []batchPayload{{CampaignID: "c1", Generation: 1}}, ran)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	running, err = q.Running(ctx)
	require.NoError(t, err)
	assert.Zero(t, running)
}

func TestWorker_CompletedJobReleasesLease(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	calls := 0
	w := NewWorker(q, WorkerConfig{})
	w.Handle("campaign.send", func(ctx context.Context, job *Job) error {
		calls++
		return nil
	})

	_, err := q.Enqueue(ctx, "campaign.send", batchPayload{CampaignID: "c1"}, Options{JobID: "campaign-send:c1"})
	require.NoError(t, err)
	_, err = w.RunDue(ctx)
	require.NoError(t, err)

	c.Advance(time.Hour)
	_, err = w.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	running, err := q.Running(ctx)
	require.NoError(t, err)
	assert.Zero(t, running)
}

func TestRemoveJobs_DropsLeasedJob(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "automation.step", map[string]string{"enrollment_id": "e1"}, Options{})
	require.NoError(t, err)
	_, err = q.claim(ctx, 10)
	require.NoError(t, err)

	n, err := q.RemoveJobs(ctx, "automation.step", map[string]string{"enrollment_id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.Advance(time.Hour)
	jobs, err := q.claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
