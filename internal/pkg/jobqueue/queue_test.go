package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PropDocs/internal/pkg/testredis"
)

const isolatedJobQueueTestRedisDB = 14

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Empty(t, queue.processors)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestHandleRegistersProcessor(t *testing.T) {
	q := NewQueue(nil, 1)
	q.Handle(JobTypeResyncUser, func(context.Context, *Job) error { return nil })

	_, ok := q.processor(JobTypeResyncUser)
	assert.True(t, ok)
	_, ok = q.processor(JobTypeSendReceipt)
	assert.False(t, ok)
}

func TestQueueRoundTripWithRedis(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, 1)
	var seen []uint
	q.Handle(JobTypeResyncUser, func(_ context.Context, job *Job) error {
		var p ResyncJobPayload
		require.NoError(t, decodePayload(job.Payload, &p))
		seen = append(seen, p.UserID)
		return nil
	})

	job, err := q.EnqueueJob(ctx, JobTypeResyncUser, ResyncJobPayload{UserID: 7, Reason: "test"}.ToMap())
	require.NoError(t, err)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	ran, err := q.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []uint{7}, seen)

	_, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err, "completed jobs are removed")

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
	assert.Equal(t, int64(1), stats[JobStatusPending])
}

func TestQueueFailureSchedulesRetry(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, 1)
	q.retryDelay = 10 * time.Millisecond
	calls := 0
	q.Handle(JobTypeSendReceipt, func(context.Context, *Job) error {
		calls++
		if calls == 1 {
			return errors.New("smtp down")
		}
		return nil
	})

	job, err := q.EnqueueJob(ctx, JobTypeSendReceipt, ReceiptJobPayload{Email: "a@example.com"}.ToMap())
	require.NoError(t, err)

	ran, err := q.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "smtp down", stored.ErrorMsg)

	require.Eventually(t, func() bool {
		n, _ := q.GetQueueSize(ctx)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	ran, err = q.RunNext(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

func TestQueueUnknownTypeFailsPermanently(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, 1)
	job, err := q.EnqueueJob(ctx, JobType("bogus"), map[string]interface{}{})
	require.NoError(t, err)

	_, err = q.RunNext(ctx)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestRecoverStuck(t *testing.T) {
	client := testredis.NewIsolatedClient(t, isolatedJobQueueTestRedisDB)
	ctx := context.Background()

	q := NewQueue(client, 1)
	old := time.Now().Add(-time.Hour)
	job := &Job{ID: "stuck-1", Type: JobTypeResyncUser, Status: JobStatusProcessing, ProcessedAt: &old, CreatedAt: old, UpdatedAt: old}
	q.updateJob(ctx, job)
	require.NoError(t, client.LPush(ctx, JobProcessingKey, job.ID).Err())

	n, err := q.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}
