package enrichment

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services/impl"
)

func setupQueueTest(t *testing.T, cfg *config.QueueConfig) (*Queue, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := impl.NewCacheService(client, &config.RedisConfig{
		EventChannel: "graphrag:events",
	}, zap.NewNop())

	if cfg == nil {
		cfg = &config.QueueConfig{
			Name:          "enrichment",
			MaxAttempts:   3,
			BackoffBaseMs: 0,
			LockTimeout:   60,
			KeepCompleted: 100,
			KeepFailed:    100,
			MaxDepth:      1000,
		}
	}
	queue := NewQueue(client, cache, cfg, zap.NewNop())

	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return queue, cleanup
}

func testJob(priority int) *models.EnrichmentJob {
	id := uuid.New()
	return &models.EnrichmentJob{
		JobID:    id.String(),
		MemoryID: id,
		Content:  "some content",
		Tenant:   models.TenantContext{CompanyID: "acme"},
		Decision: models.TriageExtractEntities,
		Priority: priority,
	}
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))

	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.Content, got.Content)
	assert.Equal(t, 3, got.MaxAttempts)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Active)
}

func TestQueue_EmptyDequeueReturnsNil(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	got, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	low := testJob(0)
	high := testJob(5)
	require.NoError(t, queue.Enqueue(ctx, low))
	require.NoError(t, queue.Enqueue(ctx, high))

	first, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.JobID, first.JobID)

	second, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.JobID, second.JobID)
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))
	require.NoError(t, queue.Enqueue(ctx, job))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestQueue_DepthCeiling(t *testing.T) {
	queue, cleanup := setupQueueTest(t, &config.QueueConfig{
		Name:        "enrichment",
		MaxAttempts: 3,
		LockTimeout: 60,
		MaxDepth:    1,
	})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, testJob(0)))

	err := queue.Enqueue(ctx, testJob(0))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueue_Complete(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))
	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, queue.Complete(ctx, got))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestQueue_FailRetriesWithBackoff(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))
	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	retrying, err := queue.Fail(ctx, got, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, retrying)
	assert.Equal(t, 1, got.Attempts)

	// Backoff base is zero, so the delayed job promotes on the next dequeue.
	redelivered, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.JobID, redelivered.JobID)
	assert.Equal(t, 1, redelivered.Attempts)
	assert.Equal(t, "boom", redelivered.LastError)
}

func TestQueue_FailExhaustsToFailedSet(t *testing.T) {
	queue, cleanup := setupQueueTest(t, nil)
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got, "attempt %d", attempt)

		retrying, err := queue.Fail(ctx, got, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, attempt < 3, retrying)
	}

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Delayed)
}

func TestQueue_ReenqueueAfterFailure(t *testing.T) {
	queue, cleanup := setupQueueTest(t, &config.QueueConfig{
		Name:        "enrichment",
		MaxAttempts: 1,
		LockTimeout: 60,
		KeepFailed:  100,
	})
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))
	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	retrying, err := queue.Fail(ctx, got, errors.New("boom"))
	require.NoError(t, err)
	require.False(t, retrying)

	// A failed job may be enqueued again; it leaves the failed set.
	require.NoError(t, queue.Enqueue(ctx, got))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestQueue_ReclaimStalled(t *testing.T) {
	queue, cleanup := setupQueueTest(t, &config.QueueConfig{
		Name:        "enrichment",
		MaxAttempts: 3,
		LockTimeout: 0, // visibility deadline passes immediately
		MaxDepth:    1000,
	})
	defer cleanup()
	ctx := context.Background()

	job := testJob(0)
	require.NoError(t, queue.Enqueue(ctx, job))
	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	reclaimed, err := queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	// The reclaim counted as an attempt and rescheduled the job.
	assert.Equal(t, int64(1), stats.Pending+stats.Delayed)
}
