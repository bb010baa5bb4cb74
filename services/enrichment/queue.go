// Package enrichment holds the durable background pipeline: a Redis-backed
// job queue, the worker pool that drains it, and the pipeline each job runs.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// ErrQueueFull is returned when pending depth hits the configured ceiling
var ErrQueueFull = services.ErrQueueFull

// Queue is a durable at-least-once job queue on Redis. Pending jobs live in
// a priority-ordered sorted set; active jobs sit in a processing set with a
// visibility deadline and get reclaimed when a worker dies mid-job.
//
// Job ids equal memory ids, so re-submitting a memory while its job is still
// in flight is a no-op.
type Queue struct {
	redis  *redis.Client
	cache  services.CacheService
	config *config.QueueConfig
	logger *zap.Logger

	keyPending    string
	keyDelayed    string
	keyProcessing string
	keyCompleted  string
	keyFailed     string
	keyJobPrefix  string
}

// NewQueue creates the enrichment queue on redisClient
func NewQueue(redisClient *redis.Client, cache services.CacheService, cfg *config.QueueConfig, logger *zap.Logger) *Queue {
	prefix := "graphrag:q:" + cfg.Name
	return &Queue{
		redis:         redisClient,
		cache:         cache,
		config:        cfg,
		logger:        logger,
		keyPending:    prefix + ":pending",
		keyDelayed:    prefix + ":delayed",
		keyProcessing: prefix + ":processing",
		keyCompleted:  prefix + ":completed",
		keyFailed:     prefix + ":failed",
		keyJobPrefix:  prefix + ":job:",
	}
}

func (q *Queue) jobKey(jobID string) string {
	return q.keyJobPrefix + jobID
}

// pendingScore orders pending jobs by priority first, then enqueue time.
// Higher priority pops first; within a priority, FIFO.
func pendingScore(priority int, enqueuedAt time.Time) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*1e12
}

// Enqueue adds job to the pending set. A job whose id is already enqueued,
// delayed or active is left alone.
func (q *Queue) Enqueue(ctx context.Context, job *models.EnrichmentJob) error {
	depth, err := q.redis.ZCard(ctx, q.keyPending).Result()
	if err != nil {
		return fmt.Errorf("queue depth check failed: %w", err)
	}
	if q.config.MaxDepth > 0 && depth >= int64(q.config.MaxDepth) {
		return ErrQueueFull
	}

	state, err := q.redis.HGet(ctx, q.jobKey(job.JobID), "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("job state lookup failed: %w", err)
	}
	switch models.JobState(state) {
	case models.JobEnqueued, models.JobActive, models.JobDelayed:
		return nil
	}

	job.EnqueuedAt = time.Now()
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.JobID),
		"state", string(models.JobEnqueued),
		"payload", payload,
		"attempts", job.Attempts,
	)
	pipe.ZAdd(ctx, q.keyPending, redis.Z{
		Score:  pendingScore(job.Priority, job.EnqueuedAt),
		Member: job.JobID,
	})
	pipe.ZRem(ctx, q.keyFailed, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	q.publishEvent(ctx, job, models.JobEnqueued, 0, "")
	return nil
}

// Dequeue pops the highest-priority pending job, moving it to the processing
// set under a visibility deadline. Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*models.EnrichmentJob, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		q.logger.Warn("delayed promotion failed", zap.Error(err))
	}

	popped, err := q.redis.ZPopMin(ctx, q.keyPending, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	jobID, _ := popped[0].Member.(string)

	payload, err := q.redis.HGet(ctx, q.jobKey(jobID), "payload").Result()
	if err == redis.Nil {
		// Job record evicted; drop the orphaned queue entry.
		q.logger.Warn("dropping orphaned queue entry", zap.String("job_id", jobID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job payload lookup failed: %w", err)
	}

	var job models.EnrichmentJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("job payload corrupt: %w", err)
	}

	deadline := time.Now().Add(time.Duration(q.config.LockTimeout) * time.Second)
	pipe := q.redis.TxPipeline()
	pipe.ZAdd(ctx, q.keyProcessing, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	})
	pipe.HSet(ctx, q.jobKey(jobID), "state", string(models.JobActive))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}

	q.publishEvent(ctx, &job, models.JobActive, 0, "")
	return &job, nil
}

// promoteDelayed moves delayed jobs whose backoff has elapsed into pending
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	ready, err := q.redis.ZRangeByScore(ctx, q.keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range ready {
		pipe := q.redis.TxPipeline()
		pipe.ZRem(ctx, q.keyDelayed, jobID)
		pipe.ZAdd(ctx, q.keyPending, redis.Z{Score: now, Member: jobID})
		pipe.HSet(ctx, q.jobKey(jobID), "state", string(models.JobEnqueued))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks a job done and trims completed retention
func (q *Queue) Complete(ctx context.Context, job *models.EnrichmentJob) error {
	now := time.Now()
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.keyProcessing, job.JobID)
	pipe.HSet(ctx, q.jobKey(job.JobID), "state", string(models.JobCompleted))
	pipe.ZAdd(ctx, q.keyCompleted, redis.Z{Score: float64(now.UnixMilli()), Member: job.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	q.trimRetention(ctx, q.keyCompleted, q.config.KeepCompleted)
	q.publishEvent(ctx, job, models.JobCompleted, 100, "")
	return nil
}

// Fail records a failed attempt. Attempts below the cap reschedule with
// exponential backoff; at the cap the job lands in the failed set and the
// caller owns the dead-letter handoff.
func (q *Queue) Fail(ctx context.Context, job *models.EnrichmentJob, jobErr error) (retrying bool, err error) {
	job.Attempts++
	job.LastError = jobErr.Error()

	payload, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		return false, fmt.Errorf("failed to marshal job: %w", marshalErr)
	}

	if job.Attempts < job.MaxAttempts {
		backoff := time.Duration(q.config.BackoffBaseMs) * time.Millisecond << (job.Attempts - 1)
		readyAt := time.Now().Add(backoff)

		pipe := q.redis.TxPipeline()
		pipe.ZRem(ctx, q.keyProcessing, job.JobID)
		pipe.HSet(ctx, q.jobKey(job.JobID),
			"state", string(models.JobDelayed),
			"payload", payload,
			"attempts", job.Attempts,
		)
		pipe.ZAdd(ctx, q.keyDelayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.JobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to delay job: %w", err)
		}
		q.publishEvent(ctx, job, models.JobDelayed, 0, job.LastError)
		return true, nil
	}

	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.keyProcessing, job.JobID)
	pipe.HSet(ctx, q.jobKey(job.JobID),
		"state", string(models.JobFailed),
		"payload", payload,
		"attempts", job.Attempts,
	)
	pipe.ZAdd(ctx, q.keyFailed, redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}

	q.trimRetention(ctx, q.keyFailed, q.config.KeepFailed)
	q.publishEvent(ctx, job, models.JobFailed, 0, job.LastError)
	return false, nil
}

// ReclaimStalled returns jobs whose visibility deadline passed to pending.
// Reclaims count as attempts so a crash-looping job still converges on the
// failed set.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	stalled, err := q.redis.ZRangeByScore(ctx, q.keyProcessing, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("stalled scan failed: %w", err)
	}

	reclaimed := 0
	for _, jobID := range stalled {
		payload, err := q.redis.HGet(ctx, q.jobKey(jobID), "payload").Result()
		if err != nil {
			q.redis.ZRem(ctx, q.keyProcessing, jobID)
			continue
		}
		var job models.EnrichmentJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.redis.ZRem(ctx, q.keyProcessing, jobID)
			continue
		}

		q.publishEvent(ctx, &job, models.JobStalled, 0, "visibility deadline passed")
		if _, err := q.Fail(ctx, &job, errors.New("worker stalled")); err != nil {
			q.logger.Warn("stalled reclaim failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (q *Queue) trimRetention(ctx context.Context, key string, keep int) {
	if keep <= 0 {
		return
	}
	count, err := q.redis.ZCard(ctx, key).Result()
	if err != nil || count <= int64(keep) {
		return
	}
	// Members sort by completion time, so the oldest sit at the head.
	excess, err := q.redis.ZRange(ctx, key, 0, count-int64(keep)-1).Result()
	if err != nil {
		return
	}
	pipe := q.redis.TxPipeline()
	for _, jobID := range excess {
		pipe.ZRem(ctx, key, jobID)
		pipe.Del(ctx, q.jobKey(jobID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("retention trim failed", zap.Error(err))
	}
}

// Stats reports queue depth per state
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	pipe := q.redis.Pipeline()
	pending := pipe.ZCard(ctx, q.keyPending)
	active := pipe.ZCard(ctx, q.keyProcessing)
	delayed := pipe.ZCard(ctx, q.keyDelayed)
	completed := pipe.ZCard(ctx, q.keyCompleted)
	failed := pipe.ZCard(ctx, q.keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats failed: %w", err)
	}
	return &models.QueueStats{
		Pending:   pending.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) publishEvent(ctx context.Context, job *models.EnrichmentJob, state models.JobState, progress int, errText string) {
	event := models.JobEvent{
		JobID:     job.JobID,
		MemoryID:  job.MemoryID,
		State:     state,
		Progress:  progress,
		Error:     errText,
		Timestamp: time.Now(),
	}
	if err := q.cache.Publish(ctx, event); err != nil {
		q.logger.Debug("job event publish failed", zap.Error(err))
	}
}

// PublishProgress emits a mid-job progress event
func (q *Queue) PublishProgress(ctx context.Context, job *models.EnrichmentJob, progress int) {
	q.publishEvent(ctx, job, models.JobActive, progress, "")
}
