package enrichment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
)

// DeadLetterSink receives jobs that exhausted their queue attempts
type DeadLetterSink interface {
	AddEntry(ctx context.Context, entry *models.DeadLetterEntry) error
}

// idlePollInterval is how long a worker sleeps when the queue is empty
const idlePollInterval = 500 * time.Millisecond

// WorkerPool drains the enrichment queue with bounded concurrency and a
// shared rate limit. Each worker runs the pipeline and reflects the outcome
// back onto the memory row.
type WorkerPool struct {
	queue    *Queue
	pipeline *Pipeline
	db       *gorm.DB
	dlq      DeadLetterSink
	config   *config.QueueConfig
	metrics  *observability.Metrics
	logger   *zap.Logger

	tokens chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates the pool; Start launches it
func NewWorkerPool(
	queue *Queue,
	pipeline *Pipeline,
	db *gorm.DB,
	dlq DeadLetterSink,
	cfg *config.QueueConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		pipeline: pipeline,
		db:       db,
		dlq:      dlq,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		tokens:   make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches the workers, the rate-limit refiller and the stalled-job
// sweeper. It returns immediately.
func (w *WorkerPool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	w.wg.Add(1)
	go w.refillTokens(ctx)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}

	w.wg.Add(1)
	go w.runSweeper(ctx)

	w.logger.Info("enrichment workers started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.Float64("rate_per_second", w.config.RatePerSecond))
}

// Stop cancels the pool and waits for in-flight jobs to finish
func (w *WorkerPool) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// refillTokens feeds the shared rate limiter. One token is one job start.
func (w *WorkerPool) refillTokens(ctx context.Context) {
	defer w.wg.Done()

	rate := w.config.RatePerSecond
	if rate <= 0 {
		rate = 10
	}
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.tokens <- struct{}{}:
			default:
			}
		}
	}
}

func (w *WorkerPool) runWorker(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.tokens:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}

		w.process(ctx, job, logger)
	}
}

func (w *WorkerPool) process(ctx context.Context, job *models.EnrichmentJob, logger *zap.Logger) {
	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(w.config.LockTimeout)*time.Second)
	defer cancel()

	outcome, err := w.pipeline.Run(jobCtx, job, func(progress int) {
		w.queue.PublishProgress(ctx, job, progress)
	})
	if err != nil {
		logger.Warn("enrichment job failed",
			zap.String("job_id", job.JobID),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(err))

		retrying, failErr := w.queue.Fail(ctx, job, err)
		if failErr != nil {
			logger.Error("failed to record job failure", zap.Error(failErr))
			return
		}
		if !retrying {
			w.metrics.JobsProcessed.WithLabelValues(string(models.JobFailed)).Inc()
			w.markMemory(ctx, job.MemoryID, models.EnrichmentFailed, nil)
			w.deadLetter(ctx, job, err)
		}
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		logger.Error("failed to complete job", zap.Error(err))
	}
	w.metrics.JobsProcessed.WithLabelValues(string(models.JobCompleted)).Inc()
	w.markMemory(ctx, job.MemoryID, models.EnrichmentEnriched, outcome.EpisodeID)
}

func (w *WorkerPool) markMemory(ctx context.Context, memoryID uuid.UUID, status models.EnrichmentStatus, episodeID *uuid.UUID) {
	updates := map[string]interface{}{"enrichment_status": status}
	if episodeID != nil {
		updates["episode_id"] = *episodeID
	}
	if err := w.db.WithContext(ctx).
		Model(&models.Memory{}).
		Where("id = ?", memoryID).
		Updates(updates).Error; err != nil {
		w.logger.Warn("failed to update memory enrichment status",
			zap.String("memory_id", memoryID.String()),
			zap.Error(err))
	}
}

func (w *WorkerPool) deadLetter(ctx context.Context, job *models.EnrichmentJob, jobErr error) {
	if w.dlq == nil {
		return
	}
	now := time.Now()
	entry := &models.DeadLetterEntry{
		ID:             uuid.New(),
		TaskID:         job.JobID,
		Reason:         models.ReasonRetryLimitExceeded,
		Attempts:       job.Attempts,
		DurationMs:     now.Sub(job.EnqueuedAt).Milliseconds(),
		Errors:         []string{jobErr.Error()},
		FirstAttemptAt: job.EnqueuedAt,
		LastAttemptAt:  now,
		Status:         models.DLQStatusPending,
	}
	// Replay metadata lets the DLQ processor rebuild and rerun the job.
	if blob, err := models.ConvertToJSON(job); err == nil {
		if params, err := models.ParseJSON[map[string]interface{}](blob); err == nil {
			if meta, err := models.ConvertToJSON(map[string]interface{}{
				models.DLQMetaTaskType:   "enrichment",
				models.DLQMetaTaskParams: params,
			}); err == nil {
				entry.Metadata = meta
			}
		}
	}
	if err := w.dlq.AddEntry(ctx, entry); err != nil {
		w.logger.Error("dead-letter handoff failed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
	}
}

func (w *WorkerPool) runSweeper(ctx context.Context) {
	defer w.wg.Done()

	interval := time.Duration(w.config.StalledInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := w.queue.ReclaimStalled(ctx)
			if err != nil {
				w.logger.Warn("stalled sweep failed", zap.Error(err))
				continue
			}
			if reclaimed > 0 {
				w.logger.Info("reclaimed stalled jobs", zap.Int("count", reclaimed))
			}

			if stats, err := w.queue.Stats(ctx); err == nil {
				w.metrics.QueueDepth.Set(float64(stats.Pending + stats.Delayed))
			}
		}
	}
}
