package retry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

// TaskResubmitter re-runs a dead-lettered task from its stored metadata
type TaskResubmitter interface {
	Resubmit(ctx context.Context, taskID, taskType string, params map[string]interface{}) error
}

// EventPublisher pushes processor events onto the shared pub-sub channel
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// archiveSweepInterval is how often the processor runs archival
const archiveSweepInterval = time.Hour

// Processor polls the dead-letter queue, auto-retries entries whose errors
// look transient, and archives old entries. Non-transient entries wait for
// an operator.
type Processor struct {
	dlq         *DeadLetterService
	resubmitter TaskResubmitter
	budget      *BudgetManager
	events      EventPublisher
	config      *config.DLQConfig
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates the DLQ processor
func NewProcessor(dlq *DeadLetterService, resubmitter TaskResubmitter, budget *BudgetManager, events EventPublisher, cfg *config.DLQConfig, logger *zap.Logger) *Processor {
	return &Processor{
		dlq:         dlq,
		resubmitter: resubmitter,
		budget:      budget,
		events:      events,
		config:      cfg,
		logger:      logger,
	}
}

// Start launches the poll and archival loops
func (p *Processor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.archiveLoop(ctx)

	p.logger.Info("dead-letter processor started",
		zap.Int("poll_interval_sec", p.config.PollInterval),
		zap.Bool("auto_retry", p.config.AutoRetry))
}

// Stop cancels the loops and waits for them to exit
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(p.config.PollInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
			p.budget.Sweep()
		}
	}
}

// processBatch handles one batch of pending entries, oldest first
func (p *Processor) processBatch(ctx context.Context) {
	entries, _, err := p.dlq.List(ctx, &models.DeadLetterQuery{
		Status:  models.DLQStatusPending,
		Limit:   p.config.BatchSize,
		OrderBy: "created_at",
	})
	if err != nil {
		p.logger.Warn("dead-letter poll failed", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !p.config.AutoRetry || !p.isTransient(&entry) {
			// The entry stays pending until an operator resolves it.
			p.publishEvent(ctx, &entry, models.DLQEventManualReviewRequired)
			continue
		}
		p.reprocess(ctx, &entry)
	}
}

// isTransient matches the entry's exhaustion reason and recorded errors
// against the configured transient substrings.
func (p *Processor) isTransient(entry *models.DeadLetterEntry) bool {
	texts := append([]string{entry.Reason}, entry.Errors...)
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, pattern := range p.config.TransientPatterns {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}

func (p *Processor) publishEvent(ctx context.Context, entry *models.DeadLetterEntry, eventType string) {
	if p.events == nil {
		return
	}
	event := models.DeadLetterEvent{
		Type:      eventType,
		EntryID:   entry.ID,
		TaskID:    entry.TaskID,
		Reason:    entry.Reason,
		Attempts:  entry.Attempts,
		Errors:    entry.Errors,
		Metadata:  entry.Metadata,
		Timestamp: time.Now(),
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Debug("dead-letter event publish failed", zap.Error(err))
	}
}

func (p *Processor) reprocess(ctx context.Context, entry *models.DeadLetterEntry) {
	if err := p.dlq.MarkProcessing(ctx, entry.ID); err != nil {
		// Another processor claimed it.
		p.logger.Debug("entry claim lost", zap.String("entry_id", entry.ID.String()))
		return
	}

	taskType, params := p.taskMeta(entry)
	if taskType == "" {
		// Nothing to resubmit without task metadata; wait for an operator.
		if err := p.dlq.Release(ctx, entry.ID); err != nil {
			p.logger.Warn("entry release failed", zap.Error(err))
		}
		return
	}

	// A fresh budget for the replay round.
	p.budget.Reset(entry.TaskID)

	err := p.resubmitter.Resubmit(ctx, entry.TaskID, taskType, params)
	if err != nil {
		p.logger.Warn("dead-letter reprocess failed",
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
		if relErr := p.dlq.Release(ctx, entry.ID); relErr != nil {
			p.logger.Warn("entry release failed", zap.Error(relErr))
		}
		p.publishEvent(ctx, entry, models.DLQEventRetryFailed)
		return
	}

	if err := p.dlq.Resolve(ctx, entry.ID, "dlq-processor", "auto-retried transient failure"); err != nil {
		p.logger.Warn("entry resolve failed", zap.Error(err))
		return
	}
	p.logger.Info("dead-letter entry auto-resolved",
		zap.String("task_id", entry.TaskID),
		zap.String("entry_id", entry.ID.String()))
}

func (p *Processor) taskMeta(entry *models.DeadLetterEntry) (string, map[string]interface{}) {
	if len(entry.Metadata) == 0 {
		return "", nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
		return "", nil
	}
	taskType, _ := meta[models.DLQMetaTaskType].(string)
	params, _ := meta[models.DLQMetaTaskParams].(map[string]interface{})
	return taskType, params
}

func (p *Processor) archiveLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -p.config.ArchiveAfterDays)
			archived, err := p.dlq.ArchiveOlderThan(ctx, cutoff)
			if err != nil {
				p.logger.Warn("dead-letter archival failed", zap.Error(err))
				continue
			}
			if archived > 0 {
				p.logger.Info("archived dead-letter entries", zap.Int64("count", archived))
			}
		}
	}
}
