package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
)

// Operation is the unit of work the executor retries
type Operation func(ctx context.Context) error

// failureAnalyzer is the slice of the pattern analyzer the executor needs
type failureAnalyzer interface {
	Analyze(ctx context.Context, service, operation string, err error) (*models.Recommendation, error)
	RecordOutcome(ctx context.Context, patternID uuid.UUID, taskID string, attemptNumber int, success bool, execTime time.Duration, attemptErr error) error
}

// deadLetterSink receives tasks whose retries are exhausted
type deadLetterSink interface {
	AddEntry(ctx context.Context, entry *models.DeadLetterEntry) error
}

// Executor drives retries for a task: every attempt passes the budget gate,
// failures go through the analyzer for a pattern-informed verdict, and
// exhaustion transfers the task to the dead-letter queue.
type Executor struct {
	analyzer failureAnalyzer
	budget   *BudgetManager
	dlq      deadLetterSink
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewExecutor wires the retry executor
func NewExecutor(analyzer *Analyzer, budget *BudgetManager, dlq *DeadLetterService, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		analyzer: analyzer,
		budget:   budget,
		dlq:      dlq,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs op until it succeeds, the analyzer vetoes further retries, or
// the budget runs out. taskMeta rides into the dead-letter entry so the
// processor can rebuild the task later.
func (e *Executor) Execute(ctx context.Context, taskID, service, operation string, taskMeta map[string]interface{}, op Operation) error {
	var (
		attemptErrors []string
		patternIDs    []string
		lastPattern   *uuid.UUID
	)

	attempt := 0
	for {
		check := e.budget.Check(taskID)
		if !check.Allowed {
			e.exhaust(ctx, taskID, check.Reason, attempt, attemptErrors, patternIDs, taskMeta)
			return fmt.Errorf("retry budget exhausted for %s: %s", taskID, check.Reason)
		}

		e.budget.Record(taskID)
		attempt++
		e.metrics.RetryAttempts.Inc()

		start := time.Now()
		err := op(ctx)
		execTime := time.Since(start)

		if err == nil {
			if lastPattern != nil {
				if recErr := e.analyzer.RecordOutcome(ctx, *lastPattern, taskID, attempt, true, execTime, nil); recErr != nil {
					e.logger.Warn("failed to record retry success", zap.Error(recErr))
				}
			}
			e.budget.Reset(taskID)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attemptErrors = append(attemptErrors, err.Error())

		rec, anaErr := e.analyzer.Analyze(ctx, service, operation, err)
		if anaErr != nil {
			e.logger.Warn("analysis failed", zap.Error(anaErr))
			rec = &models.Recommendation{ShouldRetry: true, Strategy: models.DefaultRetryStrategy()}
		}
		if rec.PatternID != nil {
			lastPattern = rec.PatternID
			patternIDs = append(patternIDs, rec.PatternID.String())
			if recErr := e.analyzer.RecordOutcome(ctx, *rec.PatternID, taskID, attempt, false, execTime, err); recErr != nil {
				e.logger.Warn("failed to record retry failure", zap.Error(recErr))
			}
		}

		if !rec.ShouldRetry {
			e.exhaust(ctx, taskID, "non_retryable_"+string(rec.Category), attempt, attemptErrors, patternIDs, taskMeta)
			return fmt.Errorf("operation not retryable (%s): %w", rec.Category, err)
		}
		if maxRetriesReached(rec.Strategy, attempt) {
			e.exhaust(ctx, taskID, "max_retries_exceeded", attempt, attemptErrors, patternIDs, taskMeta)
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
		}

		e.logger.Info("retrying operation",
			zap.String("task_id", taskID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("category", string(rec.Category)),
			zap.Error(err))

		delay := backoffDelay(rec.Strategy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// maxRetriesReached caps the loop at the recommended strategy's allowance;
// the budget gate still bounds strategies that carry no limit.
func maxRetriesReached(strategy models.RetryStrategy, attempt int) bool {
	return strategy.MaxRetries > 0 && attempt >= strategy.MaxRetries
}

// backoffDelay picks the schedule entry for attempt (1-based). Exponential
// schedules get ±20% jitter; linear and fixed schedules run as configured.
func backoffDelay(strategy models.RetryStrategy, attempt int) time.Duration {
	var baseMs int
	switch {
	case len(strategy.BackoffMs) == 0:
		baseMs = 1000
	case attempt-1 < len(strategy.BackoffMs):
		baseMs = strategy.BackoffMs[attempt-1]
	default:
		baseMs = strategy.BackoffMs[len(strategy.BackoffMs)-1]
	}

	base := time.Duration(baseMs) * time.Millisecond
	if strategy.BackoffType != models.BackoffExponential {
		return base
	}
	span := int64(base) / 5
	if span <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(2*span+1)-span)
}

func (e *Executor) exhaust(ctx context.Context, taskID, reason string, attempts int, errs, patternIDs []string, taskMeta map[string]interface{}) {
	e.metrics.BudgetExhaustions.WithLabelValues(reason).Inc()

	consumed, first := e.budget.Attempts(taskID)
	if consumed > 0 {
		attempts = consumed
	}
	if first.IsZero() {
		first = time.Now()
	}

	entry := &models.DeadLetterEntry{
		ID:             uuid.New(),
		TaskID:         taskID,
		Reason:         reason,
		Attempts:       attempts,
		DurationMs:     time.Since(first).Milliseconds(),
		Errors:         errs,
		PatternIDs:     patternIDs,
		FirstAttemptAt: first,
		LastAttemptAt:  time.Now(),
		Status:         models.DLQStatusPending,
	}
	if len(taskMeta) > 0 {
		if data, err := json.Marshal(taskMeta); err == nil {
			entry.Metadata = data
		}
	}

	if err := e.dlq.AddEntry(ctx, entry); err != nil {
		e.logger.Error("dead-letter transfer failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	e.budget.Reset(taskID)
}
