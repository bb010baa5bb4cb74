package retry

import (
	"sync"
	"time"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

// BudgetManager enforces the global per-task retry budget: a hard attempt
// cap and a wall-clock window measured from the first attempt. Both limits
// apply across every retry layer touching the task.
type BudgetManager struct {
	maxAttempts int
	maxDuration time.Duration

	mu     sync.Mutex
	ledger map[string]*taskBudget
}

type taskBudget struct {
	attempts     int
	firstAttempt time.Time
}

// NewBudgetManager creates the budget manager from config
func NewBudgetManager(cfg *config.RetryConfig) *BudgetManager {
	return &BudgetManager{
		maxAttempts: cfg.MaxAttempts,
		maxDuration: time.Duration(cfg.MaxDurationSec) * time.Second,
		ledger:      make(map[string]*taskBudget),
	}
}

// Check reports whether taskID may attempt once more. It does not consume
// budget; call Record when the attempt actually starts.
func (b *BudgetManager) Check(taskID string) models.BudgetCheck {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger[taskID]
	if !ok {
		return models.BudgetCheck{
			Allowed:           true,
			AttemptsRemaining: b.maxAttempts,
			TimeRemaining:     b.maxDuration,
		}
	}

	if entry.attempts >= b.maxAttempts {
		return models.BudgetCheck{
			Allowed: false,
			Reason:  models.ReasonRetryLimitExceeded,
		}
	}

	elapsed := time.Since(entry.firstAttempt)
	if elapsed >= b.maxDuration {
		return models.BudgetCheck{
			Allowed: false,
			Reason:  models.ReasonRetryDurationExceeded,
		}
	}

	return models.BudgetCheck{
		Allowed:           true,
		AttemptsRemaining: b.maxAttempts - entry.attempts,
		TimeRemaining:     b.maxDuration - elapsed,
	}
}

// Record consumes one attempt from taskID's budget
func (b *BudgetManager) Record(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger[taskID]
	if !ok {
		b.ledger[taskID] = &taskBudget{attempts: 1, firstAttempt: time.Now()}
		return
	}
	entry.attempts++
}

// Attempts reports the consumed attempts and the first-attempt time
func (b *BudgetManager) Attempts(taskID string) (int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.ledger[taskID]
	if !ok {
		return 0, time.Time{}
	}
	return entry.attempts, entry.firstAttempt
}

// Reset clears taskID's budget after success or dead-letter transfer
func (b *BudgetManager) Reset(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ledger, taskID)
}

// Sweep drops ledger entries idle past the duration window. Called
// periodically so abandoned tasks do not grow the map without bound.
func (b *BudgetManager) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-2 * b.maxDuration)
	for id, entry := range b.ledger {
		if entry.firstAttempt.Before(cutoff) {
			delete(b.ledger, id)
			removed++
		}
	}
	return removed
}
