package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
)

func TestBudgetManager_FreshTaskAllowed(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 10, MaxDurationSec: 300})

	check := budget.Check("task-1")

	assert.True(t, check.Allowed)
	assert.Equal(t, 10, check.AttemptsRemaining)
	assert.Equal(t, 300*time.Second, check.TimeRemaining)
}

func TestBudgetManager_AttemptLimit(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 3, MaxDurationSec: 300})

	for i := 0; i < 3; i++ {
		check := budget.Check("task-1")
		assert.True(t, check.Allowed)
		budget.Record("task-1")
	}

	check := budget.Check("task-1")
	assert.False(t, check.Allowed)
	assert.Equal(t, models.ReasonRetryLimitExceeded, check.Reason)
}

func TestBudgetManager_DurationLimit(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 10, MaxDurationSec: 0})

	budget.Record("task-1")

	check := budget.Check("task-1")
	assert.False(t, check.Allowed)
	assert.Equal(t, models.ReasonRetryDurationExceeded, check.Reason)
}

func TestBudgetManager_CheckDoesNotConsume(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 2, MaxDurationSec: 300})

	for i := 0; i < 5; i++ {
		budget.Check("task-1")
	}

	attempts, _ := budget.Attempts("task-1")
	assert.Equal(t, 0, attempts)
}

func TestBudgetManager_Reset(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 1, MaxDurationSec: 300})

	budget.Record("task-1")
	assert.False(t, budget.Check("task-1").Allowed)

	budget.Reset("task-1")

	check := budget.Check("task-1")
	assert.True(t, check.Allowed)
	assert.Equal(t, 1, check.AttemptsRemaining)
}

func TestBudgetManager_TasksIndependent(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 1, MaxDurationSec: 300})

	budget.Record("task-1")

	assert.False(t, budget.Check("task-1").Allowed)
	assert.True(t, budget.Check("task-2").Allowed)
}

func TestBudgetManager_Sweep(t *testing.T) {
	budget := NewBudgetManager(&config.RetryConfig{MaxAttempts: 10, MaxDurationSec: 0})

	budget.Record("task-1")
	budget.Record("task-2")

	removed := budget.Sweep()
	assert.Equal(t, 2, removed)

	attempts, first := budget.Attempts("task-1")
	assert.Equal(t, 0, attempts)
	assert.True(t, first.IsZero())
}
