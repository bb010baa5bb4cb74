package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
)

type stubAnalyzer struct {
	rec *models.Recommendation
}

func (s *stubAnalyzer) Analyze(ctx context.Context, service, operation string, err error) (*models.Recommendation, error) {
	return s.rec, nil
}

func (s *stubAnalyzer) RecordOutcome(ctx context.Context, patternID uuid.UUID, taskID string, attemptNumber int, success bool, execTime time.Duration, attemptErr error) error {
	return nil
}

type captureSink struct {
	entries []*models.DeadLetterEntry
}

func (c *captureSink) AddEntry(ctx context.Context, entry *models.DeadLetterEntry) error {
	c.entries = append(c.entries, entry)
	return nil
}

func testExecutor(rec *models.Recommendation, sink *captureSink) *Executor {
	return &Executor{
		analyzer: &stubAnalyzer{rec: rec},
		budget:   NewBudgetManager(&config.RetryConfig{MaxAttempts: 10, MaxDurationSec: 300}),
		dlq:      sink,
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		logger:   zap.NewNop(),
	}
}

func TestExecute_StopsAtStrategyMaxRetries(t *testing.T) {
	sink := &captureSink{}
	e := testExecutor(&models.Recommendation{
		ShouldRetry: true,
		Category:    models.CategoryTransient,
		Strategy: models.RetryStrategy{
			MaxRetries:  3,
			BackoffType: models.BackoffExponential,
			BackoffMs:   []int{1, 1, 1},
		},
	}, sink)

	calls := 0
	err := e.Execute(context.Background(), "t1", "vector", "upsert", nil, func(ctx context.Context) error {
		calls++
		return errors.New("timeout talking to backend")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 3, calls)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "max_retries_exceeded", sink.entries[0].Reason)
	assert.Equal(t, "t1", sink.entries[0].TaskID)
}

func TestExecute_SucceedsAfterTransientFailure(t *testing.T) {
	sink := &captureSink{}
	e := testExecutor(&models.Recommendation{
		ShouldRetry: true,
		Category:    models.CategoryTransient,
		Strategy: models.RetryStrategy{
			MaxRetries:  5,
			BackoffType: models.BackoffExponential,
			BackoffMs:   []int{1},
		},
	}, sink)

	calls := 0
	err := e.Execute(context.Background(), "t2", "graph", "merge", nil, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Empty(t, sink.entries)
}

func TestExecute_NonRetryableDeadLettersImmediately(t *testing.T) {
	sink := &captureSink{}
	e := testExecutor(&models.Recommendation{
		ShouldRetry: false,
		Category:    models.CategoryConfiguration,
		Strategy:    models.DefaultRetryStrategy(),
	}, sink)

	calls := 0
	err := e.Execute(context.Background(), "t3", "embeddings", "embed", nil, func(ctx context.Context) error {
		calls++
		return errors.New("authentication failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "non_retryable_configuration", sink.entries[0].Reason)
}

func TestMaxRetriesReached(t *testing.T) {
	strategy := models.RetryStrategy{MaxRetries: 3}

	assert.False(t, maxRetriesReached(strategy, 2))
	assert.True(t, maxRetriesReached(strategy, 3))
	assert.True(t, maxRetriesReached(strategy, 4))

	// An unset allowance defers to the budget gate.
	assert.False(t, maxRetriesReached(models.RetryStrategy{}, 100))
}
