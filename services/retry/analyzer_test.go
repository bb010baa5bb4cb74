package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tas-graphrag/models"
)

func TestNormalizeError_StripsVolatileTokens(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "uuid",
			input: "memory 0c6f9f44-9f8e-4c3a-b6f2-2a4d6f0e8a11 not found",
			want:  "memory <uuid> not found",
		},
		{
			name:  "quoted string",
			input: `failed to parse "some value" in request`,
			want:  "failed to parse <str> in request",
		},
		{
			name:  "numbers",
			input: "returned status 503 after 1500 ms",
			want:  "returned status <n> after <n> ms",
		},
		{
			name:  "case and whitespace",
			input: "  Connection   REFUSED  ",
			want:  "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeError(tt.input))
		})
	}
}

func TestNormalizeError_EquivalentFailuresConverge(t *testing.T) {
	a := NormalizeError("timeout waiting for job 42 after 30s")
	b := NormalizeError("timeout waiting for job 1337 after 5s")

	assert.Equal(t, a, b)
	assert.Equal(t, patternHash(a), patternHash(b))
}

func TestPatternHash_DistinctMessages(t *testing.T) {
	assert.NotEqual(t,
		patternHash("connection refused"),
		patternHash("deadline exceeded"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		input     string
		category  models.ErrorCategory
		retryable bool
	}{
		{"context deadline exceeded", models.CategoryTransient, true},
		{"dial tcp: connection refused", models.CategoryInfrastructure, true},
		{"vector store returned status <n>: too many requests", models.CategoryResourceExhaustion, true},
		{"failed to unmarshal payload", models.CategoryDataQuality, false},
		{"entity <uuid> not found", models.CategoryDataQuality, false},
		{"provider rejected api key", models.CategoryConfiguration, false},
		{"authentication failed for user <str>", models.CategoryConfiguration, false},
		{"permission denied on collection", models.CategoryConfiguration, false},
		{"something entirely novel happened", models.CategoryUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			class := classify(tt.input)
			assert.Equal(t, tt.category, class.category)
			assert.Equal(t, tt.retryable, class.retryable)
		})
	}
}

func TestStrategyFor(t *testing.T) {
	transient := strategyFor(models.CategoryTransient)
	assert.Equal(t, models.BackoffExponential, transient.BackoffType)
	assert.Len(t, transient.BackoffMs, transient.MaxRetries)

	resource := strategyFor(models.CategoryResourceExhaustion)
	assert.Equal(t, models.BackoffLinear, resource.BackoffType)

	unknown := strategyFor(models.CategoryUnknown)
	assert.Equal(t, models.DefaultRetryStrategy(), unknown)
}

func TestErrorType_UnwrapsToRoot(t *testing.T) {
	root := errors.New("root cause")
	wrapped := fmt.Errorf("layer two: %w", fmt.Errorf("layer one: %w", root))

	assert.Equal(t, errorType(root), errorType(wrapped))
}

func TestBackoffDelay_Schedule(t *testing.T) {
	strategy := models.RetryStrategy{
		BackoffType: models.BackoffExponential,
		BackoffMs:   []int{500, 1000, 2000},
	}

	// Attempt picks its schedule entry; exponential jitter stays within ±20%.
	for attempt, baseMs := range map[int]int{1: 500, 2: 1000, 3: 2000} {
		delay := backoffDelay(strategy, attempt)
		base := time.Duration(baseMs) * time.Millisecond
		assert.GreaterOrEqual(t, delay, base-base/5)
		assert.LessOrEqual(t, delay, base+base/5)
	}

	// Past the end of the schedule the last entry repeats.
	delay := backoffDelay(strategy, 10)
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)

	// Linear schedules run exactly as configured.
	linear := models.RetryStrategy{BackoffType: models.BackoffLinear, BackoffMs: []int{5000}}
	assert.Equal(t, 5*time.Second, backoffDelay(linear, 1))

	// An empty schedule falls back to one second.
	assert.Equal(t, time.Second, backoffDelay(models.RetryStrategy{}, 1))
}
