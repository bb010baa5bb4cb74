package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ErrorCategory classifies a normalized error pattern
type ErrorCategory string

const (
	CategoryTransient          ErrorCategory = "transient"
	CategoryInfrastructure     ErrorCategory = "infrastructure"
	CategoryDataQuality        ErrorCategory = "data-quality"
	CategoryResourceExhaustion ErrorCategory = "resource-exhaustion"
	CategoryConfiguration      ErrorCategory = "configuration"
	CategoryUnknown            ErrorCategory = "unknown"
)

// ErrorSeverity grades the operational impact of a pattern
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// BackoffType selects the delay progression for a retry strategy
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffFixed       BackoffType = "fixed"
)

// RetryStrategy is the recommended schedule for retrying a failed operation
type RetryStrategy struct {
	MaxRetries  int         `json:"max_retries"`
	BackoffType BackoffType `json:"backoff_type"`
	BackoffMs   []int       `json:"backoff_ms"`
	TimeoutMs   int         `json:"timeout_ms,omitempty"`
}

// DefaultRetryStrategy is the conservative schedule for unseen patterns
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries:  3,
		BackoffType: BackoffExponential,
		BackoffMs:   []int{1000, 2000, 4000},
	}
}

// ErrorPattern fingerprints a normalized error message scoped by
// (service, operation). Success-rate is a derived statistic over the
// linked attempts.
type ErrorPattern struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	PatternHash      string         `json:"pattern_hash" gorm:"size:64;index:idx_pattern_scope,unique"`
	Service          string         `json:"service" gorm:"size:128;index:idx_pattern_scope,unique"`
	Operation        string         `json:"operation" gorm:"size:128;index:idx_pattern_scope,unique"`
	ErrorType        string         `json:"error_type" gorm:"size:128;index"`
	NormalizedError  string         `json:"normalized_error" gorm:"type:text"`
	Category         ErrorCategory  `json:"category" gorm:"size:32"`
	Severity         ErrorSeverity  `json:"severity" gorm:"size:16"`
	Retryable        bool           `json:"retryable"`
	SuccessCount     int            `json:"success_count"`
	FailureCount     int            `json:"failure_count"`
	SuccessRate      float64        `json:"success_rate"`
	OccurrenceCount  int            `json:"occurrence_count"`
	Strategy         datatypes.JSON `json:"strategy,omitempty"`
	FirstSeen        time.Time      `json:"first_seen"`
	LastSeen         time.Time      `json:"last_seen"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (ErrorPattern) TableName() string {
	return "error_patterns"
}

// RetryAttempt records one applied retry against a pattern
type RetryAttempt struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	PatternID       uuid.UUID      `json:"pattern_id" gorm:"type:uuid;index"`
	TaskID          string         `json:"task_id" gorm:"size:128;index"`
	AttemptNumber   int            `json:"attempt_number"`
	Strategy        datatypes.JSON `json:"strategy,omitempty"`
	Modifications   datatypes.JSON `json:"modifications,omitempty"`
	Success         bool           `json:"success"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ErrorText       string         `json:"error_text,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (RetryAttempt) TableName() string {
	return "retry_attempts"
}

// Recommendation is the analyzer's advice for a failed operation
type Recommendation struct {
	PatternID     *uuid.UUID             `json:"pattern_id,omitempty"`
	ShouldRetry   bool                   `json:"should_retry"`
	Strategy      RetryStrategy          `json:"strategy"`
	Confidence    float64                `json:"confidence"`
	Category      ErrorCategory          `json:"category"`
	Severity      ErrorSeverity          `json:"severity"`
	Reasoning     string                 `json:"reasoning"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
}

// BudgetCheck is the budget manager's verdict for one more attempt
type BudgetCheck struct {
	Allowed           bool          `json:"allowed"`
	Reason            string        `json:"reason,omitempty"`
	AttemptsRemaining int           `json:"attempts_remaining"`
	TimeRemaining     time.Duration `json:"time_remaining"`
}

// Budget exhaustion reasons
const (
	ReasonRetryLimitExceeded    = "retry_limit_exceeded"
	ReasonRetryDurationExceeded = "retry_duration_exceeded"
)
