// Package retry holds the failure-handling subsystem: error pattern
// analysis, the global retry budget, the retry executor and the
// dead-letter queue.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tas-graphrag/models"
)

// Analyzer fingerprints failures into patterns and recommends retry
// strategies. Patterns are scoped by (service, operation) so the same
// message from different backends stays distinct.
type Analyzer struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAnalyzer creates the error pattern analyzer
func NewAnalyzer(db *gorm.DB, logger *zap.Logger) *Analyzer {
	return &Analyzer{db: db, logger: logger}
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexPattern    = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	numberPattern = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeError strips volatile tokens so equivalent failures hash to the
// same pattern.
func NormalizeError(msg string) string {
	msg = uuidPattern.ReplaceAllString(msg, "<uuid>")
	msg = quotedPattern.ReplaceAllString(msg, "<str>")
	msg = hexPattern.ReplaceAllString(msg, "<hex>")
	msg = numberPattern.ReplaceAllString(msg, "<n>")
	msg = spacePattern.ReplaceAllString(msg, " ")
	return strings.TrimSpace(strings.ToLower(msg))
}

func patternHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

type classification struct {
	category  models.ErrorCategory
	severity  models.ErrorSeverity
	retryable bool
}

var categoryRules = []struct {
	keywords []string
	class    classification
}{
	{
		keywords: []string{"timeout", "deadline exceeded", "temporarily", "try again", "reset by peer", "eof"},
		class:    classification{models.CategoryTransient, models.SeverityLow, true},
	},
	{
		keywords: []string{"connection refused", "no such host", "network", "unavailable", "breaker", "status 502", "status 503", "status 504"},
		class:    classification{models.CategoryInfrastructure, models.SeverityMedium, true},
	},
	{
		keywords: []string{"too many requests", "rate limit", "status 429", "quota", "out of memory", "disk full"},
		class:    classification{models.CategoryResourceExhaustion, models.SeverityMedium, true},
	},
	{
		keywords: []string{"malformed", "invalid", "parse", "unmarshal", "validation", "constraint", "duplicate key", "not found"},
		class:    classification{models.CategoryDataQuality, models.SeverityHigh, false},
	},
	{
		keywords: []string{"unauthorized", "forbidden", "api key", "credential", "permission denied", "permission", "authentication failed", "not configured", "missing env"},
		class:    classification{models.CategoryConfiguration, models.SeverityCritical, false},
	},
}

func classify(normalized string) classification {
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				return rule.class
			}
		}
	}
	// Unknown errors get one cautious retry rather than none.
	return classification{models.CategoryUnknown, models.SeverityMedium, true}
}

// Analyze fingerprints err, upserts its pattern, and returns a retry
// recommendation. Confidence grows with observed attempts against the
// pattern.
func (a *Analyzer) Analyze(ctx context.Context, service, operation string, err error) (*models.Recommendation, error) {
	if err == nil {
		return nil, errors.New("analyze called with nil error")
	}

	normalized := NormalizeError(err.Error())
	hash := patternHash(normalized)
	class := classify(normalized)

	pattern, dbErr := a.upsertPattern(ctx, service, operation, hash, normalized, err, class)
	if dbErr != nil {
		// Analysis must not block retries; fall back to the stateless verdict.
		a.logger.Warn("pattern upsert failed", zap.Error(dbErr))
		return &models.Recommendation{
			ShouldRetry: class.retryable,
			Strategy:    strategyFor(class.category),
			Confidence:  0.3,
			Category:    class.category,
			Severity:    class.severity,
			Reasoning:   "pattern store unavailable, keyword classification only",
		}, nil
	}

	rec := &models.Recommendation{
		PatternID:   &pattern.ID,
		ShouldRetry: pattern.Retryable,
		Strategy:    strategyFor(pattern.Category),
		Category:    pattern.Category,
		Severity:    pattern.Severity,
	}

	observed := pattern.SuccessCount + pattern.FailureCount
	switch {
	case observed >= 10:
		rec.Confidence = 0.9
		if pattern.SuccessRate < 0.1 {
			rec.ShouldRetry = false
			rec.Reasoning = fmt.Sprintf("pattern retried %d times with %.0f%% success", observed, pattern.SuccessRate*100)
		} else {
			rec.Reasoning = fmt.Sprintf("pattern succeeds %.0f%% of the time on retry", pattern.SuccessRate*100)
		}
	case observed > 0:
		rec.Confidence = 0.5 + float64(observed)*0.04
		rec.Reasoning = "limited history for this pattern"
	default:
		rec.Confidence = 0.4
		rec.Reasoning = "first occurrence, keyword classification"
	}
	return rec, nil
}

func strategyFor(category models.ErrorCategory) models.RetryStrategy {
	switch category {
	case models.CategoryTransient:
		return models.RetryStrategy{
			MaxRetries:  3,
			BackoffType: models.BackoffExponential,
			BackoffMs:   []int{500, 1000, 2000},
		}
	case models.CategoryInfrastructure:
		return models.RetryStrategy{
			MaxRetries:  4,
			BackoffType: models.BackoffExponential,
			BackoffMs:   []int{2000, 4000, 8000, 16000},
		}
	case models.CategoryResourceExhaustion:
		return models.RetryStrategy{
			MaxRetries:  3,
			BackoffType: models.BackoffLinear,
			BackoffMs:   []int{5000, 10000, 15000},
		}
	default:
		return models.DefaultRetryStrategy()
	}
}

func (a *Analyzer) upsertPattern(ctx context.Context, service, operation, hash, normalized string, original error, class classification) (*models.ErrorPattern, error) {
	var pattern models.ErrorPattern
	err := a.db.WithContext(ctx).
		Where("pattern_hash = ? AND service = ? AND operation = ?", hash, service, operation).
		First(&pattern).Error

	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		strategyJSON, _ := json.Marshal(strategyFor(class.category))
		pattern = models.ErrorPattern{
			ID:              uuid.New(),
			PatternHash:     hash,
			Service:         service,
			Operation:       operation,
			ErrorType:       errorType(original),
			NormalizedError: normalized,
			Category:        class.category,
			Severity:        class.severity,
			Retryable:       class.retryable,
			OccurrenceCount: 1,
			Strategy:        strategyJSON,
			FirstSeen:       now,
			LastSeen:        now,
		}
		if err := a.db.WithContext(ctx).Create(&pattern).Error; err != nil {
			return nil, err
		}
		return &pattern, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"occurrence_count": gorm.Expr("occurrence_count + 1"),
		"last_seen":        now,
	}
	if err := a.db.WithContext(ctx).Model(&pattern).Updates(updates).Error; err != nil {
		return nil, err
	}
	pattern.OccurrenceCount++
	pattern.LastSeen = now
	return &pattern, nil
}

func errorType(err error) string {
	type causer interface{ Unwrap() error }
	for {
		var c causer
		if !errors.As(err, &c) {
			break
		}
		next := c.Unwrap()
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}

// RecordOutcome links a retry attempt to its pattern and refreshes the
// pattern's success rate.
func (a *Analyzer) RecordOutcome(ctx context.Context, patternID uuid.UUID, taskID string, attemptNumber int, success bool, execTime time.Duration, attemptErr error) error {
	attempt := models.RetryAttempt{
		ID:              uuid.New(),
		PatternID:       patternID,
		TaskID:          taskID,
		AttemptNumber:   attemptNumber,
		Success:         success,
		ExecutionTimeMs: execTime.Milliseconds(),
	}
	if attemptErr != nil {
		attempt.ErrorText = attemptErr.Error()
	}
	if err := a.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return fmt.Errorf("failed to record retry attempt: %w", err)
	}

	counter := "failure_count"
	if success {
		counter = "success_count"
	}
	err := a.db.WithContext(ctx).Model(&models.ErrorPattern{}).
		Where("id = ?", patternID).
		Updates(map[string]interface{}{
			counter:        gorm.Expr(counter + " + 1"),
			"success_rate": gorm.Expr("CAST(success_count + ? AS float) / NULLIF(success_count + failure_count + 1, 0)", boolToInt(success)),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update pattern stats: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TopPatterns returns the most frequent patterns for the stats surface
func (a *Analyzer) TopPatterns(ctx context.Context, limit int) ([]models.ErrorPattern, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var patterns []models.ErrorPattern
	err := a.db.WithContext(ctx).
		Order("occurrence_count DESC").
		Limit(limit).
		Find(&patterns).Error
	if err != nil {
		return nil, fmt.Errorf("pattern list failed: %w", err)
	}
	return patterns, nil
}
