package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
)

// ErrEntryNotFound is returned when a dead-letter entry does not exist
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// ErrInvalidTransition is returned for status moves outside the lifecycle
var ErrInvalidTransition = errors.New("invalid dead-letter status transition")

// DeadLetterService is the durable store of exhausted tasks. Status moves
// respect pending → processing → {pending, resolved} → archived.
type DeadLetterService struct {
	db      *gorm.DB
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewDeadLetterService creates the DLQ store
func NewDeadLetterService(db *gorm.DB, metrics *observability.Metrics, logger *zap.Logger) *DeadLetterService {
	return &DeadLetterService{db: db, metrics: metrics, logger: logger}
}

// AddEntry persists a new dead-letter entry
func (s *DeadLetterService) AddEntry(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.DLQStatusPending
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("dead-letter insert failed: %w", err)
	}

	s.logger.Warn("task dead-lettered",
		zap.String("task_id", entry.TaskID),
		zap.String("reason", entry.Reason),
		zap.Int("attempts", entry.Attempts))
	s.refreshGauge(ctx)
	return nil
}

// Get returns one entry by id
func (s *DeadLetterService) Get(ctx context.Context, id uuid.UUID) (*models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dead-letter lookup failed: %w", err)
	}
	return &entry, nil
}

// List returns entries matching query plus the total count
func (s *DeadLetterService) List(ctx context.Context, query *models.DeadLetterQuery) ([]models.DeadLetterEntry, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{})
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	if query.Reason != "" {
		q = q.Where("reason = ?", query.Reason)
	}
	if query.TaskID != "" {
		q = q.Where("task_id = ?", query.TaskID)
	}
	if query.Since != nil {
		q = q.Where("created_at >= ?", *query.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dead-letter count failed: %w", err)
	}

	orderCol := "created_at"
	if query.OrderBy == "last_attempt_at" {
		orderCol = "last_attempt_at"
	}
	direction := "ASC"
	if query.Descend {
		direction = "DESC"
	}

	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var entries []models.DeadLetterEntry
	err := q.Order(orderCol + " " + direction).
		Limit(limit).
		Offset(query.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("dead-letter list failed: %w", err)
	}
	return entries, total, nil
}

var allowedTransitions = map[models.DeadLetterStatus][]models.DeadLetterStatus{
	models.DLQStatusPending:    {models.DLQStatusProcessing, models.DLQStatusArchived},
	models.DLQStatusProcessing: {models.DLQStatusPending, models.DLQStatusResolved},
	models.DLQStatusResolved:   {models.DLQStatusArchived},
	models.DLQStatusArchived:   {},
}

func transitionAllowed(from, to models.DeadLetterStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves an entry between statuses with a guarded compare-and-set
func (s *DeadLetterService) transition(ctx context.Context, id uuid.UUID, to models.DeadLetterStatus, extra map[string]interface{}) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !transitionAllowed(entry.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	// Guard on the old status so two processors cannot both claim an entry.
	result := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Where("id = ? AND status = ?", id, entry.Status).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("dead-letter transition failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: entry changed concurrently", ErrInvalidTransition)
	}

	s.refreshGauge(ctx)
	return nil
}

// MarkProcessing claims a pending entry for a processor
func (s *DeadLetterService) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.DLQStatusProcessing, nil)
}

// Resolve closes an entry with the actor and resolution text
func (s *DeadLetterService) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, resolution string) error {
	now := time.Now()
	return s.transition(ctx, id, models.DLQStatusResolved, map[string]interface{}{
		"resolved_by": resolvedBy,
		"resolution":  resolution,
		"resolved_at": now,
	})
}

// Release returns a processing entry to pending after a failed reprocess
func (s *DeadLetterService) Release(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.DLQStatusPending, nil)
}

// ArchiveOlderThan archives pending and resolved entries whose last attempt
// predates the cutoff. Returns the number archived.
func (s *DeadLetterService) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Where("status IN ? AND last_attempt_at < ?",
			[]models.DeadLetterStatus{models.DLQStatusPending, models.DLQStatusResolved}, cutoff).
		Update("status", models.DLQStatusArchived)
	if result.Error != nil {
		return 0, fmt.Errorf("dead-letter archival failed: %w", result.Error)
	}
	s.refreshGauge(ctx)
	return result.RowsAffected, nil
}

// Stats summarizes the queue by status and reason
func (s *DeadLetterService) Stats(ctx context.Context) (*models.DeadLetterStats, error) {
	stats := &models.DeadLetterStats{
		ByStatus: make(map[string]int64),
		ByReason: make(map[string]int64),
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var statusBuckets []bucket
	err := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").
		Scan(&statusBuckets).Error
	if err != nil {
		return nil, fmt.Errorf("dead-letter stats failed: %w", err)
	}
	for _, b := range statusBuckets {
		stats.ByStatus[b.Key] = b.Count
		stats.Total += b.Count
	}

	var reasonBuckets []bucket
	err = s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Select("reason AS key, COUNT(*) AS count").
		Group("reason").
		Scan(&reasonBuckets).Error
	if err != nil {
		return nil, fmt.Errorf("dead-letter stats failed: %w", err)
	}
	for _, b := range reasonBuckets {
		stats.ByReason[b.Key] = b.Count
	}

	var oldest models.DeadLetterEntry
	err = s.db.WithContext(ctx).
		Where("status = ?", models.DLQStatusPending).
		Order("created_at ASC").
		First(&oldest).Error
	if err == nil {
		stats.Oldest = &oldest.CreatedAt
	}

	return stats, nil
}

func (s *DeadLetterService) refreshGauge(ctx context.Context) {
	var pending int64
	err := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Where("status = ?", models.DLQStatusPending).
		Count(&pending).Error
	if err == nil {
		s.metrics.DLQEntries.Set(float64(pending))
	}
}
