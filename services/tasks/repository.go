// Package tasks tracks long-running work: an in-memory hot map backed by a
// relational mirror, plus the reconciler that keeps the two converged.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tas-graphrag/models"
)

// ErrTaskNotFound is returned when a task id is unknown
var ErrTaskNotFound = errors.New("task not found")

// Repository is the durable mirror of task state
type Repository struct {
	db *gorm.DB
}

// NewRepository creates the task repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Save upserts the task row
func (r *Repository) Save(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("task save failed: %w", err)
	}
	return nil
}

// Get returns one task by id
func (r *Repository) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %w", err)
	}
	return &task, nil
}

// List returns tasks filtered by status when set, newest first
func (r *Repository) List(ctx context.Context, status models.TaskStatus, limit, offset int) ([]models.Task, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := r.db.WithContext(ctx).Model(&models.Task{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("task count failed: %w", err)
	}

	var tasks []models.Task
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("task list failed: %w", err)
	}
	return tasks, total, nil
}

// Delete removes the task row
func (r *Repository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("task delete failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// All returns every non-terminal task plus recently terminal ones, for
// reconciliation sweeps.
func (r *Repository) All(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	if err := r.db.WithContext(ctx).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("task scan failed: %w", err)
	}
	return tasks, nil
}
