package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
)

// Handler executes one task type. Params come from the task payload.
type Handler func(ctx context.Context, taskID string, params map[string]interface{}) error

// Manager owns task lifecycle. The in-memory map is the hot copy serving
// reads; every mutation also lands in the repository. Version increments on
// each mutation so the reconciler can order divergent copies.
type Manager struct {
	repo   *Repository
	logger *zap.Logger

	mu       sync.RWMutex
	tasks    map[string]*models.Task
	handlers map[string]Handler
}

// NewManager creates the task manager
func NewManager(repo *Repository, logger *zap.Logger) *Manager {
	return &Manager{
		repo:     repo,
		logger:   logger,
		tasks:    make(map[string]*models.Task),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a task type to its executor. Registration happens at
// startup, before any Resubmit can arrive.
func (m *Manager) RegisterHandler(taskType string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = handler
}

// CreateTask registers a new pending task in both copies
func (m *Manager) CreateTask(ctx context.Context, id, taskType string, params map[string]interface{}) (*models.Task, error) {
	task := &models.Task{
		ID:      id,
		Type:    taskType,
		Status:  models.TaskPending,
		Version: 1,
	}
	if len(params) > 0 {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task params: %w", err)
		}
		task.Payload = payload
	}

	if err := m.repo.Save(ctx, task); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tasks[id] = task.Clone()
	m.mu.Unlock()
	return task.Clone(), nil
}

// UpdateStatus transitions a task. Terminal statuses stamp CompletedAt; a
// transition out of a terminal status is refused.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, result map[string]interface{}, errText string) (*models.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()

	if !ok {
		loaded, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		task = loaded
	}

	if task.Status.Terminal() && status != task.Status {
		return nil, fmt.Errorf("task %s is already %s", id, task.Status)
	}

	updated := task.Clone()
	updated.Status = status
	updated.Version++
	updated.Error = errText
	if len(result) > 0 {
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task result: %w", err)
		}
		updated.Result = payload
	}
	if status.Terminal() {
		now := time.Now()
		updated.CompletedAt = &now
	}

	if err := m.repo.Save(ctx, updated); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tasks[id] = updated.Clone()
	m.mu.Unlock()
	return updated.Clone(), nil
}

// GetTask reads from the hot map, falling back to the repository
func (m *Manager) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	task, ok := m.tasks[id]
	m.mu.RUnlock()
	if ok {
		return task.Clone(), nil
	}

	loaded, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tasks[id] = loaded.Clone()
	m.mu.Unlock()
	return loaded.Clone(), nil
}

// ListTasks reads from the repository, the authoritative enumeration
func (m *Manager) ListTasks(ctx context.Context, status models.TaskStatus, limit, offset int) ([]models.Task, int64, error) {
	return m.repo.List(ctx, status, limit, offset)
}

// Run executes a task end to end through its registered handler
func (m *Manager) Run(ctx context.Context, taskID, taskType string, params map[string]interface{}) error {
	m.mu.RLock()
	handler, ok := m.handlers[taskType]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", taskType)
	}

	if _, err := m.UpdateStatus(ctx, taskID, models.TaskRunning, nil, ""); err != nil {
		return err
	}

	if err := handler(ctx, taskID, params); err != nil {
		if _, updErr := m.UpdateStatus(ctx, taskID, models.TaskFailed, nil, err.Error()); updErr != nil {
			m.logger.Warn("failed to mark task failed", zap.String("task_id", taskID), zap.Error(updErr))
		}
		return err
	}

	if _, err := m.UpdateStatus(ctx, taskID, models.TaskCompleted, nil, ""); err != nil {
		return err
	}
	return nil
}

// Resubmit replays a dead-lettered task: the task record is reset to pending
// and run through its handler again.
func (m *Manager) Resubmit(ctx context.Context, taskID, taskType string, params map[string]interface{}) error {
	_, err := m.GetTask(ctx, taskID)
	if err == ErrTaskNotFound {
		if _, err := m.CreateTask(ctx, taskID, taskType, params); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		// Reset the terminal record for the replay.
		m.mu.Lock()
		if existing, ok := m.tasks[taskID]; ok {
			fresh := existing.Clone()
			fresh.Status = models.TaskPending
			fresh.Version++
			fresh.Error = ""
			fresh.CompletedAt = nil
			m.tasks[taskID] = fresh
			if saveErr := m.repo.Save(ctx, fresh); saveErr != nil {
				m.mu.Unlock()
				return saveErr
			}
		}
		m.mu.Unlock()
	}

	return m.Run(ctx, taskID, taskType, params)
}

// Forget drops a task from the hot map. The repository row stays.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// snapshot returns a copy of the hot map for reconciliation
func (m *Manager) snapshot() map[string]*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Task, len(m.tasks))
	for id, task := range m.tasks {
		out[id] = task.Clone()
	}
	return out
}

// replace installs the reconciled copy into the hot map
func (m *Manager) replace(task *models.Task) {
	m.mu.Lock()
	m.tasks[task.ID] = task.Clone()
	m.mu.Unlock()
}
