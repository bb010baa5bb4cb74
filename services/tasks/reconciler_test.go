package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tas-graphrag/models"
)

func TestDiffTasks_BothNil(t *testing.T) {
	diff := diffTasks(nil, nil)
	assert.False(t, diff.Any())
}

func TestDiffTasks_MissingSides(t *testing.T) {
	task := &models.Task{ID: "t1", Status: models.TaskRunning, Version: 2}

	diff := diffTasks(nil, task)
	assert.True(t, diff.MemoryMissing)
	assert.True(t, diff.Any())
	assert.Equal(t, "t1", diff.TaskID)

	diff = diffTasks(task, nil)
	assert.True(t, diff.RepositoryMissing)
	assert.True(t, diff.Any())
}

func TestDiffTasks_IdenticalCopies(t *testing.T) {
	now := time.Now()
	mem := &models.Task{
		ID:          "t1",
		Status:      models.TaskCompleted,
		Version:     3,
		Result:      []byte(`{"ok":true}`),
		CompletedAt: &now,
	}
	repo := mem.Clone()

	diff := diffTasks(mem, repo)
	assert.False(t, diff.Any())
}

func TestDiffTasks_FieldDivergence(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	mem := &models.Task{
		ID: "t1", Status: models.TaskRunning, Version: 2,
		Result: []byte(`{"a":1}`), Error: "", CompletedAt: nil,
	}
	repo := &models.Task{
		ID: "t1", Status: models.TaskFailed, Version: 3,
		Result: []byte(`{"a":2}`), Error: "boom", CompletedAt: &later,
	}

	diff := diffTasks(mem, repo)
	assert.True(t, diff.StatusDiffers)
	assert.True(t, diff.VersionDiffers)
	assert.True(t, diff.ResultDiffers)
	assert.True(t, diff.ErrorDiffers)
	assert.True(t, diff.CompletedAtDiffers)
}

func TestTimePtrEqual(t *testing.T) {
	now := time.Now()
	same := now

	assert.True(t, timePtrEqual(nil, nil))
	assert.True(t, timePtrEqual(&now, &same))
	assert.False(t, timePtrEqual(&now, nil))
	assert.False(t, timePtrEqual(nil, &now))

	later := now.Add(time.Second)
	assert.False(t, timePtrEqual(&now, &later))
}

func TestStateDesynchronizationError_Message(t *testing.T) {
	err := &StateDesynchronizationError{
		TaskID: "t1",
		Diff:   models.TaskDiff{TaskID: "t1", MemoryMissing: true},
	}
	assert.Contains(t, err.Error(), "t1")
	assert.Contains(t, err.Error(), "memory_missing=true")
}

type failingStore struct{}

func (failingStore) All(ctx context.Context) ([]models.Task, error) { return nil, nil }

func (failingStore) Save(ctx context.Context, task *models.Task) error { return assert.AnError }

func (failingStore) Delete(ctx context.Context, id string) error { return assert.AnError }

func TestReconcileTask_FailureCarriesDiff(t *testing.T) {
	r := &Reconciler{
		manager:  NewManager(nil, zap.NewNop()),
		repo:     failingStore{},
		strategy: "memory-first",
		logger:   zap.NewNop(),
	}
	mem := &models.Task{ID: "t1", Status: models.TaskRunning, Version: 2}

	_, err := r.ReconcileTask(context.Background(), mem, nil)
	require.Error(t, err)

	var desync *StateDesynchronizationError
	require.ErrorAs(t, err, &desync)
	assert.Equal(t, "t1", desync.TaskID)
	assert.True(t, desync.Diff.RepositoryMissing)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestReconcileTask_ConvergedPairIsClean(t *testing.T) {
	r := &Reconciler{
		manager:  NewManager(nil, zap.NewNop()),
		repo:     failingStore{},
		strategy: "memory-first",
		logger:   zap.NewNop(),
	}
	task := &models.Task{ID: "t1", Status: models.TaskCompleted, Version: 3}

	action, err := r.ReconcileTask(context.Background(), task, task.Clone())
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNone, action)
}
