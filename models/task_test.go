package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskTimeout.Terminal())
}

func TestTaskStatus_Rank(t *testing.T) {
	assert.Greater(t, TaskCompleted.Rank(), TaskFailed.Rank())
	assert.Equal(t, TaskFailed.Rank(), TaskTimeout.Rank())
	assert.Greater(t, TaskFailed.Rank(), TaskRunning.Rank())
	assert.Greater(t, TaskRunning.Rank(), TaskPending.Rank())
	assert.Equal(t, 0, TaskStatus("bogus").Rank())
}

func TestTask_Clone(t *testing.T) {
	now := time.Now()
	task := &Task{
		ID:          "t1",
		Status:      TaskCompleted,
		Version:     4,
		CompletedAt: &now,
	}

	clone := task.Clone()
	clone.Status = TaskFailed
	*clone.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, TaskCompleted, task.Status)
	assert.True(t, task.CompletedAt.Equal(now))
}

func TestTask_CloneNil(t *testing.T) {
	var task *Task
	assert.Nil(t, task.Clone())
}

func TestTenantContext_Normalized(t *testing.T) {
	tenant := TenantContext{CompanyID: "acme"}
	assert.True(t, tenant.Valid())
	assert.Equal(t, "anonymous", tenant.Normalized().UserID)

	tenant = TenantContext{CompanyID: "acme", UserID: "u1"}
	assert.Equal(t, "u1", tenant.Normalized().UserID)

	assert.False(t, TenantContext{}.Valid())
}

func TestValidStrategy(t *testing.T) {
	assert.True(t, ValidStrategy(StrategyHybrid))
	assert.True(t, ValidStrategy(StrategyAdaptive))
	assert.True(t, ValidStrategy(StrategySemanticChunks))
	assert.True(t, ValidStrategy(StrategyGraphTraversal))
	assert.False(t, ValidStrategy("keyword"))
	assert.False(t, ValidStrategy(""))
}
