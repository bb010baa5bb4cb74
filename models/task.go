package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus is the lifecycle state of a long-running task.
// completed, failed and timeout are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether a status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Rank orders statuses for the status-based reconciliation strategy:
// completed > {failed, timeout} > running > pending.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskCompleted:
		return 4
	case TaskFailed, TaskTimeout:
		return 3
	case TaskRunning:
		return 2
	case TaskPending:
		return 1
	default:
		return 0
	}
}

// Task tracks long-running work. The Task Manager's in-memory map is the hot
// copy; this row is the durable mirror. Version increments monotonically on
// every mutation.
type Task struct {
	ID          string         `json:"id" gorm:"size:128;primary_key"`
	Type        string         `json:"type" gorm:"size:64;index"`
	Status      TaskStatus     `json:"status" gorm:"size:16;index"`
	Version     int            `json:"version"`
	Payload     datatypes.JSON `json:"payload,omitempty"`
	Result      datatypes.JSON `json:"result,omitempty"`
	Error       string         `json:"error,omitempty" gorm:"type:text"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// Clone returns a deep-enough copy for the hot map (JSON blobs are treated
// as immutable after write).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}

// TaskDiff captures field-level divergence between the hot copy and the
// repository copy.
type TaskDiff struct {
	TaskID             string `json:"task_id"`
	StatusDiffers      bool   `json:"status_differs"`
	VersionDiffers     bool   `json:"version_differs"`
	ResultDiffers      bool   `json:"result_differs"`
	ErrorDiffers       bool   `json:"error_differs"`
	CompletedAtDiffers bool   `json:"completed_at_differs"`
	MemoryMissing      bool   `json:"memory_missing"`
	RepositoryMissing  bool   `json:"repository_missing"`
}

// Any reports whether the diff records divergence on any field.
func (d TaskDiff) Any() bool {
	return d.StatusDiffers || d.VersionDiffers || d.ResultDiffers ||
		d.ErrorDiffers || d.CompletedAtDiffers || d.MemoryMissing || d.RepositoryMissing
}

// ReconciliationAction names what the reconciler did to converge state
type ReconciliationAction string

const (
	ReconcileNone              ReconciliationAction = "none"
	ReconcileMemoryUpdated     ReconciliationAction = "memory_updated"
	ReconcileRepositoryUpdated ReconciliationAction = "repository_updated"
	ReconcileRepositoryDeleted ReconciliationAction = "repository_deleted"
)

// ReconciliationMetrics aggregates reconciler activity
type ReconciliationMetrics struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastReconciled time.Time     `json:"last_reconciled"`
}
