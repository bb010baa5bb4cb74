package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// DeadLetterStatus is the lifecycle state of a dead-letter entry.
// Transitions respect pending → processing → {pending, resolved} → archived;
// resolved/archived never move back to pending without an explicit admin action.
type DeadLetterStatus string

const (
	DLQStatusPending    DeadLetterStatus = "pending"
	DLQStatusProcessing DeadLetterStatus = "processing"
	DLQStatusResolved   DeadLetterStatus = "resolved"
	DLQStatusArchived   DeadLetterStatus = "archived"
)

// DeadLetterEntry is the durable record of a task that exhausted its
// retry budget.
type DeadLetterEntry struct {
	ID             uuid.UUID        `json:"id" gorm:"type:uuid;primary_key"`
	TaskID         string           `json:"task_id" gorm:"size:128;index"`
	Reason         string           `json:"reason" gorm:"size:256;index"`
	Attempts       int              `json:"attempts"`
	DurationMs     int64            `json:"duration_ms"`
	Errors         pq.StringArray   `json:"errors" gorm:"type:text[]"`
	PatternIDs     pq.StringArray   `json:"pattern_ids" gorm:"type:text[]"`
	FirstAttemptAt time.Time        `json:"first_attempt_at"`
	LastAttemptAt  time.Time        `json:"last_attempt_at" gorm:"index"`
	Metadata       datatypes.JSON   `json:"metadata,omitempty"`
	Status         DeadLetterStatus `json:"status" gorm:"size:16;index;default:pending"`
	ResolvedBy     string           `json:"resolved_by,omitempty" gorm:"size:128"`
	Resolution     string           `json:"resolution,omitempty" gorm:"type:text"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (DeadLetterEntry) TableName() string {
	return "dead_letter_entries"
}

// DeadLetterQuery filters, sorts and paginates DLQ reads
type DeadLetterQuery struct {
	Status   DeadLetterStatus `json:"status,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	TaskID   string           `json:"task_id,omitempty"`
	Since    *time.Time       `json:"since,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Offset   int              `json:"offset,omitempty"`
	OrderBy  string           `json:"order_by,omitempty"`  // created_at | last_attempt_at
	Descend  bool             `json:"descend,omitempty"`
}

// DeadLetterStats summarizes the DLQ by status and reason
type DeadLetterStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByReason map[string]int64 `json:"by_reason"`
	Oldest   *time.Time       `json:"oldest_pending,omitempty"`
}

// DLQ task metadata keys used by the processor to rebuild the original task
const (
	DLQMetaTaskType   = "task_type"
	DLQMetaTaskParams = "task_params"
)

// Dead-letter processor event types
const (
	DLQEventManualReviewRequired = "manual_review_required"
	DLQEventRetryFailed          = "retry_failed"
)

// DeadLetterEvent is published on the shared event channel when an entry
// needs an operator or a replay fails.
type DeadLetterEvent struct {
	Type      string         `json:"type"`
	EntryID   uuid.UUID      `json:"entry_id"`
	TaskID    string         `json:"task_id"`
	Reason    string         `json:"reason"`
	Attempts  int            `json:"attempts"`
	Errors    []string       `json:"errors,omitempty"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
