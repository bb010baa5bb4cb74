package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the queue-side state of an enrichment job
type JobState string

const (
	JobEnqueued  JobState = "enqueued"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobStalled   JobState = "stalled"
)

// EnrichmentJob is the payload carried through the enrichment queue.
// JobID equals the memory id, which makes re-enqueues idempotent.
type EnrichmentJob struct {
	JobID       string         `json:"job_id"`
	MemoryID    uuid.UUID      `json:"memory_id"`
	Content     string         `json:"content"`
	Embedding   []float32      `json:"embedding,omitempty"`
	Tenant      TenantContext  `json:"tenant"`
	Decision    TriageDecision `json:"decision"`
	EpisodeType string         `json:"episode_type,omitempty"`
	Priority    int            `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	LastError   string         `json:"last_error,omitempty"`
}

// EnrichmentOutcome is what a completed enrichment produced
type EnrichmentOutcome struct {
	Entities  []string   `json:"entities,omitempty"`
	Facts     []Fact     `json:"facts,omitempty"`
	EpisodeID *uuid.UUID `json:"episode_id,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// JobEvent is published on the cache pub-sub channel on every state change
type JobEvent struct {
	JobID     string    `json:"job_id"`
	MemoryID  uuid.UUID `json:"memory_id"`
	State     JobState  `json:"state"`
	Progress  int       `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStats reports queue depth per state
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Active     int64 `json:"active"`
	Delayed    int64 `json:"delayed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
