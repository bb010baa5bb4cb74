package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// TriageDecision determines which stores a memory fans out to
type TriageDecision string

const (
	// TriageStoreOnly stores the memory without background enrichment
	TriageStoreOnly TriageDecision = "store_only"
	// TriageExtractEntities schedules entity and fact extraction
	TriageExtractEntities TriageDecision = "extract_entities"
	// TriageEpisodic schedules episodic storage plus extraction
	TriageEpisodic TriageDecision = "episodic"
)

// EnrichmentStatus tracks the background enrichment state of a memory
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// TenantContext is the (companyId, appId, userId) triple scoping every record.
// UserID defaults to "anonymous" when absent.
type TenantContext struct {
	CompanyID string `json:"company_id"`
	AppID     string `json:"app_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Valid reports whether the tenant carries the required company id.
func (t TenantContext) Valid() bool {
	return t.CompanyID != ""
}

// Normalized returns a copy with the user id defaulted.
func (t TenantContext) Normalized() TenantContext {
	out := t
	if out.UserID == "" {
		out.UserID = "anonymous"
	}
	return out
}

// Memory is a single ingested memory row in the relational store.
// The same id keys the point in the vector index.
type Memory struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primary_key"`
	CompanyID        string           `json:"company_id" gorm:"index:idx_memories_tenant;not null"`
	AppID            string           `json:"app_id" gorm:"index:idx_memories_tenant"`
	UserID           string           `json:"user_id" gorm:"index:idx_memories_tenant"`
	SessionID        string           `json:"session_id,omitempty" gorm:"index"`
	ThreadID         string           `json:"thread_id,omitempty"`
	Content          string           `json:"content" gorm:"type:text;not null"`
	ContentHash      string           `json:"content_hash" gorm:"size:64;index:idx_memories_hash"`
	Tags             pq.StringArray   `json:"tags" gorm:"type:text[]"`
	Metadata         datatypes.JSON   `json:"metadata,omitempty"`
	Importance       *float64         `json:"importance,omitempty"`
	TriageDecision   TriageDecision   `json:"triage_decision" gorm:"size:32"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status" gorm:"size:16;default:pending"`
	EpisodeID        *uuid.UUID       `json:"episode_id,omitempty" gorm:"type:uuid"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Memory) TableName() string {
	return "memories"
}

// StoreMemoryRequest is the ingest body for POST /memory and /memory/async.
// Tenant fields are a fallback; headers win when present. snake_case is
// canonical on the wire; camelCase aliases are accepted for the id fields.
type StoreMemoryRequest struct {
	Content               string                 `json:"content"`
	CompanyID             string                 `json:"company_id,omitempty"`
	AppID                 string                 `json:"app_id,omitempty"`
	UserID                string                 `json:"user_id,omitempty"`
	SessionID             string                 `json:"session_id,omitempty"`
	Tags                  []string               `json:"tags,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	ForceEntityExtraction bool                   `json:"force_entity_extraction,omitempty"`
	ForceEpisodicStorage  bool                   `json:"force_episodic_storage,omitempty"`
	PreIdentifiedEntities []string               `json:"pre_identified_entities,omitempty"`
	EpisodeType           string                 `json:"episode_type,omitempty"`
	Importance            *float64               `json:"importance,omitempty"`

	CompanyIDAlias string `json:"companyId,omitempty"`
	AppIDAlias     string `json:"appId,omitempty"`
	UserIDAlias    string `json:"userId,omitempty"`
	SessionIDAlias string `json:"sessionId,omitempty"`
}

// Normalize folds camelCase alias fields into the canonical ones
func (r *StoreMemoryRequest) Normalize() {
	if r.CompanyID == "" {
		r.CompanyID = r.CompanyIDAlias
	}
	if r.AppID == "" {
		r.AppID = r.AppIDAlias
	}
	if r.UserID == "" {
		r.UserID = r.UserIDAlias
	}
	if r.SessionID == "" {
		r.SessionID = r.SessionIDAlias
	}
}

// StoragePath names one backend a write reached
type StoragePath string

const (
	StoragePathRelational StoragePath = "relational"
	StoragePathVector     StoragePath = "vector"
	StoragePathCache      StoragePath = "cache"
	StoragePathGraph      StoragePath = "graph"
	StoragePathQueue      StoragePath = "queue"
)

// StoreMemoryResult is returned by the synchronous ingest path
type StoreMemoryResult struct {
	MemoryID       uuid.UUID      `json:"memory_id"`
	EpisodeID      *uuid.UUID     `json:"episode_id,omitempty"`
	Entities       []string       `json:"entities,omitempty"`
	Facts          []Fact         `json:"facts,omitempty"`
	StoragePaths   []StoragePath  `json:"storage_paths"`
	TriageDecision TriageDecision `json:"triage_decision"`
	Duplicate      bool           `json:"duplicate"`
	LatencyMs      int64          `json:"latency_ms"`
}

// StoreMemoryAsyncResult is returned by the async-first ingest path
type StoreMemoryAsyncResult struct {
	MemoryID     uuid.UUID     `json:"memory_id"`
	Status       string        `json:"status"`
	StoragePaths []StoragePath `json:"storage_paths"`
	ContentHash  string        `json:"content_hash"`
	LatencyMs    int64         `json:"latency_ms"`
}

// TriageResult carries the classifier's decision with its confidence
type TriageResult struct {
	Decision   TriageDecision `json:"decision"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}
