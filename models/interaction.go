package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Interaction captures one conversational turn. The user id is stored only
// as a one-way hash.
type Interaction struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CompanyID       string         `json:"company_id" gorm:"index:idx_interactions_tenant;not null"`
	AppID           string         `json:"app_id" gorm:"index:idx_interactions_tenant"`
	UserIDHash      string         `json:"user_id_hash" gorm:"size:64;index"`
	SessionID       string         `json:"session_id" gorm:"index"`
	ThreadID        string         `json:"thread_id,omitempty"`
	ParentID        *uuid.UUID     `json:"parent_id,omitempty" gorm:"type:uuid"`
	Platform        string         `json:"platform" gorm:"size:64"`
	PlatformVersion string         `json:"platform_version,omitempty" gorm:"size:64"`
	UserText        string         `json:"user_text" gorm:"type:text"`
	AssistantText   string         `json:"assistant_text" gorm:"type:text"`
	ToolCalls       datatypes.JSON `json:"tool_calls,omitempty"`
	ModelUsed       string         `json:"model_used,omitempty" gorm:"size:128"`
	ModelProvider   string         `json:"model_provider,omitempty" gorm:"size:64"`
	PromptTokens    int            `json:"prompt_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	CostUSD         float64        `json:"cost_usd"`
	LatencyMs       int64          `json:"latency_ms"`
	MemoryRefs      pq.StringArray `json:"memory_refs" gorm:"type:text[]"`
	DocumentRefs    pq.StringArray `json:"document_refs" gorm:"type:text[]"`
	EntityRefs      pq.StringArray `json:"entity_refs" gorm:"type:text[]"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (Interaction) TableName() string {
	return "interactions"
}

// CaptureInteractionRequest is the body for POST /interactions
type CaptureInteractionRequest struct {
	SessionID     string                 `json:"session_id" binding:"required"`
	ThreadID      string                 `json:"thread_id,omitempty"`
	ParentID      *uuid.UUID             `json:"parent_id,omitempty"`
	UserText      string                 `json:"user_text"`
	AssistantText string                 `json:"assistant_text"`
	ToolCalls     []map[string]interface{} `json:"tool_calls,omitempty"`
	PromptTokens  int                    `json:"prompt_tokens,omitempty"`
	OutputTokens  int                    `json:"output_tokens,omitempty"`
	CostUSD       float64                `json:"cost_usd,omitempty"`
	LatencyMs     int64                  `json:"latency_ms,omitempty"`
	MemoryRefs    []string               `json:"memory_refs,omitempty"`
	DocumentRefs  []string               `json:"document_refs,omitempty"`
	EntityRefs    []string               `json:"entity_refs,omitempty"`
}
