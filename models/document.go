package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ChunkType tags the structural role of a chunk within its document
type ChunkType string

const (
	ChunkTypeParagraph ChunkType = "paragraph"
	ChunkTypeCode      ChunkType = "code"
	ChunkTypeHeader    ChunkType = "header"
)

// Document owns an ordered sequence of chunks. Deleting a document deletes
// its chunks from every store.
type Document struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CompanyID   string         `json:"company_id" gorm:"index:idx_documents_tenant;not null"`
	AppID       string         `json:"app_id" gorm:"index:idx_documents_tenant"`
	UserID      string         `json:"user_id" gorm:"index:idx_documents_tenant"`
	Title       string         `json:"title" gorm:"size:512"`
	Content     string         `json:"content" gorm:"type:text"`
	ContentHash string         `json:"content_hash" gorm:"size:64;index"`
	SourceURL   string         `json:"source_url,omitempty" gorm:"size:2048"`
	ContentType string         `json:"content_type,omitempty" gorm:"size:128"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	ChunkCount  int            `json:"chunk_count"`
	TokenCount  int            `json:"token_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk is a byte-range slice of a document with its own embedding point.
// Positions are non-overlapping and monotonic within a document.
type Chunk struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	DocumentID uuid.UUID      `json:"document_id" gorm:"type:uuid;index;not null"`
	CompanyID  string         `json:"company_id" gorm:"index"`
	AppID      string         `json:"app_id"`
	ChunkIndex int            `json:"chunk_index"`
	StartByte  int            `json:"start_byte"`
	EndByte    int            `json:"end_byte"`
	Content    string         `json:"content" gorm:"type:text"`
	TokenCount int            `json:"token_count"`
	ChunkType  ChunkType      `json:"chunk_type" gorm:"size:16;default:paragraph"`
	PageNumber *int           `json:"page_number,omitempty"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// CreateDocumentRequest is the body for POST /documents
type CreateDocumentRequest struct {
	Title       string                 `json:"title"`
	Content     string                 `json:"content" binding:"required"`
	SourceURL   string                 `json:"source_url,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateDocumentRequest is the body for PUT /documents/:id
type UpdateDocumentRequest struct {
	Title    *string                `json:"title,omitempty"`
	Content  *string                `json:"content,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IngestURLRequest is the body for POST /documents/url. The fetch and the
// document pipeline run in a background task; the response carries the task
// id for status polling.
type IngestURLRequest struct {
	URL         string   `json:"url" binding:"required"`
	Title       string   `json:"title,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// DocumentContext is a document's chunks assembled into one retrieval
// context block, truncated to a token budget.
type DocumentContext struct {
	DocumentID uuid.UUID `json:"document_id"`
	Title      string    `json:"title"`
	Context    string    `json:"context"`
	ChunkCount int       `json:"chunk_count"`
	TokenCount int       `json:"token_count"`
	Truncated  bool      `json:"truncated"`
}

// DocumentResult is the response shape for document reads and creates
type DocumentResult struct {
	Document   *Document `json:"document"`
	ChunkCount int       `json:"chunk_count"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
}

// DocumentListQuery filters GET /documents
type DocumentListQuery struct {
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
	Tags   []string `json:"tags,omitempty"`
}
