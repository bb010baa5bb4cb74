package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/tas-graphrag/models"
)

// DocumentService owns the document ingestion pipeline: chunking, chunk
// embedding and fan-out to the relational and vector stores.
type DocumentService interface {
	CreateDocument(ctx context.Context, req *models.CreateDocumentRequest, tenant models.TenantContext) (*models.DocumentResult, error)
	GetDocument(ctx context.Context, id uuid.UUID, tenant models.TenantContext) (*models.DocumentResult, error)
	ListDocuments(ctx context.Context, query *models.DocumentListQuery, tenant models.TenantContext) ([]models.Document, int64, error)
	UpdateDocument(ctx context.Context, id uuid.UUID, req *models.UpdateDocumentRequest, tenant models.TenantContext) (*models.DocumentResult, error)
	DeleteDocument(ctx context.Context, id uuid.UUID, tenant models.TenantContext) error

	ListChunks(ctx context.Context, id uuid.UUID, tenant models.TenantContext) ([]models.Chunk, error)
	BuildContext(ctx context.Context, id uuid.UUID, tenant models.TenantContext, maxTokens int) (*models.DocumentContext, error)

	// IngestFromURL fetches the URL and runs the document pipeline on the
	// fetched body. Callers run it from a background task.
	IngestFromURL(ctx context.Context, req *models.IngestURLRequest, tenant models.TenantContext) (*models.DocumentResult, error)
}

// InteractionService captures conversational turns for later analysis
type InteractionService interface {
	CaptureInteraction(ctx context.Context, req *models.CaptureInteractionRequest, tenant models.TenantContext, platform, platformVersion string) (*models.Interaction, error)
	ListInteractions(ctx context.Context, tenant models.TenantContext, sessionID string, limit, offset int) ([]models.Interaction, int64, error)
}
