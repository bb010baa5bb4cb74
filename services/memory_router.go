package services

import (
	"context"

	"github.com/tas-graphrag/models"
)

// MemoryRouter is the single write entry point for memories. It produces a
// content fingerprint, deduplicates, fans out writes to the primary stores
// and schedules background enrichment.
type MemoryRouter interface {
	// StoreMemorySync performs the full fan-out inline. Vector and relational
	// writes are externally visible only when both succeed; partial failures
	// are compensated before the error returns.
	StoreMemorySync(ctx context.Context, req *models.StoreMemoryRequest, tenant models.TenantContext) (*models.StoreMemoryResult, error)

	// StoreMemoryAsync returns once the primary stores commit and schedules
	// enrichment in the background. Budgeted for 200ms p95.
	StoreMemoryAsync(ctx context.Context, req *models.StoreMemoryRequest, tenant models.TenantContext) (*models.StoreMemoryAsyncResult, error)
}

// RetrievalService answers hybrid retrieval requests across stores
type RetrievalService interface {
	Retrieve(ctx context.Context, req *models.RetrieveRequest, tenant models.TenantContext) (*models.RetrieveResult, error)
}
