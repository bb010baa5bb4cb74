package services

import (
	"context"

	"github.com/tas-graphrag/models"
)

// EmbeddingKind distinguishes document-side from query-side embeddings
type EmbeddingKind string

const (
	EmbeddingKindDocument EmbeddingKind = "document"
	EmbeddingKindQuery    EmbeddingKind = "query"
)

// Embedder computes fixed-dimension embeddings. Implementations own their
// retries, circuit breaking and caching; callers see only the final error.
type Embedder interface {
	Embed(ctx context.Context, text string, kind EmbeddingKind) ([]float32, error)
	Dimension() int
}

// Reranker reorders candidate documents against a query
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []models.RerankDocument, topK int) ([]models.RerankedDocument, error)
}

// EntityExtractor derives entities from raw content
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, content string, preIdentified []string) ([]models.ExtractedEntity, error)
}

// FactExtractor derives (subject, predicate, object) triples given the
// entity set already extracted from the same content
type FactExtractor interface {
	ExtractFacts(ctx context.Context, content string, entities []models.ExtractedEntity) ([]models.Fact, error)
}

// Summarizer produces an episodic summary of content
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// TriageClassifier decides the storage fan-out for new content
type TriageClassifier interface {
	Classify(ctx context.Context, content string, req *models.StoreMemoryRequest) (*models.TriageResult, error)
}
