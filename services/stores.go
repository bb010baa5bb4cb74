package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tas-graphrag/models"
)

// VectorPoint is one embedding plus payload in a vector collection
type VectorPoint struct {
	ID        uuid.UUID              `json:"id"`
	Embedding []float32              `json:"embedding"`
	Content   string                 `json:"content"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// VectorMatch is one similarity hit
type VectorMatch struct {
	ID      uuid.UUID              `json:"id"`
	Score   float64                `json:"score"`
	Content string                 `json:"content"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// VectorStore adapts the vector index backend. One collection per content
// type; points are keyed by the owning record's id.
type VectorStore interface {
	EnsureCollection(ctx context.Context, collection string) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
	Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]interface{}) ([]VectorMatch, error)
	Delete(ctx context.Context, collection string, ids []uuid.UUID) error
	DeleteByDocument(ctx context.Context, collection string, documentID uuid.UUID) error
	Ping(ctx context.Context) error
}

// GraphEntity is a node write for the property graph. MERGE semantics:
// matched nodes bump mention_count and raise confidence monotonically.
type GraphEntity struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Domain     string  `json:"domain,omitempty"`
	Confidence float64 `json:"confidence"`
}

// GraphFact is a directed relationship write keyed by predicate
type GraphFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Provenance string  `json:"provenance,omitempty"`
}

// GraphNeighbor is one node reached by traversal with its path distance
type GraphNeighbor struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Hops       int     `json:"hops"`
	Weight     float64 `json:"weight"`
}

// GraphStore adapts the property-graph backend. All writes are tenant-scoped
// and convergent under redelivery.
type GraphStore interface {
	MergeEntities(ctx context.Context, tenant models.TenantContext, entities []GraphEntity) error
	MergeFacts(ctx context.Context, tenant models.TenantContext, facts []GraphFact) error
	LinkEpisode(ctx context.Context, tenant models.TenantContext, episodeID uuid.UUID, summary string, entityNames []string) error
	Traverse(ctx context.Context, tenant models.TenantContext, seeds []string, hops int, limit int) ([]GraphNeighbor, error)
	DeleteTenant(ctx context.Context, tenant models.TenantContext) error
	Ping(ctx context.Context) error
}

// CacheService wraps the cache store: hot reads, idempotency keys, the
// embedding cache and the pub-sub event channel.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Idempotency window for (tenant, content-hash) keys. SetNX returns false
	// and the holder's value when the key is already claimed.
	ClaimIdempotencyKey(ctx context.Context, key string, memoryID uuid.UUID, ttl time.Duration) (bool, uuid.UUID, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error

	GetEmbedding(ctx context.Context, contentHash string) ([]float32, error)
	SetEmbedding(ctx context.Context, contentHash string, embedding []float32) error

	Publish(ctx context.Context, event interface{}) error
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)

	Ping(ctx context.Context) error
}
