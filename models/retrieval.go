package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RetrievalStrategy selects which sub-queries the engine fans out to
type RetrievalStrategy string

const (
	StrategySemanticChunks RetrievalStrategy = "semantic_chunks"
	StrategyGraphTraversal RetrievalStrategy = "graph_traversal"
	StrategyHybrid         RetrievalStrategy = "hybrid"
	StrategyAdaptive       RetrievalStrategy = "adaptive"
)

// ValidStrategy reports whether s names a known retrieval strategy.
func ValidStrategy(s RetrievalStrategy) bool {
	switch s {
	case StrategySemanticChunks, StrategyGraphTraversal, StrategyHybrid, StrategyAdaptive:
		return true
	}
	return false
}

// RetrievalSource names one sub-query backend that contributed a result
type RetrievalSource string

const (
	SourceVector   RetrievalSource = "vector"
	SourceFTS      RetrievalSource = "fts"
	SourceMetadata RetrievalSource = "metadata"
	SourceGraph    RetrievalSource = "graph"
)

// ContentType masks which collections a retrieval touches
type ContentType string

const (
	ContentTypeDocuments ContentType = "documents"
	ContentTypeMemories  ContentType = "memories"
	ContentTypeEpisodes  ContentType = "episodes"
	ContentTypeEntities  ContentType = "entities"
	ContentTypeAll       ContentType = "all"
)

// RetrieveRequest is the body for POST /retrieve and /search
type RetrieveRequest struct {
	Query        string                 `json:"query"`
	Strategy     RetrievalStrategy      `json:"strategy,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
	Rerank       bool                   `json:"rerank,omitempty"`
	ContentTypes []ContentType          `json:"content_types,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
}

// RetrievedItem is one merged result with its contributing sources in order
type RetrievedItem struct {
	ID        uuid.UUID              `json:"id"`
	Type      ContentType            `json:"type"`
	Score     float64                `json:"score"`
	Sources   []RetrievalSource      `json:"sources"`
	Title     string                 `json:"title,omitempty"`
	Snippet   string                 `json:"snippet,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
}

// RetrievalUsage reports per-sub-query outcome and timing
type RetrievalUsage struct {
	VectorMs      int64    `json:"vector_ms,omitempty"`
	FTSMs         int64    `json:"fts_ms,omitempty"`
	MetadataMs    int64    `json:"metadata_ms,omitempty"`
	GraphMs       int64    `json:"graph_ms,omitempty"`
	RerankMs      int64    `json:"rerank_ms,omitempty"`
	FailedSources []string `json:"failed_sources,omitempty"`
	Reranked      bool     `json:"reranked"`
}

// RetrieveResult is the engine's merged answer
type RetrieveResult struct {
	StrategyUsed   RetrievalStrategy               `json:"strategy_used"`
	Content        []RetrievedItem                 `json:"content"`
	Grouped        map[ContentType][]RetrievedItem `json:"grouped,omitempty"`
	RelevanceScore float64                         `json:"relevance_score"`
	Usage          RetrievalUsage                  `json:"usage"`
	LatencyMs      int64                           `json:"latency_ms"`
}

// RerankRequest is the body for POST /rerank. Documents may be plain strings
// or {id, content} objects; handlers normalize both into RerankDocument.
type RerankRequest struct {
	Query     string           `json:"query"`
	Documents []RerankDocument `json:"documents"`
	TopK      int              `json:"top_k,omitempty"`
}

// RerankDocument is one rerank candidate
type RerankDocument struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts either a bare string or an {id, content} object.
func (d *RerankDocument) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.Content)
	}
	type alias RerankDocument
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = RerankDocument(a)
	return nil
}

// RerankedDocument is one rerank result with its original index
type RerankedDocument struct {
	ID      string  `json:"id,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Index   int     `json:"index"`
}
