// Package retrieval implements the hybrid retrieval engine: parallel
// sub-queries across the vector index, relational full-text search, metadata
// filters and the property graph, merged under one weighted ranking.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
	"github.com/tas-graphrag/services"
)

const (
	memoriesCollection = "memories"
	chunksCollection   = "chunks"

	defaultLimit = 10
	maxLimit     = 50

	// graphWeight scores graph-derived items; the three configured weights
	// cover the other sources.
	graphWeight = 0.15

	snippetLen = 240
)

// Engine answers retrieval requests. All sub-queries run in parallel under
// one deadline; a sub-query failure degrades the answer instead of failing
// it, unless every source fails.
type Engine struct {
	db       *gorm.DB
	vector   services.VectorStore
	graph    services.GraphStore
	embedder services.Embedder
	reranker services.Reranker
	config   *config.RetrievalConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewEngine creates the hybrid retrieval engine
func NewEngine(
	db *gorm.DB,
	vector services.VectorStore,
	graph services.GraphStore,
	embedder services.Embedder,
	reranker services.Reranker,
	cfg *config.RetrievalConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:       db,
		vector:   vector,
		graph:    graph,
		embedder: embedder,
		reranker: reranker,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

type sourceHits struct {
	source models.RetrievalSource
	items  []models.RetrievedItem
	took   time.Duration
	err    error
}

// Retrieve implements services.RetrievalService
func (e *Engine) Retrieve(ctx context.Context, req *models.RetrieveRequest, tenant models.TenantContext) (*models.RetrieveResult, error) {
	start := time.Now()
	tenant = tenant.Normalized()
	if !tenant.Valid() {
		return nil, fmt.Errorf("tenant context is missing company id")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = models.StrategyHybrid
	}
	if !models.ValidStrategy(strategy) {
		return nil, fmt.Errorf("unknown retrieval strategy %q", strategy)
	}
	resolved := strategy
	if strategy == models.StrategyAdaptive {
		resolved = e.resolveAdaptive(req.Query)
	}
	e.metrics.RetrievalRequests.WithLabelValues(string(resolved)).Inc()

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	deadline := time.Duration(e.config.DeadlineSec) * time.Second
	queryCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	types := contentTypeSet(req.ContentTypes)

	wantVector := resolved != models.StrategyGraphTraversal
	wantFTS := resolved == models.StrategyHybrid
	wantMetadata := resolved == models.StrategyHybrid
	wantGraph := resolved == models.StrategyGraphTraversal || resolved == models.StrategyHybrid

	// Fetch enough per source for a meaningful merge.
	fetch := limit + req.Offset
	if fetch < 20 {
		fetch = 20
	}

	var queryEmbedding []float32
	if wantVector {
		var err error
		queryEmbedding, err = e.embedder.Embed(queryCtx, req.Query, services.EmbeddingKindQuery)
		if err != nil {
			// Degrade to the lexical sources rather than fail outright.
			e.logger.Warn("query embedding failed, degrading to lexical retrieval", zap.Error(err))
			e.metrics.SubQueryFailures.WithLabelValues(string(models.SourceVector)).Inc()
			wantVector = false
			wantFTS = true
			wantMetadata = true
		}
	}

	var (
		mu   sync.Mutex
		hits []sourceHits
	)
	collect := func(h sourceHits) {
		mu.Lock()
		hits = append(hits, h)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(queryCtx)
	if wantVector {
		g.Go(func() error {
			collect(e.vectorQuery(gctx, queryEmbedding, tenant, types, fetch))
			return nil
		})
	}
	if wantFTS {
		g.Go(func() error {
			collect(e.ftsQuery(gctx, req.Query, tenant, types, fetch))
			return nil
		})
	}
	if wantMetadata {
		g.Go(func() error {
			collect(e.metadataQuery(gctx, req, tenant, types, fetch))
			return nil
		})
	}
	if wantGraph {
		g.Go(func() error {
			collect(e.graphQuery(gctx, req.Query, tenant, types, fetch))
			return nil
		})
	}
	g.Wait()

	usage := models.RetrievalUsage{}
	succeeded := 0
	var lastErr error
	for _, h := range hits {
		switch h.source {
		case models.SourceVector:
			usage.VectorMs = h.took.Milliseconds()
		case models.SourceFTS:
			usage.FTSMs = h.took.Milliseconds()
		case models.SourceMetadata:
			usage.MetadataMs = h.took.Milliseconds()
		case models.SourceGraph:
			usage.GraphMs = h.took.Milliseconds()
		}
		if h.err != nil {
			usage.FailedSources = append(usage.FailedSources, string(h.source))
			e.metrics.SubQueryFailures.WithLabelValues(string(h.source)).Inc()
			e.logger.Warn("retrieval sub-query failed",
				zap.String("source", string(h.source)),
				zap.Error(h.err))
			lastErr = h.err
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("all retrieval sources failed: %w", lastErr)
		}
		return nil, fmt.Errorf("no retrieval sources available for strategy %s", resolved)
	}

	merged := e.merge(hits)

	vectorContributed := false
	for _, h := range hits {
		if h.source == models.SourceVector && h.err == nil && len(h.items) > 0 {
			vectorContributed = true
		}
	}

	// Rerank is only meaningful over semantically retrieved candidates.
	if req.Rerank && e.reranker != nil && vectorContributed && len(merged) > 1 {
		rerankStart := time.Now()
		reranked, err := e.rerank(queryCtx, req.Query, merged, limit)
		usage.RerankMs = time.Since(rerankStart).Milliseconds()
		if err != nil {
			e.logger.Warn("rerank failed, keeping merged order", zap.Error(err))
		} else {
			merged = reranked
			usage.Reranked = true
		}
	}

	if req.Offset > 0 {
		if req.Offset >= len(merged) {
			merged = nil
		} else {
			merged = merged[req.Offset:]
		}
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}

	result := &models.RetrieveResult{
		StrategyUsed:   resolved,
		Content:        merged,
		Grouped:        groupByType(merged),
		RelevanceScore: topRelevance(merged),
		Usage:          usage,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	e.metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	return result, nil
}

// resolveAdaptive picks a concrete strategy from the query's shape. Short
// keyword queries skip the graph; queries naming entities lean on it.
func (e *Engine) resolveAdaptive(query string) models.RetrievalStrategy {
	words := strings.Fields(query)
	properNouns := seedTerms(query)

	switch {
	case len(properNouns) >= 2:
		return models.StrategyHybrid
	case len(properNouns) == 1 && len(words) <= 4:
		return models.StrategyGraphTraversal
	case len(words) <= 3:
		return models.StrategySemanticChunks
	default:
		return models.StrategyHybrid
	}
}

func contentTypeSet(requested []models.ContentType) map[models.ContentType]bool {
	set := make(map[models.ContentType]bool)
	if len(requested) == 0 {
		set[models.ContentTypeAll] = true
		return set
	}
	for _, t := range requested {
		set[t] = true
	}
	return set
}

func wants(set map[models.ContentType]bool, t models.ContentType) bool {
	return set[models.ContentTypeAll] || set[t]
}

func (e *Engine) vectorQuery(ctx context.Context, embedding []float32, tenant models.TenantContext, types map[models.ContentType]bool, fetch int) sourceHits {
	start := time.Now()
	out := sourceHits{source: models.SourceVector}

	filter := map[string]interface{}{"company_id": tenant.CompanyID}
	if tenant.AppID != "" {
		filter["app_id"] = tenant.AppID
	}

	var items []models.RetrievedItem
	if wants(types, models.ContentTypeMemories) || wants(types, models.ContentTypeEpisodes) {
		matches, err := e.vector.Search(ctx, memoriesCollection, embedding, fetch, filter)
		if err != nil {
			out.err = err
			out.took = time.Since(start)
			return out
		}
		for _, m := range matches {
			items = append(items, vectorItem(m, models.ContentTypeMemories))
		}
	}
	if wants(types, models.ContentTypeDocuments) {
		matches, err := e.vector.Search(ctx, chunksCollection, embedding, fetch, filter)
		if err != nil {
			out.err = err
			out.took = time.Since(start)
			return out
		}
		for _, m := range matches {
			items = append(items, vectorItem(m, models.ContentTypeDocuments))
		}
	}

	out.items = items
	out.took = time.Since(start)
	return out
}

func vectorItem(m services.VectorMatch, t models.ContentType) models.RetrievedItem {
	item := models.RetrievedItem{
		ID:      m.ID,
		Type:    t,
		Score:   m.Score,
		Sources: []models.RetrievalSource{models.SourceVector},
		Snippet: snippet(m.Content),
	}
	if docID, ok := m.Payload["document_id"].(string); ok {
		item.Metadata = map[string]interface{}{"document_id": docID}
	}
	return item
}

type ftsRow struct {
	ID        uuid.UUID
	Content   string
	Rank      float64
	CreatedAt time.Time
}

func (e *Engine) ftsQuery(ctx context.Context, query string, tenant models.TenantContext, types map[models.ContentType]bool, fetch int) sourceHits {
	start := time.Now()
	out := sourceHits{source: models.SourceFTS}

	var items []models.RetrievedItem
	if wants(types, models.ContentTypeMemories) {
		rows, err := e.ftsTable(ctx, "memories", query, tenant, fetch)
		if err != nil {
			out.err = err
			out.took = time.Since(start)
			return out
		}
		for _, r := range rows {
			items = append(items, ftsItem(r, models.ContentTypeMemories))
		}
	}
	if wants(types, models.ContentTypeDocuments) {
		rows, err := e.ftsTable(ctx, "documents", query, tenant, fetch)
		if err != nil {
			out.err = err
			out.took = time.Since(start)
			return out
		}
		for _, r := range rows {
			items = append(items, ftsItem(r, models.ContentTypeDocuments))
		}
	}

	out.items = items
	out.took = time.Since(start)
	return out
}

func (e *Engine) ftsTable(ctx context.Context, table, query string, tenant models.TenantContext, fetch int) ([]ftsRow, error) {
	var rows []ftsRow
	sql := fmt.Sprintf(`SELECT id, content, created_at,
  ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?)) AS rank
FROM %s
WHERE company_id = ?
  AND to_tsvector('english', content) @@ plainto_tsquery('english', ?)
ORDER BY rank DESC
LIMIT ?`, table)
	err := e.db.WithContext(ctx).Raw(sql, query, tenant.CompanyID, query, fetch).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("full-text query on %s failed: %w", table, err)
	}
	return rows, nil
}

func ftsItem(r ftsRow, t models.ContentType) models.RetrievedItem {
	return models.RetrievedItem{
		ID:        r.ID,
		Type:      t,
		Score:     normalizeRank(r.Rank),
		Sources:   []models.RetrievalSource{models.SourceFTS},
		Snippet:   snippet(r.Content),
		CreatedAt: r.CreatedAt,
	}
}

// normalizeRank squashes ts_rank output (unbounded above) into (0,1]
func normalizeRank(rank float64) float64 {
	return rank / (rank + 0.1)
}

func (e *Engine) metadataQuery(ctx context.Context, req *models.RetrieveRequest, tenant models.TenantContext, types map[models.ContentType]bool, fetch int) sourceHits {
	start := time.Now()
	out := sourceHits{source: models.SourceMetadata}

	if !wants(types, models.ContentTypeMemories) {
		out.took = time.Since(start)
		return out
	}

	q := e.db.WithContext(ctx).Model(&models.Memory{}).
		Where("company_id = ?", tenant.CompanyID)
	if tenant.AppID != "" {
		q = q.Where("app_id = ?", tenant.AppID)
	}

	// Query terms double as tag candidates.
	terms := strings.Fields(strings.ToLower(req.Query))
	constrained := false
	if len(terms) > 0 {
		q = q.Where("tags && ?", toTextArray(terms))
		constrained = true
	}
	for key, value := range req.Filters {
		q = q.Where("metadata ->> ? = ?", key, fmt.Sprintf("%v", value))
		constrained = true
	}
	if !constrained {
		out.took = time.Since(start)
		return out
	}

	var memories []models.Memory
	if err := q.Order("created_at DESC").Limit(fetch).Find(&memories).Error; err != nil {
		out.err = fmt.Errorf("metadata query failed: %w", err)
		out.took = time.Since(start)
		return out
	}

	for _, m := range memories {
		out.items = append(out.items, models.RetrievedItem{
			ID:        m.ID,
			Type:      models.ContentTypeMemories,
			Score:     0.8,
			Sources:   []models.RetrievalSource{models.SourceMetadata},
			Snippet:   snippet(m.Content),
			CreatedAt: m.CreatedAt,
		})
	}
	out.took = time.Since(start)
	return out
}

func (e *Engine) graphQuery(ctx context.Context, query string, tenant models.TenantContext, types map[models.ContentType]bool, fetch int) sourceHits {
	start := time.Now()
	out := sourceHits{source: models.SourceGraph}

	if !wants(types, models.ContentTypeEntities) && !wants(types, models.ContentTypeMemories) {
		out.took = time.Since(start)
		return out
	}

	seeds := seedTerms(query)
	if len(seeds) == 0 {
		out.took = time.Since(start)
		return out
	}

	neighbors, err := e.graph.Traverse(ctx, tenant, seeds, e.config.GraphHops, fetch)
	if err != nil {
		out.err = err
		out.took = time.Since(start)
		return out
	}
	if len(neighbors) == 0 {
		out.took = time.Since(start)
		return out
	}

	maxWeight := neighbors[0].Weight
	for _, n := range neighbors {
		if n.Weight > maxWeight {
			maxWeight = n.Weight
		}
	}
	if maxWeight == 0 {
		maxWeight = 1
	}

	for _, n := range neighbors {
		var entity models.Entity
		err := e.db.WithContext(ctx).
			Where("company_id = ? AND name = ?", tenant.CompanyID, n.Name).
			First(&entity).Error
		if err != nil {
			continue
		}
		// Closer neighbors score higher.
		score := (n.Weight / maxWeight) / float64(n.Hops)
		out.items = append(out.items, models.RetrievedItem{
			ID:        entity.ID,
			Type:      models.ContentTypeEntities,
			Score:     score,
			Sources:   []models.RetrievalSource{models.SourceGraph},
			Title:     entity.Name,
			Snippet:   snippet(entity.Content),
			CreatedAt: entity.CreatedAt,
			Metadata: map[string]interface{}{
				"entity_type": entity.EntityType,
				"hops":        n.Hops,
			},
		})
	}
	out.took = time.Since(start)
	return out
}

var seedPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)

// seedTerms pulls capitalized runs from the query as graph seeds
func seedTerms(query string) []string {
	matches := seedPattern.FindAllString(query, -1)
	seen := make(map[string]bool, len(matches))
	var seeds []string
	for _, m := range matches {
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		seeds = append(seeds, m)
	}
	return seeds
}

// merge combines sub-query hits into one ranking. An item found by several
// sources accumulates each source's weighted score.
func (e *Engine) merge(hits []sourceHits) []models.RetrievedItem {
	weightFor := map[models.RetrievalSource]float64{
		models.SourceVector:   e.config.VectorWeight,
		models.SourceFTS:      e.config.FTSWeight,
		models.SourceMetadata: e.config.MetadataWeight,
		models.SourceGraph:    graphWeight,
	}

	byID := make(map[uuid.UUID]*models.RetrievedItem)
	var order []uuid.UUID
	for _, h := range hits {
		if h.err != nil {
			continue
		}
		weight := weightFor[h.source]
		for _, item := range h.items {
			existing, ok := byID[item.ID]
			if !ok {
				copied := item
				copied.Score = item.Score * weight
				byID[item.ID] = &copied
				order = append(order, item.ID)
				continue
			}
			existing.Score += item.Score * weight
			existing.Sources = append(existing.Sources, h.source)
			if existing.Snippet == "" {
				existing.Snippet = item.Snippet
			}
		}
	}

	merged := make([]models.RetrievedItem, 0, len(byID))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	// Score first; ties rank the item more sources agree on, then the
	// more recent one.
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Sources) != len(b.Sources) {
			return len(a.Sources) > len(b.Sources)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return merged
}

// rerank reorders the top 2·limit candidates through the cross-encoder,
// leaving the tail in merge order.
func (e *Engine) rerank(ctx context.Context, query string, merged []models.RetrievedItem, limit int) ([]models.RetrievedItem, error) {
	n := 2 * limit
	if n > e.config.MaxRerank {
		n = e.config.MaxRerank
	}
	if n > len(merged) {
		n = len(merged)
	}

	docs := make([]models.RerankDocument, n)
	for i := 0; i < n; i++ {
		docs[i] = models.RerankDocument{
			ID:      merged[i].ID.String(),
			Content: merged[i].Snippet,
		}
	}

	ranked, err := e.reranker.Rerank(ctx, query, docs, n)
	if err != nil {
		return nil, err
	}

	out := make([]models.RetrievedItem, 0, len(merged))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= n {
			continue
		}
		item := merged[r.Index]
		item.Score = r.Score
		out = append(out, item)
	}
	out = append(out, merged[n:]...)
	return out, nil
}

func groupByType(items []models.RetrievedItem) map[models.ContentType][]models.RetrievedItem {
	if len(items) == 0 {
		return nil
	}
	grouped := make(map[models.ContentType][]models.RetrievedItem)
	for _, item := range items {
		grouped[item.Type] = append(grouped[item.Type], item)
	}
	return grouped
}

// topRelevance is the mean score of the top three results
func topRelevance(items []models.RetrievedItem) float64 {
	if len(items) == 0 {
		return 0
	}
	n := len(items)
	if n > 3 {
		n = 3
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += items[i].Score
	}
	return sum / float64(n)
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetLen {
		return content
	}
	cut := content[:snippetLen]
	if idx := strings.LastIndex(cut, " "); idx > snippetLen/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// toTextArray renders terms as a Postgres text[] literal for the overlap
// operator
func toTextArray(terms []string) string {
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = strings.ReplaceAll(t, `"`, ``)
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
