package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/pkg/observability"
	"github.com/tas-graphrag/services"
)

// MemoriesCollection is the vector collection for memory embeddings
const MemoriesCollection = "memories"

// asyncEmbedDeadline bounds the inline embedding call on the async path.
// Misses defer the vector write to the enrichment worker.
const asyncEmbedDeadline = 180 * time.Millisecond

// memoryRouterImpl is the single write entry point for memories. It owns
// deduplication, the primary-store fan-out with compensation, and the
// handoff to background enrichment.
type memoryRouterImpl struct {
	db        *gorm.DB
	vector    services.VectorStore
	cache     services.CacheService
	embedder  services.Embedder
	triage    services.TriageClassifier
	enricher  services.Enricher
	scheduler services.EnrichmentScheduler
	config    *config.Config
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewMemoryRouter creates the unified memory router
func NewMemoryRouter(
	db *gorm.DB,
	vector services.VectorStore,
	cache services.CacheService,
	embedder services.Embedder,
	triage services.TriageClassifier,
	enricher services.Enricher,
	scheduler services.EnrichmentScheduler,
	cfg *config.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) services.MemoryRouter {
	return &memoryRouterImpl{
		db:        db,
		vector:    vector,
		cache:     cache,
		embedder:  embedder,
		triage:    triage,
		enricher:  enricher,
		scheduler: scheduler,
		config:    cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// ContentFingerprint returns the hex SHA-256 of (companyId, appId, content).
// The same content from different tenants never collides into one key.
func ContentFingerprint(tenant models.TenantContext, content string) string {
	h := sha256.New()
	h.Write([]byte(tenant.CompanyID))
	h.Write([]byte{0})
	h.Write([]byte(tenant.AppID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// StoreMemorySync performs the full fan-out inline, including enrichment
func (r *memoryRouterImpl) StoreMemorySync(ctx context.Context, req *models.StoreMemoryRequest, tenant models.TenantContext) (*models.StoreMemoryResult, error) {
	start := time.Now()
	tenant = tenant.Normalized()
	if !tenant.Valid() {
		return nil, fmt.Errorf("tenant context is missing company id")
	}

	hash := ContentFingerprint(tenant, req.Content)
	memoryID := uuid.New()

	claimed, holderID, err := r.cache.ClaimIdempotencyKey(ctx, hash, memoryID, 0)
	if err != nil {
		// A cache outage must not block ingest; proceed without the window.
		r.logger.Warn("idempotency claim unavailable", zap.Error(err))
		claimed = true
		holderID = memoryID
	}
	if !claimed {
		r.metrics.MemoriesDuplicate.Inc()
		return r.duplicateResult(ctx, holderID, start), nil
	}

	triage, err := r.triage.Classify(ctx, req.Content, req)
	if err != nil {
		r.releaseClaim(hash)
		return nil, fmt.Errorf("triage failed: %w", err)
	}

	embedding, err := r.embedder.Embed(ctx, req.Content, services.EmbeddingKindDocument)
	if err != nil {
		r.releaseClaim(hash)
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	memory, err := r.buildMemory(memoryID, req, tenant, hash, triage.Decision)
	if err != nil {
		r.releaseClaim(hash)
		return nil, err
	}

	paths, err := r.writePrimaryStores(ctx, memory, embedding, hash)
	if err != nil {
		return nil, err
	}

	result := &models.StoreMemoryResult{
		MemoryID:       memoryID,
		StoragePaths:   paths,
		TriageDecision: triage.Decision,
	}

	if triage.Decision != models.TriageStoreOnly {
		job := &models.EnrichmentJob{
			JobID:       memoryID.String(),
			MemoryID:    memoryID,
			Content:     req.Content,
			Embedding:   embedding,
			Tenant:      tenant,
			Decision:    triage.Decision,
			EpisodeType: req.EpisodeType,
		}
		outcome, err := r.enricher.Enrich(ctx, job)
		if err != nil {
			// Primary stores committed; surface the partial success and let
			// the caller decide whether to retry enrichment.
			r.logger.Error("inline enrichment failed",
				zap.String("memory_id", memoryID.String()),
				zap.Error(err))
			r.markEnrichment(ctx, memoryID, models.EnrichmentFailed, nil)
		} else {
			result.Entities = outcome.Entities
			result.Facts = outcome.Facts
			result.EpisodeID = outcome.EpisodeID
			if outcome.EpisodeID != nil || len(outcome.Entities) > 0 {
				result.StoragePaths = append(result.StoragePaths, models.StoragePathGraph)
			}
			r.markEnrichment(ctx, memoryID, models.EnrichmentEnriched, outcome.EpisodeID)
		}
	} else {
		r.markEnrichment(ctx, memoryID, models.EnrichmentEnriched, nil)
	}

	r.cacheMemory(ctx, memory)
	result.StoragePaths = append(result.StoragePaths, models.StoragePathCache)

	result.LatencyMs = time.Since(start).Milliseconds()
	r.metrics.MemoriesStored.WithLabelValues("sync", string(triage.Decision)).Inc()
	r.metrics.IngestLatency.Observe(time.Since(start).Seconds())
	return result, nil
}

// StoreMemoryAsync returns once the primary stores commit. Embedding gets a
// short inline deadline; on a miss the vector write rides with the
// enrichment job instead of blocking the response.
func (r *memoryRouterImpl) StoreMemoryAsync(ctx context.Context, req *models.StoreMemoryRequest, tenant models.TenantContext) (*models.StoreMemoryAsyncResult, error) {
	start := time.Now()
	tenant = tenant.Normalized()
	if !tenant.Valid() {
		return nil, fmt.Errorf("tenant context is missing company id")
	}

	hash := ContentFingerprint(tenant, req.Content)
	memoryID := uuid.New()

	claimed, holderID, err := r.cache.ClaimIdempotencyKey(ctx, hash, memoryID, 0)
	if err != nil {
		r.logger.Warn("idempotency claim unavailable", zap.Error(err))
		claimed = true
		holderID = memoryID
	}
	if !claimed {
		r.metrics.MemoriesDuplicate.Inc()
		return &models.StoreMemoryAsyncResult{
			MemoryID:    holderID,
			Status:      "duplicate",
			ContentHash: hash,
			LatencyMs:   time.Since(start).Milliseconds(),
		}, nil
	}

	triage, err := r.triage.Classify(ctx, req.Content, req)
	if err != nil {
		r.releaseClaim(hash)
		return nil, fmt.Errorf("triage failed: %w", err)
	}

	var embedding []float32
	embedCtx, cancel := context.WithTimeout(ctx, asyncEmbedDeadline)
	embedding, embedErr := r.embedder.Embed(embedCtx, req.Content, services.EmbeddingKindDocument)
	cancel()
	if embedErr != nil {
		r.logger.Debug("inline embedding deferred to worker",
			zap.String("memory_id", memoryID.String()),
			zap.Error(embedErr))
		embedding = nil
	}

	memory, err := r.buildMemory(memoryID, req, tenant, hash, triage.Decision)
	if err != nil {
		r.releaseClaim(hash)
		return nil, err
	}

	paths := []models.StoragePath{models.StoragePathRelational}
	if err := r.db.WithContext(ctx).Create(memory).Error; err != nil {
		r.releaseClaim(hash)
		return nil, fmt.Errorf("relational write failed: %w", err)
	}

	vectorDeferred := embedding == nil
	if embedding != nil {
		point := services.VectorPoint{
			ID:        memoryID,
			Embedding: embedding,
			Content:   req.Content,
			Payload:   r.vectorPayload(memory),
		}
		if err := r.vector.Upsert(ctx, MemoriesCollection, []services.VectorPoint{point}); err != nil {
			r.logger.Warn("vector write deferred to worker",
				zap.String("memory_id", memoryID.String()),
				zap.Error(err))
			vectorDeferred = true
		} else {
			paths = append(paths, models.StoragePathVector)
		}
	}

	// Enrichment job also carries the deferred vector write when needed.
	if triage.Decision != models.TriageStoreOnly || vectorDeferred {
		job := &models.EnrichmentJob{
			JobID:       memoryID.String(),
			MemoryID:    memoryID,
			Content:     req.Content,
			Embedding:   embedding,
			Tenant:      tenant,
			Decision:    triage.Decision,
			EpisodeType: req.EpisodeType,
		}
		if err := r.scheduler.Enqueue(ctx, job); err != nil {
			if vectorDeferred && errors.Is(err, services.ErrQueueFull) {
				// The deferred vector write has no other carrier; without the
				// job the stores never converge, so undo the relational write.
				r.metrics.PartialWrites.Inc()
				if delErr := r.db.WithContext(ctx).Delete(&models.Memory{}, "id = ?", memoryID).Error; delErr != nil {
					r.logger.Error("compensation failed, relational row orphaned",
						zap.String("memory_id", memoryID.String()),
						zap.Error(delErr))
				}
				r.releaseClaim(hash)
				return nil, fmt.Errorf("enrichment enqueue failed: %w", err)
			}
			r.logger.Error("enrichment enqueue failed",
				zap.String("memory_id", memoryID.String()),
				zap.Error(err))
		} else {
			paths = append(paths, models.StoragePathQueue)
		}
	} else {
		r.markEnrichment(ctx, memoryID, models.EnrichmentEnriched, nil)
	}

	r.cacheMemory(ctx, memory)
	paths = append(paths, models.StoragePathCache)

	r.metrics.MemoriesStored.WithLabelValues("async", string(triage.Decision)).Inc()
	r.metrics.IngestLatency.Observe(time.Since(start).Seconds())

	return &models.StoreMemoryAsyncResult{
		MemoryID:     memoryID,
		Status:       "accepted",
		StoragePaths: paths,
		ContentHash:  hash,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// writePrimaryStores commits the relational row then the vector point.
// A vector failure rolls back the relational row so neither store exposes a
// half-written memory.
func (r *memoryRouterImpl) writePrimaryStores(ctx context.Context, memory *models.Memory, embedding []float32, hash string) ([]models.StoragePath, error) {
	if err := r.db.WithContext(ctx).Create(memory).Error; err != nil {
		r.releaseClaim(hash)
		return nil, fmt.Errorf("relational write failed: %w", err)
	}

	point := services.VectorPoint{
		ID:        memory.ID,
		Embedding: embedding,
		Content:   memory.Content,
		Payload:   r.vectorPayload(memory),
	}
	if err := r.vector.Upsert(ctx, MemoriesCollection, []services.VectorPoint{point}); err != nil {
		r.metrics.PartialWrites.Inc()
		if delErr := r.db.WithContext(ctx).Delete(&models.Memory{}, "id = ?", memory.ID).Error; delErr != nil {
			r.logger.Error("compensation failed, relational row orphaned",
				zap.String("memory_id", memory.ID.String()),
				zap.Error(delErr))
		}
		r.releaseClaim(hash)
		return nil, fmt.Errorf("vector write failed: %w", err)
	}

	return []models.StoragePath{models.StoragePathRelational, models.StoragePathVector}, nil
}

func (r *memoryRouterImpl) buildMemory(id uuid.UUID, req *models.StoreMemoryRequest, tenant models.TenantContext, hash string, decision models.TriageDecision) (*models.Memory, error) {
	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = data
	}

	return &models.Memory{
		ID:               id,
		CompanyID:        tenant.CompanyID,
		AppID:            tenant.AppID,
		UserID:           tenant.UserID,
		SessionID:        tenant.SessionID,
		ThreadID:         tenant.ThreadID,
		Content:          req.Content,
		ContentHash:      hash,
		Tags:             req.Tags,
		Metadata:         metadata,
		Importance:       req.Importance,
		TriageDecision:   decision,
		EnrichmentStatus: models.EnrichmentPending,
	}, nil
}

func (r *memoryRouterImpl) vectorPayload(memory *models.Memory) map[string]interface{} {
	payload := map[string]interface{}{
		"company_id":   memory.CompanyID,
		"app_id":       memory.AppID,
		"user_id":      memory.UserID,
		"content_type": string(models.ContentTypeMemories),
	}
	if memory.SessionID != "" {
		payload["session_id"] = memory.SessionID
	}
	if len(memory.Tags) > 0 {
		payload["tags"] = []string(memory.Tags)
	}
	return payload
}

func (r *memoryRouterImpl) duplicateResult(ctx context.Context, holderID uuid.UUID, start time.Time) *models.StoreMemoryResult {
	result := &models.StoreMemoryResult{
		MemoryID:  holderID,
		Duplicate: true,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	var existing models.Memory
	if err := r.db.WithContext(ctx).First(&existing, "id = ?", holderID).Error; err == nil {
		result.TriageDecision = existing.TriageDecision
		result.EpisodeID = existing.EpisodeID
	}
	return result
}

// releaseClaim frees the idempotency key after a failed write so the caller
// can retry immediately. Uses a detached context so cancellation of the
// request does not leak the claim.
func (r *memoryRouterImpl) releaseClaim(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cache.ReleaseIdempotencyKey(ctx, hash); err != nil {
		r.logger.Warn("failed to release idempotency key", zap.Error(err))
	}
}

func (r *memoryRouterImpl) markEnrichment(ctx context.Context, memoryID uuid.UUID, status models.EnrichmentStatus, episodeID *uuid.UUID) {
	updates := map[string]interface{}{"enrichment_status": status}
	if episodeID != nil {
		updates["episode_id"] = *episodeID
	}
	if err := r.db.WithContext(ctx).Model(&models.Memory{}).Where("id = ?", memoryID).Updates(updates).Error; err != nil {
		r.logger.Warn("failed to update enrichment status",
			zap.String("memory_id", memoryID.String()),
			zap.Error(err))
	}
}

// cacheMemory is best-effort; a cache failure never fails the ingest
func (r *memoryRouterImpl) cacheMemory(ctx context.Context, memory *models.Memory) {
	data, err := json.Marshal(memory)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, "memory:"+memory.ID.String(), data, 0); err != nil {
		r.logger.Debug("memory cache write failed", zap.Error(err))
	}
}
