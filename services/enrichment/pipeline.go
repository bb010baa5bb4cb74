package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// memoriesCollection mirrors the router's collection name for deferred
// vector writes.
const memoriesCollection = "memories"

// ProgressFunc reports pipeline progress in percent
type ProgressFunc func(progress int)

// Pipeline runs enrichment for one job: ensure the vector point exists, then
// extract entities and facts into the graph, then the episodic summary.
// Every write is convergent, so a redelivered job is safe.
type Pipeline struct {
	db        *gorm.DB
	vector    services.VectorStore
	graph     services.GraphStore
	embedder  services.Embedder
	entities  services.EntityExtractor
	facts     services.FactExtractor
	summarize services.Summarizer
	logger    *zap.Logger
}

// NewPipeline creates the enrichment pipeline
func NewPipeline(
	db *gorm.DB,
	vector services.VectorStore,
	graph services.GraphStore,
	embedder services.Embedder,
	entities services.EntityExtractor,
	facts services.FactExtractor,
	summarize services.Summarizer,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		db:        db,
		vector:    vector,
		graph:     graph,
		embedder:  embedder,
		entities:  entities,
		facts:     facts,
		summarize: summarize,
		logger:    logger,
	}
}

// Enrich implements services.Enricher
func (p *Pipeline) Enrich(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentOutcome, error) {
	return p.Run(ctx, job, nil)
}

// Run executes the pipeline, reporting progress through report when set
func (p *Pipeline) Run(ctx context.Context, job *models.EnrichmentJob, report ProgressFunc) (*models.EnrichmentOutcome, error) {
	progress := func(pct int) {
		if report != nil {
			report(pct)
		}
	}

	if err := p.ensureVectorPoint(ctx, job); err != nil {
		return nil, err
	}
	progress(30)

	outcome := &models.EnrichmentOutcome{}
	if job.Decision == models.TriageStoreOnly {
		progress(100)
		return outcome, nil
	}

	extracted, err := p.entities.ExtractEntities(ctx, job.Content, nil)
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}
	progress(50)

	if len(extracted) > 0 {
		graphEntities := make([]services.GraphEntity, len(extracted))
		for i, e := range extracted {
			graphEntities[i] = services.GraphEntity{
				Name:       e.Name,
				EntityType: e.EntityType,
				Domain:     e.Domain,
				Confidence: e.Confidence,
			}
			outcome.Entities = append(outcome.Entities, e.Name)
		}
		if err := p.graph.MergeEntities(ctx, job.Tenant, graphEntities); err != nil {
			return nil, fmt.Errorf("graph entity merge failed: %w", err)
		}
		p.mirrorEntities(ctx, job.Tenant, extracted)
	}
	progress(70)

	if len(extracted) >= 2 {
		facts, err := p.facts.ExtractFacts(ctx, job.Content, extracted)
		if err != nil {
			return nil, fmt.Errorf("fact extraction failed: %w", err)
		}
		if len(facts) > 0 {
			graphFacts := make([]services.GraphFact, len(facts))
			for i, f := range facts {
				graphFacts[i] = services.GraphFact{
					Subject:    f.Subject,
					Predicate:  f.Predicate,
					Object:     f.Object,
					Confidence: f.Confidence,
					Provenance: job.MemoryID.String(),
				}
			}
			if err := p.graph.MergeFacts(ctx, job.Tenant, graphFacts); err != nil {
				return nil, fmt.Errorf("graph fact merge failed: %w", err)
			}
			p.mirrorRelationships(ctx, job.Tenant, facts)
			outcome.Facts = facts
		}
	}
	progress(85)

	if job.Decision == models.TriageEpisodic {
		summary, err := p.summarize.Summarize(ctx, job.Content)
		if err != nil {
			return nil, fmt.Errorf("summarization failed: %w", err)
		}
		episodeID := uuid.New()
		if err := p.graph.LinkEpisode(ctx, job.Tenant, episodeID, summary, outcome.Entities); err != nil {
			return nil, fmt.Errorf("episode link failed: %w", err)
		}
		outcome.EpisodeID = &episodeID
		outcome.Summary = summary
	}
	progress(95)

	progress(100)
	return outcome, nil
}

// ensureVectorPoint covers jobs whose inline embedding missed its deadline
func (p *Pipeline) ensureVectorPoint(ctx context.Context, job *models.EnrichmentJob) error {
	embedding := job.Embedding
	if embedding == nil {
		var err error
		embedding, err = p.embedder.Embed(ctx, job.Content, services.EmbeddingKindDocument)
		if err != nil {
			return fmt.Errorf("deferred embedding failed: %w", err)
		}
		job.Embedding = embedding
	}

	tenant := job.Tenant
	point := services.VectorPoint{
		ID:        job.MemoryID,
		Embedding: embedding,
		Content:   job.Content,
		Payload: map[string]interface{}{
			"company_id":   tenant.CompanyID,
			"app_id":       tenant.AppID,
			"user_id":      tenant.UserID,
			"content_type": string(models.ContentTypeMemories),
		},
	}
	if err := p.vector.Upsert(ctx, memoriesCollection, []services.VectorPoint{point}); err != nil {
		return fmt.Errorf("deferred vector write failed: %w", err)
	}
	return nil
}

// mirrorEntities upserts the relational copies used by metadata retrieval.
// Mirror failures never fail the job; the graph is the system of record here.
func (p *Pipeline) mirrorEntities(ctx context.Context, tenant models.TenantContext, extracted []models.ExtractedEntity) {
	now := time.Now()
	for _, e := range extracted {
		var existing models.Entity
		err := p.db.WithContext(ctx).
			Where("company_id = ? AND app_id = ? AND name = ?", tenant.CompanyID, tenant.AppID, e.Name).
			First(&existing).Error

		if err == gorm.ErrRecordNotFound {
			row := models.Entity{
				ID:           uuid.New(),
				CompanyID:    tenant.CompanyID,
				AppID:        tenant.AppID,
				UserID:       tenant.UserID,
				Name:         e.Name,
				Domain:       e.Domain,
				EntityType:   e.EntityType,
				Confidence:   e.Confidence,
				MentionCount: 1,
				FirstSeen:    now,
				LastSeen:     now,
			}
			if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
				p.logger.Warn("entity mirror insert failed", zap.String("name", e.Name), zap.Error(err))
			}
			continue
		}
		if err != nil {
			p.logger.Warn("entity mirror lookup failed", zap.String("name", e.Name), zap.Error(err))
			continue
		}

		updates := map[string]interface{}{
			"mention_count": gorm.Expr("mention_count + 1"),
			"last_seen":     now,
		}
		if e.Confidence > existing.Confidence {
			updates["confidence"] = e.Confidence
		}
		if err := p.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			p.logger.Warn("entity mirror update failed", zap.String("name", e.Name), zap.Error(err))
		}
	}
}

// mirrorRelationships upserts relational relationship rows keyed by
// (source, target, type)
func (p *Pipeline) mirrorRelationships(ctx context.Context, tenant models.TenantContext, facts []models.Fact) {
	for _, f := range facts {
		sourceID, ok1 := p.entityID(ctx, tenant, f.Subject)
		targetID, ok2 := p.entityID(ctx, tenant, f.Object)
		if !ok1 || !ok2 {
			continue
		}

		row := models.Relationship{
			ID:               uuid.New(),
			CompanyID:        tenant.CompanyID,
			AppID:            tenant.AppID,
			SourceEntityID:   sourceID,
			TargetEntityID:   targetID,
			RelationshipType: f.Predicate,
			Weight:           f.Confidence,
			Directionality:   "directed",
		}
		err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source_entity_id"},
				{Name: "target_entity_id"},
				{Name: "relationship_type"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"weight": gorm.Expr("LEAST(1.0, relationships.weight + 0.1)"),
			}),
		}).Create(&row).Error
		if err != nil {
			p.logger.Warn("relationship mirror failed",
				zap.String("predicate", f.Predicate),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) entityID(ctx context.Context, tenant models.TenantContext, name string) (uuid.UUID, bool) {
	var entity models.Entity
	err := p.db.WithContext(ctx).
		Select("id").
		Where("company_id = ? AND app_id = ? AND name = ?", tenant.CompanyID, tenant.AppID, name).
		First(&entity).Error
	if err != nil {
		return uuid.Nil, false
	}
	return entity.ID, true
}
