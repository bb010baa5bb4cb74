package impl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
)

// ChunksCollection is the vector collection for document chunk embeddings
const ChunksCollection = "chunks"

// urlFetchLimit caps how much of a remote document gets read
const urlFetchLimit = 1 << 20

// ErrDocumentNotFound is returned when a document is missing or belongs to
// another tenant.
var ErrDocumentNotFound = errors.New("document not found")

// ErrUnsupportedURLScheme is returned for ingestion URLs outside http/https
var ErrUnsupportedURLScheme = errors.New("unsupported URL scheme")

// documentServiceImpl owns the document pipeline: chunk, embed each chunk,
// then commit rows and vector points together.
type documentServiceImpl struct {
	db         *gorm.DB
	vector     services.VectorStore
	cache      services.CacheService
	embedder   services.Embedder
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDocumentService creates the document ingestion service
func NewDocumentService(db *gorm.DB, vector services.VectorStore, cache services.CacheService, embedder services.Embedder, logger *zap.Logger) services.DocumentService {
	return &documentServiceImpl{
		db:         db,
		vector:     vector,
		cache:      cache,
		embedder:   embedder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (s *documentServiceImpl) CreateDocument(ctx context.Context, req *models.CreateDocumentRequest, tenant models.TenantContext) (*models.DocumentResult, error) {
	start := time.Now()
	tenant = tenant.Normalized()
	if !tenant.Valid() {
		return nil, fmt.Errorf("tenant context is missing company id")
	}

	docID := uuid.New()
	hash := ContentFingerprint(tenant, req.Content)

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = data
	}

	spans := chunkDocument(req.Content)
	chunks := make([]models.Chunk, len(spans))
	points := make([]services.VectorPoint, 0, len(spans))
	totalTokens := 0

	for i, span := range spans {
		chunkID := uuid.New()
		tokens := estimateTokens(span.Content)
		totalTokens += tokens

		chunks[i] = models.Chunk{
			ID:         chunkID,
			DocumentID: docID,
			CompanyID:  tenant.CompanyID,
			AppID:      tenant.AppID,
			ChunkIndex: i,
			StartByte:  span.Start,
			EndByte:    span.End,
			Content:    span.Content,
			TokenCount: tokens,
			ChunkType:  span.ChunkType,
		}

		embedding, err := s.embedder.Embed(ctx, span.Content, services.EmbeddingKindDocument)
		if err != nil {
			return nil, fmt.Errorf("chunk %d embedding failed: %w", i, err)
		}
		points = append(points, services.VectorPoint{
			ID:        chunkID,
			Embedding: embedding,
			Content:   span.Content,
			Payload: map[string]interface{}{
				"company_id":   tenant.CompanyID,
				"app_id":       tenant.AppID,
				"user_id":      tenant.UserID,
				"document_id":  docID.String(),
				"chunk_index":  i,
				"content_type": string(models.ContentTypeDocuments),
			},
		})
	}

	doc := &models.Document{
		ID:          docID,
		CompanyID:   tenant.CompanyID,
		AppID:       tenant.AppID,
		UserID:      tenant.UserID,
		Title:       req.Title,
		Content:     req.Content,
		ContentHash: hash,
		SourceURL:   req.SourceURL,
		ContentType: req.ContentType,
		Tags:        req.Tags,
		Metadata:    metadata,
		ChunkCount:  len(chunks),
		TokenCount:  totalTokens,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return fmt.Errorf("document write failed: %w", err)
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return fmt.Errorf("chunk write failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(points) > 0 {
		if err := s.vector.Upsert(ctx, ChunksCollection, points); err != nil {
			// Roll back the relational rows so the stores agree.
			if delErr := s.deleteRelational(ctx, docID); delErr != nil {
				s.logger.Error("document compensation failed",
					zap.String("document_id", docID.String()),
					zap.Error(delErr))
			}
			return nil, fmt.Errorf("chunk vector write failed: %w", err)
		}
	}

	return &models.DocumentResult{
		Document:   doc,
		ChunkCount: len(chunks),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (s *documentServiceImpl) GetDocument(ctx context.Context, id uuid.UUID, tenant models.TenantContext) (*models.DocumentResult, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", id, tenant.CompanyID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document lookup failed: %w", err)
	}
	return &models.DocumentResult{Document: &doc, ChunkCount: doc.ChunkCount}, nil
}

func (s *documentServiceImpl) ListDocuments(ctx context.Context, query *models.DocumentListQuery, tenant models.TenantContext) ([]models.Document, int64, error) {
	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("company_id = ?", tenant.CompanyID)
	if tenant.AppID != "" {
		q = q.Where("app_id = ?", tenant.AppID)
	}
	if len(query.Tags) > 0 {
		q = q.Where("tags && ?", pqArray(query.Tags))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("document count failed: %w", err)
	}

	var docs []models.Document
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(query.Offset).
		Find(&docs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("document list failed: %w", err)
	}
	return docs, total, nil
}

// UpdateDocument applies metadata-level edits in place; a content change
// re-runs the whole chunking pipeline.
func (s *documentServiceImpl) UpdateDocument(ctx context.Context, id uuid.UUID, req *models.UpdateDocumentRequest, tenant models.TenantContext) (*models.DocumentResult, error) {
	existing, err := s.GetDocument(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	doc := existing.Document

	if req.Content != nil && *req.Content != doc.Content {
		if err := s.DeleteDocument(ctx, id, tenant); err != nil {
			return nil, fmt.Errorf("failed to replace document: %w", err)
		}
		createReq := &models.CreateDocumentRequest{
			Title:       doc.Title,
			Content:     *req.Content,
			SourceURL:   doc.SourceURL,
			ContentType: doc.ContentType,
			Tags:        doc.Tags,
		}
		if req.Title != nil {
			createReq.Title = *req.Title
		}
		if req.Tags != nil {
			createReq.Tags = req.Tags
		}
		return s.CreateDocument(ctx, createReq, tenant)
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Tags != nil {
		updates["tags"] = pqArray(req.Tags)
	}
	if req.Metadata != nil {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		updates["metadata"] = datatypes.JSON(data)
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(doc).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("document update failed: %w", err)
		}
	}
	return s.GetDocument(ctx, id, tenant)
}

func (s *documentServiceImpl) DeleteDocument(ctx context.Context, id uuid.UUID, tenant models.TenantContext) error {
	if _, err := s.GetDocument(ctx, id, tenant); err != nil {
		return err
	}
	// Vector points first; a retried delete converges either way.
	if err := s.vector.DeleteByDocument(ctx, ChunksCollection, id); err != nil {
		return fmt.Errorf("chunk vector delete failed: %w", err)
	}
	if err := s.deleteRelational(ctx, id); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, "document:"+id.String()); err != nil {
		s.logger.Debug("document cache delete failed", zap.Error(err))
	}
	return nil
}

func (s *documentServiceImpl) ListChunks(ctx context.Context, id uuid.UUID, tenant models.TenantContext) ([]models.Chunk, error) {
	if _, err := s.GetDocument(ctx, id, tenant); err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("chunk list failed: %w", err)
	}
	return chunks, nil
}

// BuildContext assembles the document's chunks in order up to maxTokens.
// Headers keep their own line so the result reads like the source document.
func (s *documentServiceImpl) BuildContext(ctx context.Context, id uuid.UUID, tenant models.TenantContext, maxTokens int) (*models.DocumentContext, error) {
	result, err := s.GetDocument(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	chunks, err := s.ListChunks(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	var builder strings.Builder
	tokens := 0
	included := 0
	truncated := false
	for _, chunk := range chunks {
		if tokens+chunk.TokenCount > maxTokens && included > 0 {
			truncated = true
			break
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(chunk.Content)
		tokens += chunk.TokenCount
		included++
	}

	return &models.DocumentContext{
		DocumentID: id,
		Title:      result.Document.Title,
		Context:    builder.String(),
		ChunkCount: included,
		TokenCount: tokens,
		Truncated:  truncated,
	}, nil
}

// IngestFromURL fetches the URL body and feeds it through CreateDocument
func (s *documentServiceImpl) IngestFromURL(ctx context.Context, req *models.IngestURLRequest, tenant models.TenantContext) (*models.DocumentResult, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURLScheme, parsed.Scheme)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("url fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("url fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, urlFetchLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read url body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("url returned an empty body")
	}

	title := req.Title
	if title == "" {
		title = parsed.Host + parsed.Path
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}

	return s.CreateDocument(ctx, &models.CreateDocumentRequest{
		Title:       title,
		Content:     string(body),
		SourceURL:   req.URL,
		ContentType: contentType,
		Tags:        req.Tags,
	}, tenant)
}

func (s *documentServiceImpl) deleteRelational(ctx context.Context, docID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.Chunk{}, "document_id = ?", docID).Error; err != nil {
			return fmt.Errorf("chunk delete failed: %w", err)
		}
		if err := tx.Delete(&models.Document{}, "id = ?", docID).Error; err != nil {
			return fmt.Errorf("document delete failed: %w", err)
		}
		return nil
	})
}
