package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
	"github.com/tas-graphrag/services/impl"
	"github.com/tas-graphrag/services/tasks"
)

// ingestTaskTimeout bounds one background URL ingestion
const ingestTaskTimeout = 5 * time.Minute

// DocumentHandler serves the document CRUD and URL-ingestion endpoints
type DocumentHandler struct {
	documents services.DocumentService
	tasks     *tasks.Manager
	config    *config.ServerConfig
}

// NewDocumentHandler creates the document handler
func NewDocumentHandler(documents services.DocumentService, taskManager *tasks.Manager, cfg *config.ServerConfig) *DocumentHandler {
	return &DocumentHandler{documents: documents, tasks: taskManager, config: cfg}
}

type createDocumentBody struct {
	models.CreateDocumentRequest
	CompanyID string `json:"company_id,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// CreateDocument handles POST /api/v1/documents
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var body createDocumentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if len(body.Content) > h.config.MaxContentBytes {
		respondErrorDetails(c, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			"content exceeds the maximum size",
			gin.H{"max_bytes": h.config.MaxContentBytes, "got_bytes": len(body.Content)})
		return
	}

	tenant, ok := requireTenant(c, tenantFallback{
		CompanyID: body.CompanyID,
		AppID:     body.AppID,
		UserID:    body.UserID,
	})
	if !ok {
		return
	}

	result, err := h.documents.CreateDocument(c.Request.Context(), &body.CreateDocumentRequest, tenant)
	if err != nil {
		if errors.Is(err, impl.ErrEmbeddingUnavailable) {
			respondError(c, http.StatusServiceUnavailable, CodeEmbeddingUnavailable,
				"embedding provider is unavailable, try again later")
			return
		}
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetDocument handles GET /api/v1/documents/:id
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	id, tenant, ok := h.idAndTenant(c)
	if !ok {
		return
	}

	result, err := h.documents.GetDocument(c.Request.Context(), id, tenant)
	if err != nil {
		h.writeDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListDocuments handles GET /api/v1/documents
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	query := &models.DocumentListQuery{
		Limit:  intQuery(c, "limit", 20, 100),
		Offset: intQuery(c, "offset", 0, 1<<30),
	}
	if tags := c.Query("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}

	docs, total, err := h.documents.ListDocuments(c.Request.Context(), query, tenant)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"total":     total,
		"limit":     query.Limit,
		"offset":    query.Offset,
	})
}

// UpdateDocument handles PUT /api/v1/documents/:id
func (h *DocumentHandler) UpdateDocument(c *gin.Context) {
	id, tenant, ok := h.idAndTenant(c)
	if !ok {
		return
	}

	var req models.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.Content != nil && len(*req.Content) > h.config.MaxContentBytes {
		respondError(c, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			"content exceeds the maximum size")
		return
	}

	result, err := h.documents.UpdateDocument(c.Request.Context(), id, &req, tenant)
	if err != nil {
		h.writeDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// DeleteDocument handles DELETE /api/v1/documents/:id
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	id, tenant, ok := h.idAndTenant(c)
	if !ok {
		return
	}

	if err := h.documents.DeleteDocument(c.Request.Context(), id, tenant); err != nil {
		h.writeDocumentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetChunks handles GET /api/v1/documents/:id/chunks
func (h *DocumentHandler) GetChunks(c *gin.Context) {
	id, tenant, ok := h.idAndTenant(c)
	if !ok {
		return
	}

	chunks, err := h.documents.ListChunks(c.Request.Context(), id, tenant)
	if err != nil {
		h.writeDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": id,
		"chunks":      chunks,
		"total":       len(chunks),
	})
}

// GetContext handles GET /api/v1/documents/:id/context
func (h *DocumentHandler) GetContext(c *gin.Context) {
	id, tenant, ok := h.idAndTenant(c)
	if !ok {
		return
	}

	maxTokens := intQuery(c, "max_tokens", 2000, 8000)
	docContext, err := h.documents.BuildContext(c.Request.Context(), id, tenant, maxTokens)
	if err != nil {
		h.writeDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, docContext)
}

type ingestURLBody struct {
	models.IngestURLRequest
	CompanyID string `json:"company_id,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// IngestURL handles POST /api/v1/documents/url. The fetch runs as a
// background task; poll GET /documents/jobs/:id for its status.
func (h *DocumentHandler) IngestURL(c *gin.Context) {
	var body ingestURLBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	parsed, err := url.Parse(body.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest,
			"url must use the http or https scheme")
		return
	}

	tenant, ok := requireTenant(c, tenantFallback{
		CompanyID: body.CompanyID,
		AppID:     body.AppID,
		UserID:    body.UserID,
	})
	if !ok {
		return
	}

	taskID := uuid.New().String()
	params := map[string]interface{}{
		"url":          body.URL,
		"title":        body.Title,
		"content_type": body.ContentType,
		"tags":         body.Tags,
		"tenant":       tenant.Normalized(),
	}
	if _, err := h.tasks.CreateTask(c.Request.Context(), taskID, "document_ingest", params); err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	// Detached from the request; failure lands on the task record.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTaskTimeout)
		defer cancel()
		_ = h.tasks.Run(ctx, taskID, "document_ingest", params)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"status":  string(models.TaskPending),
	})
}

// IngestStatus handles GET /api/v1/documents/jobs/:id
func (h *DocumentHandler) IngestStatus(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "ingestion job not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *DocumentHandler) idAndTenant(c *gin.Context) (uuid.UUID, models.TenantContext, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid document id")
		return uuid.Nil, models.TenantContext{}, false
	}
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return uuid.Nil, models.TenantContext{}, false
	}
	return id, tenant, true
}

func (h *DocumentHandler) writeDocumentError(c *gin.Context, err error) {
	if errors.Is(err, impl.ErrDocumentNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "document not found")
		return
	}
	respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
}
