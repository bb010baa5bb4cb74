package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tas-graphrag/config"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
	"github.com/tas-graphrag/services/impl"
)

// MemoryHandler serves the memory ingest and read endpoints
type MemoryHandler struct {
	router services.MemoryRouter
	db     *gorm.DB
	config *config.ServerConfig
}

// NewMemoryHandler creates the memory handler
func NewMemoryHandler(router services.MemoryRouter, db *gorm.DB, cfg *config.ServerConfig) *MemoryHandler {
	return &MemoryHandler{router: router, db: db, config: cfg}
}

func (h *MemoryHandler) bindStoreRequest(c *gin.Context) (*models.StoreMemoryRequest, models.TenantContext, bool) {
	var req models.StoreMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, models.TenantContext{}, false
	}
	req.Normalize()
	if req.Content == "" {
		respondError(c, http.StatusBadRequest, CodeMissingContent, "content is required")
		return nil, models.TenantContext{}, false
	}
	if len(req.Content) > h.config.MaxContentBytes {
		respondErrorDetails(c, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			"content exceeds the maximum size",
			gin.H{"max_bytes": h.config.MaxContentBytes, "got_bytes": len(req.Content)})
		return nil, models.TenantContext{}, false
	}

	tenant, ok := requireTenant(c, tenantFallback{
		CompanyID: req.CompanyID,
		AppID:     req.AppID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if !ok {
		return nil, models.TenantContext{}, false
	}
	return &req, tenant, true
}

// StoreMemory handles POST /api/v1/memory
func (h *MemoryHandler) StoreMemory(c *gin.Context) {
	req, tenant, ok := h.bindStoreRequest(c)
	if !ok {
		return
	}

	result, err := h.router.StoreMemorySync(c.Request.Context(), req, tenant)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// StoreMemoryAsync handles POST /api/v1/memory/async
func (h *MemoryHandler) StoreMemoryAsync(c *gin.Context) {
	req, tenant, ok := h.bindStoreRequest(c)
	if !ok {
		return
	}

	result, err := h.router.StoreMemoryAsync(c.Request.Context(), req, tenant)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == "duplicate" {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *MemoryHandler) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, impl.ErrEmbeddingUnavailable):
		respondError(c, http.StatusServiceUnavailable, CodeEmbeddingUnavailable,
			"embedding provider is unavailable, try again later")
	case errors.Is(err, services.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, CodeQueueFull,
			"enrichment queue is full, try again later")
	default:
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

// GetMemory handles GET /api/v1/memory/:id
func (h *MemoryHandler) GetMemory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid memory id")
		return
	}
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	var memory models.Memory
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ? AND company_id = ?", id, tenant.CompanyID).
		First(&memory).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "memory not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, memory)
}

// ListMemories handles GET /api/v1/memory
func (h *MemoryHandler) ListMemories(c *gin.Context) {
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 20, 100)
	offset := intQuery(c, "offset", 0, 1<<30)

	q := h.db.WithContext(c.Request.Context()).Model(&models.Memory{}).
		Where("company_id = ?", tenant.CompanyID)
	if tenant.AppID != "" {
		q = q.Where("app_id = ?", tenant.AppID)
	}
	if sessionID := c.Query("session_id"); sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if status := c.Query("enrichment_status"); status != "" {
		q = q.Where("enrichment_status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	var memories []models.Memory
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&memories).Error; err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"memories": memories,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// DeleteMemory handles DELETE /api/v1/memory/:id
func (h *MemoryHandler) DeleteMemory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid memory id")
		return
	}
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	result := h.db.WithContext(c.Request.Context()).
		Delete(&models.Memory{}, "id = ? AND company_id = ?", id, tenant.CompanyID)
	if result.Error != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, result.Error.Error())
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, CodeNotFound, "memory not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// intQuery parses a bounded integer query parameter
func intQuery(c *gin.Context, name string, def, max int) int {
	value := c.Query(name)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
