package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tas-graphrag/auth"
	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
	"github.com/tas-graphrag/services/impl"
	"github.com/tas-graphrag/services/retry"
	"github.com/tas-graphrag/services/tasks"
)

// AdminHandler serves the operator surface: dead-letter management, task
// inspection, queue stats and tenant purge.
type AdminHandler struct {
	db         *gorm.DB
	dlq        *retry.DeadLetterService
	analyzer   *retry.Analyzer
	manager    *tasks.Manager
	reconciler *tasks.Reconciler
	queue      services.EnrichmentScheduler
	vector     services.VectorStore
	graph      services.GraphStore
	logger     *zap.Logger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(
	db *gorm.DB,
	dlq *retry.DeadLetterService,
	analyzer *retry.Analyzer,
	manager *tasks.Manager,
	reconciler *tasks.Reconciler,
	queue services.EnrichmentScheduler,
	vector services.VectorStore,
	graph services.GraphStore,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		db:         db,
		dlq:        dlq,
		analyzer:   analyzer,
		manager:    manager,
		reconciler: reconciler,
		queue:      queue,
		vector:     vector,
		graph:      graph,
		logger:     logger,
	}
}

// ListDeadLetters handles GET /api/v1/admin/dlq
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	query := &models.DeadLetterQuery{
		Status:  models.DeadLetterStatus(c.Query("status")),
		Reason:  c.Query("reason"),
		TaskID:  c.Query("task_id"),
		Limit:   intQuery(c, "limit", 50, 200),
		Offset:  intQuery(c, "offset", 0, 1<<30),
		OrderBy: c.Query("order_by"),
		Descend: c.Query("order") != "asc",
	}

	entries, total, err := h.dlq.List(c.Request.Context(), query)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// GetDeadLetter handles GET /api/v1/admin/dlq/:id
func (h *AdminHandler) GetDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid entry id")
		return
	}

	entry, err := h.dlq.Get(c.Request.Context(), id)
	if errors.Is(err, retry.ErrEntryNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "dead-letter entry not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

type resolveBody struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDeadLetter handles POST /api/v1/admin/dlq/:id/resolve
func (h *AdminHandler) ResolveDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid entry id")
		return
	}
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	resolvedBy := "admin"
	if claims := auth.GetAdminClaims(c); claims != nil {
		resolvedBy = claims.Subject
	}

	// Resolution requires the entry to pass through processing.
	if err := h.dlq.MarkProcessing(c.Request.Context(), id); err != nil {
		h.writeDLQError(c, err)
		return
	}
	if err := h.dlq.Resolve(c.Request.Context(), id, resolvedBy, body.Resolution); err != nil {
		h.writeDLQError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// RetryDeadLetter handles POST /api/v1/admin/dlq/:id/retry, replaying the
// original task regardless of its error category.
func (h *AdminHandler) RetryDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid entry id")
		return
	}

	entry, err := h.dlq.Get(c.Request.Context(), id)
	if errors.Is(err, retry.ErrEntryNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "dead-letter entry not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	taskType, params := taskMetaFromEntry(entry)
	if taskType == "" {
		respondError(c, http.StatusUnprocessableEntity, CodeInvalidRequest,
			"entry carries no task metadata to replay")
		return
	}

	if err := h.dlq.MarkProcessing(c.Request.Context(), id); err != nil {
		h.writeDLQError(c, err)
		return
	}

	if err := h.manager.Resubmit(c.Request.Context(), entry.TaskID, taskType, params); err != nil {
		if relErr := h.dlq.Release(c.Request.Context(), id); relErr != nil {
			h.logger.Warn("entry release failed", zap.Error(relErr))
		}
		respondErrorDetails(c, http.StatusBadGateway, CodeInternal,
			"task replay failed", gin.H{"task_id": entry.TaskID, "cause": err.Error()})
		return
	}

	resolvedBy := "admin"
	if claims := auth.GetAdminClaims(c); claims != nil {
		resolvedBy = claims.Subject
	}
	if err := h.dlq.Resolve(c.Request.Context(), id, resolvedBy, "manually retried"); err != nil {
		h.writeDLQError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "task_id": entry.TaskID})
}

func taskMetaFromEntry(entry *models.DeadLetterEntry) (string, map[string]interface{}) {
	if len(entry.Metadata) == 0 {
		return "", nil
	}
	meta, err := models.ParseJSON[map[string]interface{}](entry.Metadata)
	if err != nil || meta == nil {
		return "", nil
	}
	taskType, _ := meta[models.DLQMetaTaskType].(string)
	params, _ := meta[models.DLQMetaTaskParams].(map[string]interface{})
	return taskType, params
}

func (h *AdminHandler) writeDLQError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, retry.ErrEntryNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "dead-letter entry not found")
	case errors.Is(err, retry.ErrInvalidTransition):
		respondError(c, http.StatusConflict, CodeInvalidTransition, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

// DLQStats handles GET /api/v1/admin/dlq/stats
func (h *AdminHandler) DLQStats(c *gin.Context) {
	stats, err := h.dlq.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListTasks handles GET /api/v1/admin/tasks
func (h *AdminHandler) ListTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	limit := intQuery(c, "limit", 50, 200)
	offset := intQuery(c, "offset", 0, 1<<30)

	list, total, err := h.manager.ListTasks(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list, "total": total})
}

// GetTask handles GET /api/v1/admin/tasks/:id
func (h *AdminHandler) GetTask(c *gin.Context) {
	task, err := h.manager.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, task)
}

// ReconcilerStats handles GET /api/v1/admin/reconciler/stats
func (h *AdminHandler) ReconcilerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.Metrics())
}

// QueueStats handles GET /api/v1/admin/queue/stats
func (h *AdminHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ErrorPatterns handles GET /api/v1/admin/errors/patterns
func (h *AdminHandler) ErrorPatterns(c *gin.Context) {
	patterns, err := h.analyzer.TopPatterns(c.Request.Context(), intQuery(c, "limit", 20, 100))
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns})
}

type purgeBody struct {
	CompanyID                string `json:"company_id" binding:"required"`
	AppID                    string `json:"app_id,omitempty"`
	ConfirmPermanentDeletion bool   `json:"confirmPermanentDeletion"`
}

// PurgeTenant handles POST /api/v1/admin/purge. Deletion spans every store
// and is irreversible, so the confirmation flag is mandatory.
func (h *AdminHandler) PurgeTenant(c *gin.Context) {
	var body purgeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if !body.ConfirmPermanentDeletion {
		respondError(c, http.StatusBadRequest, CodeConfirmationRequired,
			"set confirmPermanentDeletion to true to purge this tenant")
		return
	}

	ctx := c.Request.Context()
	tenant := models.TenantContext{CompanyID: body.CompanyID, AppID: body.AppID}

	// Collect vector point ids before the rows disappear.
	var memoryIDs []uuid.UUID
	memQuery := h.db.WithContext(ctx).Model(&models.Memory{}).Where("company_id = ?", body.CompanyID)
	if body.AppID != "" {
		memQuery = memQuery.Where("app_id = ?", body.AppID)
	}
	if err := memQuery.Pluck("id", &memoryIDs).Error; err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	var chunkIDs []uuid.UUID
	chunkQuery := h.db.WithContext(ctx).Model(&models.Chunk{}).Where("company_id = ?", body.CompanyID)
	if body.AppID != "" {
		chunkQuery = chunkQuery.Where("app_id = ?", body.AppID)
	}
	if err := chunkQuery.Pluck("id", &chunkIDs).Error; err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	if err := h.vector.Delete(ctx, impl.MemoriesCollection, memoryIDs); err != nil {
		respondError(c, http.StatusBadGateway, CodeInternal, "vector purge failed: "+err.Error())
		return
	}
	if err := h.vector.Delete(ctx, impl.ChunksCollection, chunkIDs); err != nil {
		respondError(c, http.StatusBadGateway, CodeInternal, "vector purge failed: "+err.Error())
		return
	}
	if err := h.graph.DeleteTenant(ctx, tenant); err != nil {
		respondError(c, http.StatusBadGateway, CodeInternal, "graph purge failed: "+err.Error())
		return
	}

	tables := []interface{}{
		&models.Chunk{}, &models.Document{}, &models.Memory{},
		&models.Entity{}, &models.Relationship{}, &models.Interaction{},
	}
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			q := tx.Where("company_id = ?", body.CompanyID)
			if body.AppID != "" {
				q = q.Where("app_id = ?", body.AppID)
			}
			if err := q.Delete(table).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	h.logger.Warn("tenant purged",
		zap.String("company_id", body.CompanyID),
		zap.String("app_id", body.AppID),
		zap.Int("memories", len(memoryIDs)),
		zap.Int("chunks", len(chunkIDs)),
		zap.Time("at", time.Now()))

	c.JSON(http.StatusOK, gin.H{
		"purged":           true,
		"memories_deleted": len(memoryIDs),
		"chunks_deleted":   len(chunkIDs),
	})
}
