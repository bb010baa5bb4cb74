package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tas-graphrag/models"
	"github.com/tas-graphrag/services"
	"github.com/tas-graphrag/services/impl"
)

// RetrievalHandler serves the retrieval and rerank endpoints
type RetrievalHandler struct {
	engine   services.RetrievalService
	reranker services.Reranker
}

// NewRetrievalHandler creates the retrieval handler
func NewRetrievalHandler(engine services.RetrievalService, reranker services.Reranker) *RetrievalHandler {
	return &RetrievalHandler{engine: engine, reranker: reranker}
}

type retrieveBody struct {
	models.RetrieveRequest
	CompanyID string `json:"company_id,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	CompanyIDAlias string `json:"companyId,omitempty"`
	AppIDAlias     string `json:"appId,omitempty"`
	UserIDAlias    string `json:"userId,omitempty"`
}

func (b *retrieveBody) fallback() tenantFallback {
	return tenantFallback{
		CompanyID: firstNonEmpty(b.CompanyID, b.CompanyIDAlias),
		AppID:     firstNonEmpty(b.AppID, b.AppIDAlias),
		UserID:    firstNonEmpty(b.UserID, b.UserIDAlias),
	}
}

// Retrieve handles POST /api/v1/retrieve
func (h *RetrievalHandler) Retrieve(c *gin.Context) {
	var body retrieveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if body.Query == "" {
		respondError(c, http.StatusBadRequest, CodeMissingQuery, "query is required")
		return
	}
	if body.Strategy != "" && !models.ValidStrategy(body.Strategy) {
		respondErrorDetails(c, http.StatusBadRequest, CodeInvalidStrategy,
			"unknown retrieval strategy",
			gin.H{"strategy": body.Strategy})
		return
	}

	tenant, ok := requireTenant(c, body.fallback())
	if !ok {
		return
	}

	result, err := h.engine.Retrieve(c.Request.Context(), &body.RetrieveRequest, tenant)
	if err != nil {
		if errors.Is(err, impl.ErrEmbeddingUnavailable) {
			respondError(c, http.StatusServiceUnavailable, CodeEmbeddingUnavailable,
				"embedding provider is unavailable, try again later")
			return
		}
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// Search handles POST /api/v1/search: the same fan-out as Retrieve, with
// the response grouped by content type plus pagination and timing fields.
func (h *RetrievalHandler) Search(c *gin.Context) {
	var body retrieveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if body.Query == "" {
		respondError(c, http.StatusBadRequest, CodeMissingQuery, "query is required")
		return
	}
	if body.Strategy == "" {
		body.Strategy = models.StrategyHybrid
	}
	if !models.ValidStrategy(body.Strategy) {
		respondErrorDetails(c, http.StatusBadRequest, CodeInvalidStrategy,
			"unknown retrieval strategy",
			gin.H{"strategy": body.Strategy})
		return
	}

	tenant, ok := requireTenant(c, body.fallback())
	if !ok {
		return
	}

	result, err := h.engine.Retrieve(c.Request.Context(), &body.RetrieveRequest, tenant)
	if err != nil {
		if errors.Is(err, impl.ErrEmbeddingUnavailable) {
			respondError(c, http.StatusServiceUnavailable, CodeEmbeddingUnavailable,
				"embedding provider is unavailable, try again later")
			return
		}
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results":       result.Grouped,
		"total":         len(result.Content),
		"limit":         body.Limit,
		"offset":        body.Offset,
		"strategy_used": result.StrategyUsed,
		"performance": gin.H{
			"latency_ms": result.LatencyMs,
			"usage":      result.Usage,
		},
	})
}

// SearchQuery handles GET /api/v1/search, a query-parameter alias of Retrieve
func (h *RetrievalHandler) SearchQuery(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		respondError(c, http.StatusBadRequest, CodeMissingQuery, "query parameter q is required")
		return
	}
	tenant, ok := requireTenant(c, tenantFallback{})
	if !ok {
		return
	}

	req := &models.RetrieveRequest{
		Query:    query,
		Strategy: models.RetrievalStrategy(c.DefaultQuery("strategy", string(models.StrategyHybrid))),
		Limit:    intQuery(c, "limit", 10, 50),
		Offset:   intQuery(c, "offset", 0, 1<<30),
		Rerank:   c.Query("rerank") == "true",
	}
	if !models.ValidStrategy(req.Strategy) {
		respondError(c, http.StatusBadRequest, CodeInvalidStrategy, "unknown retrieval strategy")
		return
	}
	if types := c.QueryArray("content_type"); len(types) > 0 {
		for _, t := range types {
			req.ContentTypes = append(req.ContentTypes, models.ContentType(t))
		}
	}

	result, err := h.engine.Retrieve(c.Request.Context(), req, tenant)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// Rerank handles POST /api/v1/rerank
func (h *RetrievalHandler) Rerank(c *gin.Context) {
	var req models.RerankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.Query == "" {
		respondError(c, http.StatusBadRequest, CodeMissingQuery, "query is required")
		return
	}
	if len(req.Documents) == 0 {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "documents must not be empty")
		return
	}

	ranked, err := h.reranker.Rerank(c.Request.Context(), req.Query, req.Documents, req.TopK)
	if err != nil {
		if errors.Is(err, impl.ErrEmbeddingUnavailable) {
			respondError(c, http.StatusServiceUnavailable, CodeEmbeddingUnavailable,
				"rerank provider is unavailable, try again later")
			return
		}
		respondError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": ranked})
}
