package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tas-graphrag/services"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	db     *gorm.DB
	cache  services.CacheService
	vector services.VectorStore
	graph  services.GraphStore
}

// NewHealthHandler creates the health handler
func NewHealthHandler(db *gorm.DB, cache services.CacheService, vector services.VectorStore, graph services.GraphStore) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, vector: vector, graph: graph}
}

// Live handles GET /health. It only proves the process is serving.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready, checking each backend with a short
// deadline. The relational store and cache are required; the vector and
// graph backends degrade the report without failing it.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "up"
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = "down"
		healthy = false
	} else {
		checks["cache"] = "up"
	}

	if err := h.vector.Ping(ctx); err != nil {
		checks["vector"] = "degraded"
	} else {
		checks["vector"] = "up"
	}

	if err := h.graph.Ping(ctx); err != nil {
		checks["graph"] = "degraded"
	} else {
		checks["graph"] = "up"
	}

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "not_ready"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
