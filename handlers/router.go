package handlers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tas-graphrag/auth"
	"github.com/tas-graphrag/config"
)

// Handlers bundles every handler the router mounts
type Handlers struct {
	Memory      *MemoryHandler
	Retrieval   *RetrievalHandler
	Documents   *DocumentHandler
	Interaction *InteractionHandler
	Admin       *AdminHandler
	Health      *HealthHandler
}

// NewRouter builds the gin engine with CORS, tenant extraction, metrics and
// all routes mounted.
func NewRouter(cfg *config.Config, h *Handlers, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Auth.AllowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"Authorization",
		auth.HeaderCompanyID, auth.HeaderAppID, auth.HeaderUserID,
		auth.HeaderSessionID, auth.HeaderThreadID,
		headerPlatform, headerPlatformVersion,
	)
	router.Use(cors.New(corsConfig))
	router.Use(auth.TenantMiddleware())

	router.GET("/health", h.Health.Live)
	router.GET("/health/ready", h.Health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/memory", h.Memory.StoreMemory)
		v1.POST("/memory/async", h.Memory.StoreMemoryAsync)
		v1.GET("/memory", h.Memory.ListMemories)
		v1.GET("/memory/:id", h.Memory.GetMemory)
		v1.DELETE("/memory/:id", h.Memory.DeleteMemory)

		v1.POST("/retrieve", h.Retrieval.Retrieve)
		v1.POST("/search", h.Retrieval.Search)
		v1.GET("/search", h.Retrieval.SearchQuery)
		v1.POST("/rerank", h.Retrieval.Rerank)

		v1.POST("/documents", h.Documents.CreateDocument)
		v1.POST("/documents/url", h.Documents.IngestURL)
		v1.GET("/documents", h.Documents.ListDocuments)
		v1.GET("/documents/jobs/:id", h.Documents.IngestStatus)
		v1.GET("/documents/:id", h.Documents.GetDocument)
		v1.GET("/documents/:id/chunks", h.Documents.GetChunks)
		v1.GET("/documents/:id/context", h.Documents.GetContext)
		v1.PUT("/documents/:id", h.Documents.UpdateDocument)
		v1.DELETE("/documents/:id", h.Documents.DeleteDocument)

		v1.POST("/interactions", h.Interaction.CaptureInteraction)
		v1.GET("/interactions", h.Interaction.ListInteractions)
	}

	admin := v1.Group("/admin", auth.AdminMiddleware(cfg.Auth.JWTSecret))
	{
		admin.GET("/dlq", h.Admin.ListDeadLetters)
		admin.GET("/dlq/stats", h.Admin.DLQStats)
		admin.GET("/dlq/:id", h.Admin.GetDeadLetter)
		admin.POST("/dlq/:id/resolve", h.Admin.ResolveDeadLetter)
		admin.POST("/dlq/:id/retry", h.Admin.RetryDeadLetter)

		admin.GET("/tasks", h.Admin.ListTasks)
		admin.GET("/tasks/:id", h.Admin.GetTask)

		admin.GET("/queue/stats", h.Admin.QueueStats)
		admin.GET("/reconciler/stats", h.Admin.ReconcilerStats)
		admin.GET("/errors/patterns", h.Admin.ErrorPatterns)

		admin.POST("/purge", h.Admin.PurgeTenant)
	}

	return router
}
