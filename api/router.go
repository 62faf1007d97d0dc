package api

import (
	"log/slog"

	"mediaconv/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(logger))

	r.GET("/health", h.handleHealth)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/jobs", RateLimit(cfg, logger), h.handleSubmitJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
		v1.POST("/jobs/:jobId/retry", h.handleRetryJob)
		v1.GET("/jobs/:jobId/file", h.handleGetFile)

		v1.POST("/maintenance", h.handleMaintenance)
		v1.GET("/system", h.handleSystem)
	}
	return r
}
