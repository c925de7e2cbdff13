// Package api wires the REST surface consumed by the dashboard.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/quotaguard/quotaguard/internal/alerts"
	"github.com/quotaguard/quotaguard/internal/autopause"
	"github.com/quotaguard/quotaguard/internal/http/api/handlers"
	"github.com/quotaguard/quotaguard/internal/limiter"
	"github.com/quotaguard/quotaguard/internal/queue"
	"github.com/quotaguard/quotaguard/internal/quota"
	"github.com/quotaguard/quotaguard/internal/ratelimit"
)

// Dependencies carries the engine components the REST surface exposes.
type Dependencies struct {
	DB        *gorm.DB
	Tracker   *quota.Tracker
	Detector  *ratelimit.Detector
	Queue     *queue.Queue
	Alerts    *alerts.Engine
	AutoPause *autopause.Controller
	Limiter   *limiter.Manager
}

// RegisterRoutes mounts every endpoint on the gin engine.
func RegisterRoutes(r *gin.Engine, deps Dependencies) {
	r.GET("/healthz", func(c *gin.Context) {
		payload := gin.H{"status": "ok"}
		if deps.Limiter != nil {
			payload["submit_limiter"] = deps.Limiter.Status()
		}
		c.JSON(http.StatusOK, payload)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	queueHandler := handlers.NewQueueHandler(deps.Queue)
	quotaHandler := handlers.NewQuotaHandler(deps.DB, deps.Tracker)
	alertHandler := handlers.NewAlertHandler(deps.Alerts)
	rateLimitHandler := handlers.NewRateLimitHandler(deps.Detector)
	autoPauseHandler := handlers.NewAutoPauseHandler(deps.AutoPause)

	apiGroup := r.Group("/api")

	queueGroup := apiGroup.Group("/queue")
	queueGroup.GET("/stats", queueHandler.Stats)
	queueGroup.GET("/pending", queueHandler.Pending)
	queueGroup.POST("/requests", queueHandler.Submit)
	queueGroup.GET("/requests/:id", queueHandler.Get)
	queueGroup.POST("/requests/:id/cancel", queueHandler.Cancel)
	queueGroup.POST("/requests/:id/retry", queueHandler.Retry)
	queueGroup.DELETE("/requests/:id", queueHandler.Delete)
	queueGroup.POST("/flush", queueHandler.Flush)

	quotaGroup := apiGroup.Group("/quota")
	quotaGroup.GET("/providers", quotaHandler.Providers)
	quotaGroup.GET("/usage", quotaHandler.Usage)
	quotaGroup.GET("/summary", quotaHandler.Summary)

	alertGroup := quotaGroup.Group("/alerts")
	alertGroup.GET("/active", alertHandler.Active)
	alertGroup.GET("/history", alertHandler.History)
	alertGroup.POST("/:id/acknowledge", alertHandler.Acknowledge)
	alertGroup.POST("/:id/resolve", alertHandler.Resolve)
	alertGroup.POST("/bulk/acknowledge", alertHandler.BulkAcknowledge)
	alertGroup.GET("/config", alertHandler.ListConfigs)
	alertGroup.POST("/config", alertHandler.CreateConfig)
	alertGroup.PATCH("/config/:id", alertHandler.PatchConfig)

	rateLimitGroup := apiGroup.Group("/rate-limit")
	rateLimitGroup.GET("/events", rateLimitHandler.Events)
	rateLimitGroup.GET("/events/summary", rateLimitHandler.Summary)

	autoPauseGroup := apiGroup.Group("/auto-pause")
	autoPauseGroup.GET("/projects/:id/settings", autoPauseHandler.GetSettings)
	autoPauseGroup.PATCH("/projects/:id/settings", autoPauseHandler.PatchSettings)
	autoPauseGroup.POST("/projects/:id/override", autoPauseHandler.Override)
	autoPauseGroup.GET("/history", autoPauseHandler.History)
}
