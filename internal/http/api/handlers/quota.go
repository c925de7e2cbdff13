package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/quota"
	"gorm.io/gorm"
)

// QuotaHandler handles provider and usage read endpoints.
type QuotaHandler struct {
	db      *gorm.DB
	tracker *quota.Tracker
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(db *gorm.DB, tracker *quota.Tracker) *QuotaHandler {
	return &QuotaHandler{db: db, tracker: tracker}
}

// Providers lists registered providers.
func (h *QuotaHandler) Providers(c *gin.Context) {
	var providers []models.Provider
	if errFind := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&providers).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list providers failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers, "count": len(providers)})
}

// Usage lists all usage rows with reset countdowns recomputed on read.
func (h *QuotaHandler) Usage(c *gin.Context) {
	views, errList := h.tracker.ListUsage(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": views, "count": len(views)})
}

// Summary aggregates provider-wide usage for the dashboard header.
func (h *QuotaHandler) Summary(c *gin.Context) {
	views, errList := h.tracker.ListUsage(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}

	type providerSummary struct {
		ProviderID            uint64  `json:"provider_id"`
		ProviderName          string  `json:"provider_name"`
		UsagePercent          float64 `json:"usage_percent"`
		CurrentRequests       int64   `json:"current_requests"`
		QuotaLimit            int64   `json:"quota_limit"`
		IsOverLimit           bool    `json:"is_over_limit"`
		TimeUntilResetSeconds int64   `json:"time_until_reset_seconds"`
	}

	summaries := make([]providerSummary, 0, len(views))
	var overLimit int
	for _, view := range views {
		if view.ProjectID != nil {
			continue
		}
		summaries = append(summaries, providerSummary{
			ProviderID:            view.ProviderID,
			ProviderName:          view.ProviderName,
			UsagePercent:          view.UsagePercent,
			CurrentRequests:       view.CurrentRequests,
			QuotaLimit:            view.QuotaLimit,
			IsOverLimit:           view.IsOverLimit,
			TimeUntilResetSeconds: view.TimeUntilResetSeconds,
		})
		if view.IsOverLimit {
			overLimit++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"providers":  summaries,
		"count":      len(summaries),
		"over_limit": overLimit,
	})
}
