package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotaguard/quotaguard/internal/ratelimit"
)

// RateLimitHandler handles rate limit incident read endpoints.
type RateLimitHandler struct {
	detector *ratelimit.Detector
}

// NewRateLimitHandler constructs a RateLimitHandler.
func NewRateLimitHandler(detector *ratelimit.Detector) *RateLimitHandler {
	return &RateLimitHandler{detector: detector}
}

// Events lists recent incidents, newest first.
func (h *RateLimitHandler) Events(c *gin.Context) {
	rows, errList := h.detector.ListEvents(c.Request.Context(), queryInt(c, "limit", 100))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list rate limit events failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
}

// Summary aggregates incident counts by status.
func (h *RateLimitHandler) Summary(c *gin.Context) {
	counts, errSummary := h.detector.Summary(c.Request.Context())
	if errSummary != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summarize rate limit events failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": counts})
}
