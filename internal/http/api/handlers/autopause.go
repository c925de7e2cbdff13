package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotaguard/quotaguard/internal/autopause"
)

// AutoPauseHandler handles auto-pause settings, override, and history.
type AutoPauseHandler struct {
	controller *autopause.Controller
}

// NewAutoPauseHandler constructs an AutoPauseHandler.
func NewAutoPauseHandler(controller *autopause.Controller) *AutoPauseHandler {
	return &AutoPauseHandler{controller: controller}
}

// GetSettings returns one project's auto-pause settings.
func (h *AutoPauseHandler) GetSettings(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	settings, errGet := h.controller.GetSettings(c.Request.Context(), id)
	if errGet != nil {
		h.writeError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// settingsPatch carries the tunable auto-pause fields.
type settingsPatch struct {
	Priority         *string `json:"priority"`
	AutoPauseEnabled *bool   `json:"auto_pause_enabled"`
}

// PatchSettings updates priority and auto-pause enablement.
func (h *AutoPauseHandler) PatchSettings(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in settingsPatch
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	settings, errUpdate := h.controller.UpdateSettings(c.Request.Context(), id, in.Priority, in.AutoPauseEnabled)
	if errUpdate != nil {
		h.writeError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// overrideRequest carries the override identity.
type overrideRequest struct {
	OverrideBy string `json:"override_by"`
}

// Override force-resumes a paused project.
func (h *AutoPauseHandler) Override(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in overrideRequest
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if errOverride := h.controller.Override(c.Request.Context(), id, in.OverrideBy); errOverride != nil {
		h.writeError(c, errOverride)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

// History lists pause log entries, newest first.
func (h *AutoPauseHandler) History(c *gin.Context) {
	rows, errList := h.controller.History(c.Request.Context(), queryInt(c, "limit", 100))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list auto-pause history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows, "count": len(rows)})
}

func (h *AutoPauseHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, autopause.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
	case errors.Is(err, autopause.ErrNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, autopause.ErrInvalidPriority):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auto-pause operation failed"})
	}
}
