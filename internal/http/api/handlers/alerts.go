package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotaguard/quotaguard/internal/alerts"
)

// AlertHandler handles alert lifecycle and configuration endpoints.
type AlertHandler struct {
	engine *alerts.Engine
}

// NewAlertHandler constructs an AlertHandler.
func NewAlertHandler(engine *alerts.Engine) *AlertHandler {
	return &AlertHandler{engine: engine}
}

// Active lists unresolved alerts.
func (h *AlertHandler) Active(c *gin.Context) {
	rows, errList := h.engine.ListActive(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list active alerts failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": rows, "count": len(rows)})
}

// History lists alerts matching the filter.
func (h *AlertHandler) History(c *gin.Context) {
	providerID, ok := queryUint64(c, "provider_id")
	if !ok {
		return
	}
	rows, errList := h.engine.History(c.Request.Context(), alerts.HistoryFilter{
		Status:     c.Query("status"),
		AlertType:  c.Query("alert_type"),
		ProviderID: providerID,
		Limit:      queryInt(c, "limit", 100),
	})
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list alert history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": rows, "count": len(rows)})
}

// acknowledgeRequest carries the acknowledging identity.
type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// Acknowledge marks one alert acknowledged.
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in acknowledgeRequest
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	alert, errAck := h.engine.Acknowledge(c.Request.Context(), id, in.AcknowledgedBy)
	if errAck != nil {
		h.writeError(c, errAck)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// Resolve marks one alert resolved.
func (h *AlertHandler) Resolve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	alert, errResolve := h.engine.Resolve(c.Request.Context(), id)
	if errResolve != nil {
		h.writeError(c, errResolve)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// bulkAcknowledgeRequest carries a set of alert ids to acknowledge.
type bulkAcknowledgeRequest struct {
	AlertIDs       []uint64 `json:"alert_ids"`
	AcknowledgedBy string   `json:"acknowledged_by"`
}

// BulkAcknowledge acknowledges several alerts, reporting each outcome.
func (h *AlertHandler) BulkAcknowledge(c *gin.Context) {
	var in bulkAcknowledgeRequest
	if errBind := c.ShouldBindJSON(&in); errBind != nil || len(in.AlertIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	outcomes := h.engine.BulkAcknowledge(c.Request.Context(), in.AlertIDs, in.AcknowledgedBy)
	c.JSON(http.StatusOK, gin.H{"results": outcomes})
}

// ListConfigs lists alert configurations.
func (h *AlertHandler) ListConfigs(c *gin.Context) {
	rows, errList := h.engine.ListConfigs(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list alert configs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": rows, "count": len(rows)})
}

// CreateConfig stores a new scope configuration.
func (h *AlertHandler) CreateConfig(c *gin.Context) {
	var in alerts.ConfigInput
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	cfg, errCreate := h.engine.CreateConfig(c.Request.Context(), in)
	if errCreate != nil {
		h.writeError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// PatchConfig updates an existing configuration.
func (h *AlertHandler) PatchConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in alerts.ConfigInput
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	cfg, errPatch := h.engine.PatchConfig(c.Request.Context(), id, in)
	if errPatch != nil {
		h.writeError(c, errPatch)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *AlertHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound), errors.Is(err, alerts.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert operation failed"})
	}
}
