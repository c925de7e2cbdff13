package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quotaguard/quotaguard/internal/queue"
)

// QueueHandler handles queue introspection and lifecycle endpoints.
type QueueHandler struct {
	queue *queue.Queue
}

// NewQueueHandler constructs a QueueHandler.
func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{queue: q}
}

// Stats returns aggregate queue counts.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, errStats := h.queue.GetStats(c.Request.Context())
	if errStats != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load queue stats failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Pending lists pending requests in dispatch order.
func (h *QueueHandler) Pending(c *gin.Context) {
	providerID, ok := queryUint64(c, "provider_id")
	if !ok {
		return
	}
	projectID, ok := queryUint64(c, "project_id")
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 100)

	rows, errList := h.queue.ListPending(c.Request.Context(), providerID, projectID, limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list pending requests failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rows, "count": len(rows)})
}

// Get returns one request row.
func (h *QueueHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	row, errGet := h.queue.Get(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load request failed"})
		return
	}
	c.JSON(http.StatusOK, row)
}

// Submit enqueues a new request intent.
func (h *QueueHandler) Submit(c *gin.Context) {
	var in queue.SubmitInput
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	row, errSubmit := h.queue.Submit(c.Request.Context(), in)
	if errSubmit != nil {
		switch {
		case errors.Is(errSubmit, queue.ErrUnknownProvider):
			c.JSON(http.StatusBadRequest, gin.H{"error": errSubmit.Error()})
		case errors.Is(errSubmit, queue.ErrQueueSaturated):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": errSubmit.Error(), "retry_later": true})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submit request failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, row)
}

// Cancel cancels a pending request.
func (h *QueueHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	row, errCancel := h.queue.Cancel(c.Request.Context(), id)
	if errCancel != nil {
		h.writeLifecycleError(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, row)
}

// Retry redrives a failed request back to pending.
func (h *QueueHandler) Retry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	row, errRetry := h.queue.Retry(c.Request.Context(), id)
	if errRetry != nil {
		h.writeLifecycleError(c, errRetry)
		return
	}
	c.JSON(http.StatusOK, row)
}

// Delete removes a request row.
func (h *QueueHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if errDelete := h.queue.Delete(c.Request.Context(), id); errDelete != nil {
		h.writeLifecycleError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// flushRequest carries the flush cutoff.
type flushRequest struct {
	OlderThan string `json:"older_than"` // RFC3339 timestamp.
}

// Flush deletes terminal rows older than the cutoff.
func (h *QueueHandler) Flush(c *gin.Context) {
	var in flushRequest
	if errBind := c.ShouldBindJSON(&in); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	cutoff, errParse := time.Parse(time.RFC3339, in.OlderThan)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than"})
		return
	}
	deleted, errFlush := h.queue.Flush(c.Request.Context(), cutoff)
	if errFlush != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *QueueHandler) writeLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
	case errors.Is(err, queue.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue operation failed"})
	}
}
