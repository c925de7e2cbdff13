package models

import (
	"time"

	"gorm.io/datatypes"
)

// Queued request priorities, ascending in scheduling rank.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Queued request statuses.
const (
	// RequestStatusPending marks a request waiting for a worker.
	RequestStatusPending = "pending"
	// RequestStatusProcessing marks a request claimed by exactly one worker.
	RequestStatusProcessing = "processing"
	// RequestStatusCompleted marks a successfully dispatched request.
	RequestStatusCompleted = "completed"
	// RequestStatusFailed marks a request that exhausted retries or errored.
	RequestStatusFailed = "failed"
	// RequestStatusCancelled marks a request cancelled while still pending.
	RequestStatusCancelled = "cancelled"
)

// PriorityRank maps a priority label to its scheduling rank (lower runs first).
func PriorityRank(priority string) int {
	switch priority {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// QueuedRequest is a persisted outbound request intent awaiting dispatch.
// Rows survive restarts; orphaned processing rows are requeued on startup,
// so dispatch targets must tolerate duplicate execution.
type QueuedRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	// RequestKey identifies the intent across redrives and crash recovery.
	RequestKey string `gorm:"type:varchar(36);not null;uniqueIndex" json:"request_key"`

	ProviderID uint64  `gorm:"not null;index" json:"provider_id"` // Target provider.
	ProjectID  *uint64 `gorm:"index" json:"project_id"`           // Optional owning project.

	Endpoint string `gorm:"type:text;not null" json:"endpoint"`  // Upstream endpoint path.
	Method   string `gorm:"type:varchar(16)" json:"method"`      // Request method.
	Priority string `gorm:"type:varchar(16);not null;index" json:"priority"`
	// PriorityRank is denormalized for ORDER BY; kept in sync with Priority.
	// No column default: high priority ranks 0 and a default would swallow it
	// on insert.
	PriorityRankVal int `gorm:"column:priority_rank;not null;index" json:"-"`

	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload"` // Serialized request intent.

	Status     string `gorm:"type:varchar(16);not null;index" json:"status"`
	RetryCount int    `gorm:"not null;default:0" json:"retry_count"` // Automatic retries consumed.
	MaxRetries int    `gorm:"not null" json:"max_retries"`           // Automatic retry ceiling; zero disables retries.
	LastError  string `gorm:"type:text" json:"last_error"`           // Human-readable failure reason.

	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"` // Earliest eligible processing time.

	CreatedAt           time.Time  `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	ProcessingStartedAt *time.Time `json:"processing_started_at"`                     // Set when claimed.
	CompletedAt         *time.Time `json:"completed_at"`                              // Set on success.
	FailedAt            *time.Time `json:"failed_at"`                                 // Set on terminal failure.
	CancelledAt         *time.Time `json:"cancelled_at"`                              // Set on cancellation.
	UpdatedAt           time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}

// IsTerminal reports whether the request reached a final state.
func (r *QueuedRequest) IsTerminal() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// IsReady reports whether the request is eligible for dispatch at now.
func (r *QueuedRequest) IsReady(now time.Time) bool {
	if r == nil {
		return false
	}
	return r.Status == RequestStatusPending && !now.Before(r.ScheduledAt)
}
