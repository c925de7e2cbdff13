package models

import "time"

// Rate limit event statuses.
const (
	// RateLimitStatusDetected marks a freshly observed 429.
	RateLimitStatusDetected = "detected"
	// RateLimitStatusRetrying marks an incident with a scheduled retry.
	RateLimitStatusRetrying = "retrying"
	// RateLimitStatusResolved marks an incident cleared by a later success.
	RateLimitStatusResolved = "resolved"
	// RateLimitStatusFailed marks an incident that exhausted its retries.
	RateLimitStatusFailed = "failed"
)

// RateLimitEvent records one rate limit incident per (provider, endpoint),
// updated in place as retries proceed.
type RateLimitEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	ProviderID uint64 `gorm:"not null;index" json:"provider_id"`   // Provider that returned 429.
	Endpoint   string `gorm:"type:text;not null" json:"endpoint"`  // Upstream endpoint path.
	Method     string `gorm:"type:varchar(16)" json:"method"`      // Request method.
	HTTPStatus int    `gorm:"not null;default:429" json:"http_status_code"`

	Status        string `gorm:"type:varchar(16);not null;index" json:"status"` // Incident lifecycle state.
	AttemptNumber int    `gorm:"not null;default:0" json:"attempt_number"`      // Retries attempted so far.
	MaxAttempts   int    `gorm:"not null;default:5" json:"max_attempts"`        // Retry ceiling.

	RetryAfterSeconds      *int64  `json:"retry_after_seconds"`                            // Upstream Retry-After, when present.
	CalculatedBackoffSecs  float64 `gorm:"not null;default:0" json:"calculated_backoff_seconds"` // Base delay before jitter.
	JitterSeconds          float64 `gorm:"not null;default:0" json:"jitter_seconds"`       // Additive random delay.

	DetectedAt time.Time  `gorm:"not null" json:"detected_at"` // First 429 observation.
	ResolvedAt *time.Time `json:"resolved_at"`                 // Set on terminal resolved.
	FailedAt   *time.Time `json:"failed_at"`                   // Set on terminal failed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}

// IsOpen reports whether the incident still accepts retries.
func (e *RateLimitEvent) IsOpen() bool {
	if e == nil {
		return false
	}
	return e.Status == RateLimitStatusDetected || e.Status == RateLimitStatusRetrying
}
