package models

import "time"

// AutoPauseLog is the append-only audit trail of pause/resume actions.
type AutoPauseLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	ProjectID  uint64 `gorm:"not null;index" json:"project_id"`  // Paused project.
	ProviderID uint64 `gorm:"not null;index" json:"provider_id"` // Provider whose quota triggered it.

	TriggeredThreshold float64 `gorm:"not null" json:"triggered_threshold"`              // Usage percent at pause time.
	PriorityAtPause    string  `gorm:"type:varchar(16);not null" json:"priority_at_pause"` // Project priority snapshot.

	PausedAt  time.Time  `gorm:"not null;index" json:"paused_at"` // Pause timestamp.
	ResumedAt *time.Time `json:"resumed_at"`                      // Resume timestamp, nil while paused.

	OverrideBy string `gorm:"type:varchar(255)" json:"override_by"` // Who forced resume, if anyone.

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}
