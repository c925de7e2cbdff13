package models

import "time"

// Project priorities, ascending: lower-priority projects are paused first.
const (
	ProjectPriorityLow      = "low"
	ProjectPriorityMedium   = "medium"
	ProjectPriorityHigh     = "high"
	ProjectPriorityCritical = "critical"
)

// Project statuses.
const (
	ProjectStatusActive    = "active"
	ProjectStatusPaused    = "paused"
	ProjectStatusCompleted = "completed"
)

// ProjectPriorityRank maps a priority label to its pause rank (lower pauses first).
func ProjectPriorityRank(priority string) int {
	switch priority {
	case ProjectPriorityLow:
		return 0
	case ProjectPriorityMedium:
		return 1
	case ProjectPriorityHigh:
		return 2
	case ProjectPriorityCritical:
		return 3
	default:
		return 4
	}
}

// Project is the slice of the project registry the engine reads and writes:
// priority and status for the auto-pause cascade. Project CRUD lives elsewhere.
type Project struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	Name       string `gorm:"type:varchar(255);not null" json:"name"` // Display name.
	ProviderID uint64 `gorm:"not null;index" json:"provider_id"`      // Provider the project consumes.

	Priority string `gorm:"type:varchar(16);not null;default:medium;index" json:"priority"`
	Status   string `gorm:"type:varchar(16);not null;default:active;index" json:"status"`

	// AutoPauseEnabled is the opt-out flag. No column default: gorm would
	// replace an explicit false with the default on insert.
	AutoPauseEnabled bool `gorm:"not null" json:"auto_pause_enabled"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}
