package models

import (
	"time"

	"gorm.io/datatypes"
)

// Alert channels.
const (
	ChannelDashboard = "dashboard"
	ChannelDesktop   = "desktop"
	ChannelAudio     = "audio"
)

// AlertConfig holds threshold, channel, and escalation settings for a scope.
// A nil ProviderID means global; a nil ProjectID means provider-wide. The most
// specific matching scope wins: project+provider > provider > global.
type AlertConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	ProviderID *uint64 `gorm:"index" json:"provider_id"` // Optional provider scope.
	ProjectID  *uint64 `gorm:"index" json:"project_id"`  // Optional project scope.

	WarningThreshold   float64 `gorm:"not null;default:80" json:"warning_threshold"`   // Percent, ascending.
	CriticalThreshold  float64 `gorm:"not null;default:90" json:"critical_threshold"`  // Percent, ascending.
	EmergencyThreshold float64 `gorm:"not null;default:95" json:"emergency_threshold"` // Percent, ascending.

	Channels datatypes.JSON `gorm:"type:jsonb;not null;default:'[\"dashboard\"]'" json:"channels"` // Enabled channels.

	// The bool and zero-meaningful fields below carry no column defaults:
	// gorm omits zero values on insert when a default exists, so an explicit
	// false (or 0) would silently become the default. CreateConfig fills the
	// application defaults instead.
	CooldownMinutes   int  `gorm:"not null" json:"cooldown_minutes"` // Duplicate suppression window; zero disables.
	EscalationEnabled bool `gorm:"not null" json:"escalation_enabled"`
	EscalationMinutes int  `gorm:"not null;default:10" json:"escalation_minutes"` // Unacknowledged re-notify delay.
	MaxEscalations    int  `gorm:"not null" json:"max_escalations"`               // Escalation cap; zero disables.

	IsActive bool `gorm:"not null" json:"is_active"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}

// ThresholdFor returns the configured percent for an alert type.
func (c *AlertConfig) ThresholdFor(alertType string) float64 {
	if c == nil {
		return 0
	}
	switch alertType {
	case AlertTypeWarning:
		return c.WarningThreshold
	case AlertTypeCritical:
		return c.CriticalThreshold
	case AlertTypeEmergency:
		return c.EmergencyThreshold
	}
	return 0
}
