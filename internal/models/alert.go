package models

import "time"

// Alert types, ascending in severity.
const (
	AlertTypeWarning   = "warning"
	AlertTypeCritical  = "critical"
	AlertTypeEmergency = "emergency"
)

// Alert statuses.
const (
	// AlertStatusActive marks an unhandled alert; escalation applies.
	AlertStatusActive = "active"
	// AlertStatusAcknowledged marks a human-acknowledged alert; escalation halts.
	AlertStatusAcknowledged = "acknowledged"
	// AlertStatusResolved marks an alert cleared manually or by recovered usage.
	AlertStatusResolved = "resolved"
)

// Alert records one threshold crossing notification and its lifecycle.
type Alert struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	ProviderID uint64  `gorm:"not null;index" json:"provider_id"` // Provider whose quota crossed.
	ProjectID  *uint64 `gorm:"index" json:"project_id"`           // Optional project scope.

	AlertType        string  `gorm:"type:varchar(16);not null;index" json:"alert_type"`
	ThresholdPercent float64 `gorm:"not null" json:"threshold_percent"` // Crossed threshold.
	CurrentUsage     int64   `gorm:"not null" json:"current_usage"`     // Requests at crossing time.
	QuotaLimit       int64   `gorm:"not null" json:"quota_limit"`       // Limit at crossing time.

	Status          string `gorm:"type:varchar(16);not null;index" json:"status"`
	EscalationCount int    `gorm:"not null;default:0" json:"escalation_count"` // Escalations dispatched.
	IsEscalation    bool   `gorm:"not null;default:false" json:"is_escalation"`

	AcknowledgedBy string `gorm:"type:varchar(255)" json:"acknowledged_by"` // Who acknowledged.

	CreatedAt      time.Time  `gorm:"not null;autoCreateTime;index" json:"created_at"` // Creation timestamp.
	AcknowledgedAt *time.Time `json:"acknowledged_at"`                                 // Acknowledge timestamp.
	ResolvedAt     *time.Time `json:"resolved_at"`                                     // Resolution timestamp.
	UpdatedAt      time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`       // Last update timestamp.
}
