package models

import "time"

// Provider stores immutable upstream provider reference data and limits.
type Provider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	Name        string `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"` // Canonical provider name.
	DisplayName string `gorm:"type:varchar(255)" json:"display_name"`             // Human-readable name.

	RateLimitRPM       int64 `gorm:"not null;default:0" json:"rate_limit_rpm"`            // Requests per minute limit.
	RateLimitTPM       int64 `gorm:"not null;default:0" json:"rate_limit_tpm"`            // Tokens per minute limit.
	RateLimitTokensDay int64 `gorm:"not null;default:0" json:"rate_limit_tokens_per_day"` // Tokens per day limit.

	// WindowSeconds defines the rolling quota window; counters reset when it elapses.
	WindowSeconds int64 `gorm:"not null;default:60" json:"window_seconds"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}
