package models

import "time"

// QuotaUsage tracks live quota consumption for one (provider, project) pair.
// A nil ProjectID row aggregates provider-wide usage. Rows are mutated only by
// the quota tracker; overage is observable state, not an enforced bound.
type QuotaUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.

	ProviderID uint64  `gorm:"not null;index:idx_quota_usage_scope,unique" json:"provider_id"` // Owning provider.
	ProjectID  *uint64 `gorm:"index:idx_quota_usage_scope,unique" json:"project_id"`           // Optional project scope.

	CurrentRequests int64 `gorm:"not null;default:0" json:"current_requests"` // Requests in the current window.
	CurrentTokens   int64 `gorm:"not null;default:0" json:"current_tokens"`   // Tokens in the current window.

	QuotaLimit       int64 `gorm:"not null;default:0" json:"quota_limit"`        // Request limit for the window.
	QuotaLimitTokens int64 `gorm:"not null;default:0" json:"quota_limit_tokens"` // Token limit for the window.

	UsagePercent float64 `gorm:"not null;default:0" json:"usage_percent"` // current_requests / quota_limit * 100.
	IsOverLimit  bool    `gorm:"not null;default:false" json:"is_over_limit"`

	OverageCount int64 `gorm:"not null;default:0" json:"overage_count"` // Overages in the current window.
	// LifetimeOverageCount survives window resets.
	LifetimeOverageCount int64 `gorm:"not null;default:0" json:"lifetime_overage_count"`

	WindowStartedAt time.Time `gorm:"not null" json:"window_started_at"` // Start of the current window.

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}
