package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quotaguard/quotaguard/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrConfigNotFound indicates the alert config row does not exist.
var ErrConfigNotFound = errors.New("alerts: config not found")

// ErrInvalidConfig indicates the submitted configuration is unusable.
var ErrInvalidConfig = errors.New("alerts: invalid config")

// ConfigInput carries a create or patch request for one scope's config.
// Pointer fields distinguish "unset" from zero values on PATCH.
type ConfigInput struct {
	ProviderID *uint64 `json:"provider_id"`
	ProjectID  *uint64 `json:"project_id"`

	WarningThreshold   *float64 `json:"warning_threshold"`
	CriticalThreshold  *float64 `json:"critical_threshold"`
	EmergencyThreshold *float64 `json:"emergency_threshold"`

	Channels []string `json:"channels"`

	CooldownMinutes   *int  `json:"cooldown_minutes"`
	EscalationEnabled *bool `json:"escalation_enabled"`
	EscalationMinutes *int  `json:"escalation_minutes"`
	MaxEscalations    *int  `json:"max_escalations"`
	IsActive          *bool `json:"is_active"`
}

func validChannels(channels []string) error {
	for _, channel := range channels {
		switch channel {
		case models.ChannelDashboard, models.ChannelDesktop, models.ChannelAudio:
		default:
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, channel)
		}
	}
	return nil
}

// ListConfigs returns all configs, most specific scopes first.
func (e *Engine) ListConfigs(ctx context.Context) ([]models.AlertConfig, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	var rows []models.AlertConfig
	errFind := e.db.WithContext(ctx).
		Order("project_id IS NULL ASC, provider_id IS NULL ASC, id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("alerts: list configs: %w", errFind)
	}
	return rows, nil
}

// CreateConfig stores a new scope configuration.
func (e *Engine) CreateConfig(ctx context.Context, in ConfigInput) (*models.AlertConfig, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	if errChannels := validChannels(in.Channels); errChannels != nil {
		return nil, errChannels
	}

	cfg := models.AlertConfig{
		ProviderID:         in.ProviderID,
		ProjectID:          in.ProjectID,
		WarningThreshold:   80,
		CriticalThreshold:  90,
		EmergencyThreshold: 95,
		Channels:           datatypes.JSON(`["dashboard"]`),
		CooldownMinutes:    15,
		EscalationEnabled:  true,
		EscalationMinutes:  10,
		MaxEscalations:     3,
		IsActive:           true,
	}
	applyConfigInput(&cfg, in)
	if errOrder := checkThresholdOrder(&cfg); errOrder != nil {
		return nil, errOrder
	}
	if errCreate := e.db.WithContext(ctx).Create(&cfg).Error; errCreate != nil {
		return nil, fmt.Errorf("alerts: create config: %w", errCreate)
	}
	return &cfg, nil
}

// PatchConfig updates an existing configuration in place.
func (e *Engine) PatchConfig(ctx context.Context, id uint64, in ConfigInput) (*models.AlertConfig, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	if errChannels := validChannels(in.Channels); errChannels != nil {
		return nil, errChannels
	}

	var cfg models.AlertConfig
	errFind := e.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("alerts: load config: %w", errFind)
	}

	applyConfigInput(&cfg, in)
	if errOrder := checkThresholdOrder(&cfg); errOrder != nil {
		return nil, errOrder
	}
	if errSave := e.db.WithContext(ctx).Save(&cfg).Error; errSave != nil {
		return nil, fmt.Errorf("alerts: save config: %w", errSave)
	}
	return &cfg, nil
}

func applyConfigInput(cfg *models.AlertConfig, in ConfigInput) {
	if in.WarningThreshold != nil {
		cfg.WarningThreshold = *in.WarningThreshold
	}
	if in.CriticalThreshold != nil {
		cfg.CriticalThreshold = *in.CriticalThreshold
	}
	if in.EmergencyThreshold != nil {
		cfg.EmergencyThreshold = *in.EmergencyThreshold
	}
	if len(in.Channels) > 0 {
		if raw, errMarshal := json.Marshal(in.Channels); errMarshal == nil {
			cfg.Channels = raw
		}
	}
	if in.CooldownMinutes != nil && *in.CooldownMinutes >= 0 {
		cfg.CooldownMinutes = *in.CooldownMinutes
	}
	if in.EscalationEnabled != nil {
		cfg.EscalationEnabled = *in.EscalationEnabled
	}
	if in.EscalationMinutes != nil && *in.EscalationMinutes > 0 {
		cfg.EscalationMinutes = *in.EscalationMinutes
	}
	if in.MaxEscalations != nil && *in.MaxEscalations >= 0 {
		cfg.MaxEscalations = *in.MaxEscalations
	}
	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}
}

func checkThresholdOrder(cfg *models.AlertConfig) error {
	if cfg.WarningThreshold <= 0 ||
		cfg.WarningThreshold >= cfg.CriticalThreshold ||
		cfg.CriticalThreshold >= cfg.EmergencyThreshold {
		return fmt.Errorf("%w: thresholds must ascend warning < critical < emergency", ErrInvalidConfig)
	}
	return nil
}
