package db

import (
	"errors"
	"fmt"

	"github.com/quotaguard/quotaguard/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations and seeds required defaults.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.Provider{},
		&models.Project{},
		&models.QuotaUsage{},
		&models.RateLimitEvent{},
		&models.QueuedRequest{},
		&models.AlertConfig{},
		&models.Alert{},
		&models.AutoPauseLog{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	if errIndex := ensureProviderWideUsageIndex(conn); errIndex != nil {
		return errIndex
	}
	if errSeed := ensureGlobalAlertConfig(conn); errSeed != nil {
		return errSeed
	}
	return nil
}

// ensureProviderWideUsageIndex keeps the provider-wide usage row unique.
// The composite unique index does not cover it because SQL treats NULL
// project ids as distinct; the partial index closes that gap on both
// sqlite and postgres.
func ensureProviderWideUsageIndex(conn *gorm.DB) error {
	errExec := conn.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_usage_provider_wide ON quota_usages (provider_id) WHERE project_id IS NULL",
	).Error
	if errExec != nil {
		return fmt.Errorf("db: create provider-wide usage index: %w", errExec)
	}
	return nil
}

// ensureGlobalAlertConfig seeds the global-scope alert config when absent.
func ensureGlobalAlertConfig(conn *gorm.DB) error {
	var existing models.AlertConfig
	errFind := conn.Where("provider_id IS NULL AND project_id IS NULL").First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: load global alert config: %w", errFind)
	}

	row := models.AlertConfig{
		WarningThreshold:   80,
		CriticalThreshold:  90,
		EmergencyThreshold: 95,
		Channels:           []byte(`["dashboard"]`),
		CooldownMinutes:    15,
		EscalationEnabled:  true,
		EscalationMinutes:  10,
		MaxEscalations:     3,
		IsActive:           true,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		return fmt.Errorf("db: seed global alert config: %w", errCreate)
	}
	return nil
}
