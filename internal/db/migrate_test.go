package db

import (
	"testing"
	"time"

	"github.com/quotaguard/quotaguard/internal/models"
	"gorm.io/gorm"
)

func openMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := Open("file::memory:")
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestMigrateSeedsGlobalAlertConfig(t *testing.T) {
	conn := openMigratedDB(t)

	var cfg models.AlertConfig
	errFind := conn.Where("provider_id IS NULL AND project_id IS NULL").Take(&cfg).Error
	if errFind != nil {
		t.Fatalf("load seeded config: %v", errFind)
	}
	if !cfg.IsActive || !cfg.EscalationEnabled {
		t.Fatalf("seeded config flags not persisted: %+v", cfg)
	}
	if cfg.WarningThreshold != 80 || cfg.CriticalThreshold != 90 || cfg.EmergencyThreshold != 95 {
		t.Fatalf("unexpected seeded thresholds: %+v", cfg)
	}

	// Running migrations again must not duplicate the seed.
	if errAgain := Migrate(conn); errAgain != nil {
		t.Fatalf("second migrate: %v", errAgain)
	}
	var total int64
	if errCount := conn.Model(&models.AlertConfig{}).Count(&total).Error; errCount != nil {
		t.Fatalf("count configs: %v", errCount)
	}
	if total != 1 {
		t.Fatalf("configs = %d, want 1", total)
	}
}

func TestMigrateEnforcesUsageScopeUniqueness(t *testing.T) {
	conn := openMigratedDB(t)
	now := time.Now().UTC()

	wide := models.QuotaUsage{ProviderID: 1, WindowStartedAt: now}
	if errCreate := conn.Create(&wide).Error; errCreate != nil {
		t.Fatalf("create provider-wide row: %v", errCreate)
	}

	// NULL project ids compare as distinct in SQL, so the composite index
	// alone would admit this duplicate; the partial index must reject it.
	duplicate := models.QuotaUsage{ProviderID: 1, WindowStartedAt: now}
	if errDup := conn.Create(&duplicate).Error; errDup == nil {
		t.Fatal("expected duplicate provider-wide row to be rejected")
	}

	other := models.QuotaUsage{ProviderID: 2, WindowStartedAt: now}
	if errOther := conn.Create(&other).Error; errOther != nil {
		t.Fatalf("create row for second provider: %v", errOther)
	}

	projectID := uint64(7)
	scoped := models.QuotaUsage{ProviderID: 1, ProjectID: &projectID, WindowStartedAt: now}
	if errScoped := conn.Create(&scoped).Error; errScoped != nil {
		t.Fatalf("create project-scoped row: %v", errScoped)
	}
	scopedDup := models.QuotaUsage{ProviderID: 1, ProjectID: &projectID, WindowStartedAt: now}
	if errScopedDup := conn.Create(&scopedDup).Error; errScopedDup == nil {
		t.Fatal("expected duplicate project-scoped row to be rejected")
	}
}
