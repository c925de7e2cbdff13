package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/quota"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, errOpen := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Alert{}, &models.AlertConfig{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func seedGlobalConfig(t *testing.T, db *gorm.DB, channels string) *models.AlertConfig {
	t.Helper()
	cfg := models.AlertConfig{
		WarningThreshold:   80,
		CriticalThreshold:  90,
		EmergencyThreshold: 95,
		Channels:           datatypes.JSON(channels),
		CooldownMinutes:    15,
		EscalationEnabled:  true,
		EscalationMinutes:  10,
		MaxEscalations:     3,
		IsActive:           true,
	}
	if errCreate := db.Create(&cfg).Error; errCreate != nil {
		t.Fatalf("seed config: %v", errCreate)
	}
	return &cfg
}

func usageChange(providerID uint64, prev, curr float64) quota.UsageChange {
	return quota.UsageChange{
		ProviderID:      providerID,
		ProviderName:    "openai",
		PrevPercent:     prev,
		NewPercent:      curr,
		CurrentRequests: int64(curr),
		QuotaLimit:      100,
	}
}

func collectEvents(ch <-chan events.Event) map[string]int {
	counts := make(map[string]int)
	for {
		select {
		case evt := <-ch:
			counts[evt.Type]++
		case <-time.After(50 * time.Millisecond):
			return counts
		}
	}
}

func TestWarningCrossingRaisesDashboardAlert(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	e := NewEngine(db, bus)

	// 79% -> 81% crosses only the warning threshold.
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 81)); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	if alert.AlertType != models.AlertTypeWarning || alert.ThresholdPercent != 80 || alert.Status != models.AlertStatusActive {
		t.Fatalf("unexpected alert: %+v", alert)
	}

	counts := collectEvents(ch)
	if counts[events.TypeQuotaAlert] != 1 {
		t.Fatalf("dashboard events = %d, want 1", counts[events.TypeQuotaAlert])
	}
	if counts[events.TypeAudioAlert] != 0 || counts[events.TypeDesktopNotification] != 0 {
		t.Fatalf("unexpected channel fanout: %+v", counts)
	}
}

func TestEmergencyCrossingDispatchesAudio(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard","audio"]`)
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	e := NewEngine(db, bus)

	// 94% -> 96% crosses only the emergency threshold.
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 94, 96)); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	if alert.AlertType != models.AlertTypeEmergency {
		t.Fatalf("alert type = %s, want emergency", alert.AlertType)
	}

	counts := collectEvents(ch)
	if counts[events.TypeAudioAlert] != 1 || counts[events.TypeQuotaAlert] != 1 {
		t.Fatalf("unexpected channel fanout: %+v", counts)
	}
}

func TestCooldownSuppressesDuplicates(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	e := NewEngine(db, nil)
	base := time.Now().UTC()
	e.nowFn = func() time.Time { return base }

	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 81)); errHandle != nil {
		t.Fatalf("first crossing: %v", errHandle)
	}
	// Usage dipped just below and crossed again within the cooldown window;
	// the active alert suppresses the duplicate.
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 82)); errHandle != nil {
		t.Fatalf("second crossing: %v", errHandle)
	}

	var count int64
	db.Model(&models.Alert{}).Count(&count)
	if count != 1 {
		t.Fatalf("alerts = %d, want 1 within cooldown", count)
	}

	// Past the cooldown a fresh crossing alerts again.
	e.nowFn = func() time.Time { return base.Add(16 * time.Minute) }
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 83)); errHandle != nil {
		t.Fatalf("third crossing: %v", errHandle)
	}
	db.Model(&models.Alert{}).Count(&count)
	if count != 2 {
		t.Fatalf("alerts = %d, want 2 after cooldown", count)
	}
}

func TestMostSpecificScopeWins(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)

	providerID := uint64(1)
	projectID := uint64(7)
	providerCfg := models.AlertConfig{
		ProviderID:         &providerID,
		WarningThreshold:   50,
		CriticalThreshold:  60,
		EmergencyThreshold: 70,
		Channels:           datatypes.JSON(`["dashboard"]`),
		CooldownMinutes:    15,
		IsActive:           true,
	}
	if errCreate := db.Create(&providerCfg).Error; errCreate != nil {
		t.Fatalf("create provider config: %v", errCreate)
	}
	projectCfg := models.AlertConfig{
		ProviderID:         &providerID,
		ProjectID:          &projectID,
		WarningThreshold:   30,
		CriticalThreshold:  40,
		EmergencyThreshold: 45,
		Channels:           datatypes.JSON(`["dashboard"]`),
		CooldownMinutes:    15,
		IsActive:           true,
	}
	if errCreate := db.Create(&projectCfg).Error; errCreate != nil {
		t.Fatalf("create project config: %v", errCreate)
	}

	e := NewEngine(db, nil)

	// 32% crosses the project config's warning threshold only.
	change := usageChange(providerID, 25, 32)
	change.ProjectID = &projectID
	if errHandle := e.HandleUsageChange(context.Background(), change); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	if alert.ThresholdPercent != 30 {
		t.Fatalf("threshold = %.0f, want project-scoped 30", alert.ThresholdPercent)
	}

	// Without a project the provider config applies.
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(providerID, 45, 55)); errHandle != nil {
		t.Fatalf("handle provider scope: %v", errHandle)
	}
	var alerts []models.Alert
	db.Order("id ASC").Find(&alerts)
	if len(alerts) != 2 || alerts[1].ThresholdPercent != 50 {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

func TestDownwardCrossingAutoResolves(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	e := NewEngine(db, nil)

	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 85)); errHandle != nil {
		t.Fatalf("raise: %v", errHandle)
	}
	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 85, 70)); errHandle != nil {
		t.Fatalf("recover: %v", errHandle)
	}

	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	if alert.Status != models.AlertStatusResolved || alert.ResolvedAt == nil {
		t.Fatalf("alert not auto-resolved: %+v", alert)
	}
}

func TestEscalationSweepRespectsAcknowledgeAndCap(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	e := NewEngine(db, nil)
	base := time.Now().UTC()
	e.nowFn = func() time.Time { return base }

	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 81)); errHandle != nil {
		t.Fatalf("raise: %v", errHandle)
	}
	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	// Pin created_at so escalation due times are deterministic.
	if errPin := db.Model(&models.Alert{}).Where("id = ?", alert.ID).Update("created_at", base).Error; errPin != nil {
		t.Fatalf("pin created_at: %v", errPin)
	}

	// Too early: nothing escalates.
	e.nowFn = func() time.Time { return base.Add(5 * time.Minute) }
	if errSweep := e.EscalationSweep(context.Background()); errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	db.First(&alert, alert.ID)
	if alert.EscalationCount != 0 {
		t.Fatalf("escalated early: %+v", alert)
	}

	// Escalations accrue every 10 minutes up to max_escalations=3.
	for i, offset := range []int{11, 21, 31, 41} {
		e.nowFn = func() time.Time { return base.Add(time.Duration(offset) * time.Minute) }
		if errSweep := e.EscalationSweep(context.Background()); errSweep != nil {
			t.Fatalf("sweep %d: %v", i, errSweep)
		}
	}
	db.First(&alert, alert.ID)
	if alert.EscalationCount != 3 || !alert.IsEscalation {
		t.Fatalf("escalation cap not honored: %+v", alert)
	}
	if alert.Status != models.AlertStatusActive {
		t.Fatalf("alert status = %s, want still active", alert.Status)
	}

	// Acknowledged alerts stop escalating.
	if _, errAck := e.Acknowledge(context.Background(), alert.ID, "oncall"); errAck != nil {
		t.Fatalf("acknowledge: %v", errAck)
	}
	e.nowFn = func() time.Time { return base.Add(2 * time.Hour) }
	if errSweep := e.EscalationSweep(context.Background()); errSweep != nil {
		t.Fatalf("post-ack sweep: %v", errSweep)
	}
	db.First(&alert, alert.ID)
	if alert.EscalationCount != 3 {
		t.Fatalf("acknowledged alert escalated: %+v", alert)
	}
}

func TestAcknowledgeAndResolveTransitions(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	e := NewEngine(db, bus)

	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 81)); errHandle != nil {
		t.Fatalf("raise: %v", errHandle)
	}
	var alert models.Alert
	db.Take(&alert)

	acked, errAck := e.Acknowledge(context.Background(), alert.ID, "oncall")
	if errAck != nil {
		t.Fatalf("acknowledge: %v", errAck)
	}
	if acked.Status != models.AlertStatusAcknowledged || acked.AcknowledgedBy != "oncall" || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledge result: %+v", acked)
	}
	if _, errAgain := e.Acknowledge(context.Background(), alert.ID, "oncall"); !errors.Is(errAgain, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", errAgain)
	}

	resolved, errResolve := e.Resolve(context.Background(), alert.ID)
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if resolved.Status != models.AlertStatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolve result: %+v", resolved)
	}
	if _, errMissing := e.Acknowledge(context.Background(), 9999, "oncall"); !errors.Is(errMissing, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", errMissing)
	}

	counts := collectEvents(ch)
	if counts[events.TypeAlertAcknowledged] != 1 {
		t.Fatalf("acknowledged events = %d, want 1", counts[events.TypeAlertAcknowledged])
	}
}

func TestBulkAcknowledgePartialSuccess(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	e := NewEngine(db, nil)

	if errHandle := e.HandleUsageChange(context.Background(), usageChange(1, 79, 81)); errHandle != nil {
		t.Fatalf("raise: %v", errHandle)
	}
	var alert models.Alert
	db.Take(&alert)

	outcomes := e.BulkAcknowledge(context.Background(), []uint64{alert.ID, 9999}, "oncall")
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if outcomes[0].Status != models.AlertStatusAcknowledged || outcomes[0].Error != "" {
		t.Fatalf("unexpected first outcome: %+v", outcomes[0])
	}
	if outcomes[1].Status != "error" || outcomes[1].Error == "" {
		t.Fatalf("unexpected second outcome: %+v", outcomes[1])
	}
}

func TestConfigValidation(t *testing.T) {
	db := openTestDB(t)
	e := NewEngine(db, nil)

	warning := 90.0
	critical := 80.0
	_, errCreate := e.CreateConfig(context.Background(), ConfigInput{
		WarningThreshold:  &warning,
		CriticalThreshold: &critical,
	})
	if !errors.Is(errCreate, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for inverted thresholds, got %v", errCreate)
	}

	_, errChannel := e.CreateConfig(context.Background(), ConfigInput{Channels: []string{"pager"}})
	if !errors.Is(errChannel, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown channel, got %v", errChannel)
	}

	cfg, errOK := e.CreateConfig(context.Background(), ConfigInput{Channels: []string{"dashboard", "audio"}})
	if errOK != nil {
		t.Fatalf("create: %v", errOK)
	}

	cooldown := 5
	patched, errPatch := e.PatchConfig(context.Background(), cfg.ID, ConfigInput{CooldownMinutes: &cooldown})
	if errPatch != nil {
		t.Fatalf("patch: %v", errPatch)
	}
	if patched.CooldownMinutes != 5 {
		t.Fatalf("cooldown = %d, want 5", patched.CooldownMinutes)
	}
	if _, errMissing := e.PatchConfig(context.Background(), 9999, ConfigInput{}); !errors.Is(errMissing, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", errMissing)
	}
}

func TestCreateConfigPersistsDisabledFlags(t *testing.T) {
	db := openTestDB(t)
	e := NewEngine(db, nil)

	off := false
	noCooldown := 0
	cfg, errCreate := e.CreateConfig(context.Background(), ConfigInput{
		IsActive:          &off,
		EscalationEnabled: &off,
		CooldownMinutes:   &noCooldown,
	})
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	// Read the raw row back: explicit false and zero must survive the insert.
	var row models.AlertConfig
	if errFind := db.First(&row, "id = ?", cfg.ID).Error; errFind != nil {
		t.Fatalf("load row: %v", errFind)
	}
	if row.IsActive {
		t.Fatal("is_active persisted as true despite explicit false")
	}
	if row.EscalationEnabled {
		t.Fatal("escalation_enabled persisted as true despite explicit false")
	}
	if row.CooldownMinutes != 0 {
		t.Fatalf("cooldown_minutes = %d, want 0", row.CooldownMinutes)
	}
}

func TestRateLimitFailureRaisesCriticalAlert(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()
	e := NewEngine(db, bus)

	incident := &models.RateLimitEvent{ProviderID: 7, Endpoint: "/v1/chat"}
	if errHandle := e.HandleRateLimitFailure(context.Background(), incident); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	var alert models.Alert
	if errFind := db.Take(&alert).Error; errFind != nil {
		t.Fatalf("load alert: %v", errFind)
	}
	if alert.ProviderID != 7 || alert.AlertType != models.AlertTypeCritical || alert.Status != models.AlertStatusActive {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.ThresholdPercent != 0 {
		t.Fatalf("threshold = %v, want 0 for incident-driven alerts", alert.ThresholdPercent)
	}

	counts := collectEvents(ch)
	if counts[events.TypeQuotaAlert] != 1 {
		t.Fatalf("dashboard events = %d, want 1", counts[events.TypeQuotaAlert])
	}

	// A second failure inside the cooldown window is suppressed.
	if errAgain := e.HandleRateLimitFailure(context.Background(), incident); errAgain != nil {
		t.Fatalf("handle again: %v", errAgain)
	}
	var total int64
	if errCount := db.Model(&models.Alert{}).Count(&total).Error; errCount != nil {
		t.Fatalf("count alerts: %v", errCount)
	}
	if total != 1 {
		t.Fatalf("alerts = %d, want 1 after cooldown dedupe", total)
	}
}

func TestRateLimitWatchConsumesBusFailures(t *testing.T) {
	db := openTestDB(t)
	seedGlobalConfig(t, db, `["dashboard"]`)
	bus := events.NewBus(nil)
	defer bus.Close()
	e := NewEngine(db, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		e.RunRateLimitWatch(ctx, bus)
		close(watchDone)
	}()

	bus.Publish(events.TypeRateLimitFailed, &models.RateLimitEvent{ProviderID: 3, Endpoint: "/v1/embed"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		var total int64
		if errCount := db.Model(&models.Alert{}).Count(&total).Error; errCount != nil {
			t.Fatalf("count alerts: %v", errCount)
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the watch to raise an alert for the bus event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on context cancel")
	}
}
