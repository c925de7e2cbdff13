package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/quota"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrAlertNotFound indicates the alert row does not exist.
var ErrAlertNotFound = errors.New("alerts: alert not found")

// ErrConflict indicates the alert is not in a state the transition accepts.
var ErrConflict = errors.New("alerts: alert state conflict")

// Engine turns threshold crossings into deduplicated, escalating,
// multi-channel notifications.
type Engine struct {
	db    *gorm.DB
	bus   *events.Bus
	nowFn func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(db *gorm.DB, bus *events.Bus) *Engine {
	return &Engine{db: db, bus: bus, nowFn: time.Now}
}

// Listener adapts the engine to the quota tracker's listener hook: upward
// crossings raise alerts, downward crossings auto-resolve them.
func (e *Engine) Listener() quota.Listener {
	return func(ctx context.Context, change quota.UsageChange) {
		if e == nil {
			return
		}
		if errHandle := e.HandleUsageChange(ctx, change); errHandle != nil {
			log.WithError(errHandle).Warn("alerts: usage change handling failed")
		}
	}
}

// HandleUsageChange evaluates one usage transition against the applicable
// alert configuration.
func (e *Engine) HandleUsageChange(ctx context.Context, change quota.UsageChange) error {
	if e == nil || e.db == nil {
		return fmt.Errorf("alerts: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, errResolve := e.resolveConfig(ctx, change.ProviderID, change.ProjectID)
	if errResolve != nil {
		return errResolve
	}
	if cfg == nil || !cfg.IsActive {
		return nil
	}

	thresholds := []float64{cfg.WarningThreshold, cfg.CriticalThreshold, cfg.EmergencyThreshold}
	for _, crossing := range quota.DiffThresholds(change.PrevPercent, change.NewPercent, thresholds) {
		switch crossing.Direction {
		case quota.CrossedUp:
			if errRaise := e.raise(ctx, cfg, change, crossing.Threshold); errRaise != nil {
				return errRaise
			}
		case quota.CrossedDown:
			if errResolveDown := e.autoResolve(ctx, change.ProviderID, crossing.Threshold); errResolveDown != nil {
				return errResolveDown
			}
		}
	}
	return nil
}

// resolveConfig returns the most specific active config for the scope:
// project+provider beats provider beats global.
func (e *Engine) resolveConfig(ctx context.Context, providerID uint64, projectID *uint64) (*models.AlertConfig, error) {
	if projectID != nil {
		cfg, errFind := e.findConfig(ctx, "provider_id = ? AND project_id = ? AND is_active = ?", providerID, *projectID, true)
		if errFind != nil {
			return nil, errFind
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	cfg, errFind := e.findConfig(ctx, "provider_id = ? AND project_id IS NULL AND is_active = ?", providerID, true)
	if errFind != nil {
		return nil, errFind
	}
	if cfg != nil {
		return cfg, nil
	}
	return e.findConfig(ctx, "provider_id IS NULL AND project_id IS NULL AND is_active = ?", true)
}

func (e *Engine) findConfig(ctx context.Context, query string, args ...interface{}) (*models.AlertConfig, error) {
	var cfg models.AlertConfig
	errFind := e.db.WithContext(ctx).Where(query, args...).Order("id ASC").Take(&cfg).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("alerts: load config: %w", errFind)
	}
	return &cfg, nil
}

// alertTypeFor maps a crossed threshold back to its severity label.
func alertTypeFor(cfg *models.AlertConfig, threshold float64) string {
	switch threshold {
	case cfg.EmergencyThreshold:
		return models.AlertTypeEmergency
	case cfg.CriticalThreshold:
		return models.AlertTypeCritical
	default:
		return models.AlertTypeWarning
	}
}

// raise creates and dispatches an alert unless an active alert for the same
// (provider, threshold) was created inside the cooldown window.
func (e *Engine) raise(ctx context.Context, cfg *models.AlertConfig, change quota.UsageChange, threshold float64) error {
	now := e.nowFn().UTC()

	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown > 0 {
		var duplicate models.Alert
		errDup := e.db.WithContext(ctx).
			Where("provider_id = ? AND threshold_percent = ? AND status = ? AND created_at > ?",
				change.ProviderID, threshold, models.AlertStatusActive, now.Add(-cooldown)).
			Take(&duplicate).Error
		if errDup == nil {
			return nil
		}
		if !errors.Is(errDup, gorm.ErrRecordNotFound) {
			return fmt.Errorf("alerts: cooldown check: %w", errDup)
		}
	}

	alert := models.Alert{
		ProviderID:       change.ProviderID,
		ProjectID:        change.ProjectID,
		AlertType:        alertTypeFor(cfg, threshold),
		ThresholdPercent: threshold,
		CurrentUsage:     change.CurrentRequests,
		QuotaLimit:       change.QuotaLimit,
		Status:           models.AlertStatusActive,
	}
	if errCreate := e.db.WithContext(ctx).Create(&alert).Error; errCreate != nil {
		return fmt.Errorf("alerts: create alert: %w", errCreate)
	}

	e.dispatch(&alert, cfg)
	return nil
}

// dispatch fans the alert out to every enabled channel. A channel that fails
// to deliver never blocks the others or the caller.
func (e *Engine) dispatch(alert *models.Alert, cfg *models.AlertConfig) {
	for _, channel := range channelList(cfg) {
		var eventType string
		switch channel {
		case models.ChannelDashboard:
			eventType = events.TypeQuotaAlert
		case models.ChannelDesktop:
			eventType = events.TypeDesktopNotification
		case models.ChannelAudio:
			eventType = events.TypeAudioAlert
		default:
			log.WithField("channel", channel).Warn("alerts: unknown channel, skipping")
			continue
		}
		if e.bus != nil {
			e.bus.Publish(eventType, alert)
		}
		metrics.AlertDispatched(alert.AlertType, channel)
	}
}

func channelList(cfg *models.AlertConfig) []string {
	var channels []string
	if len(cfg.Channels) > 0 {
		if errUnmarshal := json.Unmarshal(cfg.Channels, &channels); errUnmarshal != nil {
			log.WithError(errUnmarshal).Warn("alerts: malformed channel list")
		}
	}
	if len(channels) == 0 {
		channels = []string{models.ChannelDashboard}
	}
	return channels
}

// autoResolve resolves alerts at a threshold once usage drops back below it.
func (e *Engine) autoResolve(ctx context.Context, providerID uint64, threshold float64) error {
	now := e.nowFn().UTC()
	result := e.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("provider_id = ? AND threshold_percent = ? AND status IN ?",
			providerID, threshold, []string{models.AlertStatusActive, models.AlertStatusAcknowledged}).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("alerts: auto-resolve: %w", result.Error)
	}
	return nil
}

// Acknowledge marks an active alert acknowledged and halts its escalation.
func (e *Engine) Acknowledge(ctx context.Context, alertID uint64, acknowledgedBy string) (*models.Alert, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	alert, errGet := e.Get(ctx, alertID)
	if errGet != nil {
		return nil, errGet
	}
	now := e.nowFn().UTC()
	result := e.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ?", alertID, models.AlertStatusActive).
		Updates(map[string]interface{}{
			"status":          models.AlertStatusAcknowledged,
			"acknowledged_at": now,
			"acknowledged_by": acknowledgedBy,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("alerts: acknowledge: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: alert %d is %s", ErrConflict, alertID, alert.Status)
	}

	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = acknowledgedBy
	if e.bus != nil {
		e.bus.Publish(events.TypeAlertAcknowledged, alert)
	}
	return alert, nil
}

// Resolve marks an alert resolved.
func (e *Engine) Resolve(ctx context.Context, alertID uint64) (*models.Alert, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	alert, errGet := e.Get(ctx, alertID)
	if errGet != nil {
		return nil, errGet
	}
	now := e.nowFn().UTC()
	result := e.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status IN ?", alertID, []string{models.AlertStatusActive, models.AlertStatusAcknowledged}).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("alerts: resolve: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: alert %d is %s", ErrConflict, alertID, alert.Status)
	}
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	return alert, nil
}

// BulkOutcome reports one alert's result within a bulk acknowledge.
type BulkOutcome struct {
	AlertID uint64 `json:"alert_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// BulkAcknowledge applies acknowledge per id; partial success is allowed and
// each id's outcome is reported independently.
func (e *Engine) BulkAcknowledge(ctx context.Context, alertIDs []uint64, acknowledgedBy string) []BulkOutcome {
	outcomes := make([]BulkOutcome, 0, len(alertIDs))
	for _, id := range alertIDs {
		alert, errAck := e.Acknowledge(ctx, id, acknowledgedBy)
		if errAck != nil {
			outcomes = append(outcomes, BulkOutcome{AlertID: id, Status: "error", Error: errAck.Error()})
			continue
		}
		outcomes = append(outcomes, BulkOutcome{AlertID: id, Status: alert.Status})
	}
	return outcomes
}

// Get loads one alert row.
func (e *Engine) Get(ctx context.Context, alertID uint64) (*models.Alert, error) {
	var alert models.Alert
	if errFind := e.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("alerts: load alert: %w", errFind)
	}
	return &alert, nil
}

// ListActive returns unresolved alerts, newest first.
func (e *Engine) ListActive(ctx context.Context) ([]models.Alert, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	var rows []models.Alert
	errFind := e.db.WithContext(ctx).
		Where("status IN ?", []string{models.AlertStatusActive, models.AlertStatusAcknowledged}).
		Order("id DESC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("alerts: list active: %w", errFind)
	}
	return rows, nil
}

// HistoryFilter narrows alert history queries.
type HistoryFilter struct {
	Status     string
	AlertType  string
	ProviderID *uint64
	Limit      int
}

// History returns alerts matching the filter, newest first.
func (e *Engine) History(ctx context.Context, filter HistoryFilter) ([]models.Alert, error) {
	if e == nil || e.db == nil {
		return nil, fmt.Errorf("alerts: engine not initialized")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := e.db.WithContext(ctx).Model(&models.Alert{})
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	if filter.AlertType != "" {
		tx = tx.Where("alert_type = ?", filter.AlertType)
	}
	if filter.ProviderID != nil {
		tx = tx.Where("provider_id = ?", *filter.ProviderID)
	}
	var rows []models.Alert
	if errFind := tx.Order("id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("alerts: list history: %w", errFind)
	}
	return rows, nil
}
