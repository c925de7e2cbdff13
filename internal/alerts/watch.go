package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunRateLimitWatch consumes exhausted-retry incidents from the bus and
// raises alerts for them. Blocks until ctx is done or the bus closes.
func (e *Engine) RunRateLimitWatch(ctx context.Context, bus *events.Bus) {
	if e == nil || bus == nil {
		return
	}
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.TypeRateLimitFailed {
				continue
			}
			incident, ok := evt.Payload.(*models.RateLimitEvent)
			if !ok {
				continue
			}
			if errHandle := e.HandleRateLimitFailure(ctx, incident); errHandle != nil {
				log.WithError(errHandle).Warn("alerts: rate limit failure handling failed")
			}
		}
	}
}

// HandleRateLimitFailure raises a critical alert for an incident that
// exhausted its automatic retries. A zero threshold marks the alert as
// incident-driven rather than a usage crossing; the scope's cooldown
// still suppresses duplicates.
func (e *Engine) HandleRateLimitFailure(ctx context.Context, incident *models.RateLimitEvent) error {
	if e == nil || e.db == nil {
		return fmt.Errorf("alerts: engine not initialized")
	}
	if incident == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, errResolve := e.resolveConfig(ctx, incident.ProviderID, nil)
	if errResolve != nil {
		return errResolve
	}
	if cfg == nil || !cfg.IsActive {
		return nil
	}

	now := e.nowFn().UTC()
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown > 0 {
		var duplicate models.Alert
		errDup := e.db.WithContext(ctx).
			Where("provider_id = ? AND alert_type = ? AND threshold_percent = 0 AND status = ? AND created_at > ?",
				incident.ProviderID, models.AlertTypeCritical, models.AlertStatusActive, now.Add(-cooldown)).
			Take(&duplicate).Error
		if errDup == nil {
			return nil
		}
		if !errors.Is(errDup, gorm.ErrRecordNotFound) {
			return fmt.Errorf("alerts: cooldown check: %w", errDup)
		}
	}

	alert := models.Alert{
		ProviderID: incident.ProviderID,
		AlertType:  models.AlertTypeCritical,
		Status:     models.AlertStatusActive,
	}
	if errCreate := e.db.WithContext(ctx).Create(&alert).Error; errCreate != nil {
		return fmt.Errorf("alerts: create alert: %w", errCreate)
	}

	log.WithFields(log.Fields{
		"provider_id": incident.ProviderID,
		"endpoint":    incident.Endpoint,
	}).Warn("alerts: rate limit retries exhausted")
	e.dispatch(&alert, cfg)
	return nil
}
