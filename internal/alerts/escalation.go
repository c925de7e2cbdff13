package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/internal/models"

	log "github.com/sirupsen/logrus"
)

// RunEscalation sweeps for overdue unacknowledged alerts until the context is
// cancelled.
func (e *Engine) RunEscalation(ctx context.Context, interval time.Duration) {
	if e == nil || e.db == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errSweep := e.EscalationSweep(ctx); errSweep != nil {
				log.WithError(errSweep).Warn("alerts: escalation sweep failed")
			}
		}
	}
}

// EscalationSweep re-dispatches active alerts that stayed unacknowledged past
// their escalation delay, up to the configured cap. Beyond the cap an alert
// stays active but is no longer re-dispatched.
func (e *Engine) EscalationSweep(ctx context.Context) error {
	if e == nil || e.db == nil {
		return fmt.Errorf("alerts: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := e.nowFn().UTC()

	var active []models.Alert
	errFind := e.db.WithContext(ctx).
		Where("status = ?", models.AlertStatusActive).
		Find(&active).Error
	if errFind != nil {
		return fmt.Errorf("alerts: list active: %w", errFind)
	}

	for i := range active {
		alert := &active[i]
		cfg, errResolve := e.resolveConfig(ctx, alert.ProviderID, alert.ProjectID)
		if errResolve != nil {
			return errResolve
		}
		if cfg == nil || !cfg.EscalationEnabled {
			continue
		}
		if alert.EscalationCount >= cfg.MaxEscalations {
			continue
		}
		due := alert.CreatedAt.Add(time.Duration(alert.EscalationCount+1) * time.Duration(cfg.EscalationMinutes) * time.Minute)
		if now.Before(due) {
			continue
		}

		alert.EscalationCount++
		alert.IsEscalation = true
		errSave := e.db.WithContext(ctx).
			Model(&models.Alert{}).
			Where("id = ? AND status = ?", alert.ID, models.AlertStatusActive).
			Updates(map[string]interface{}{
				"escalation_count": alert.EscalationCount,
				"is_escalation":    true,
			}).Error
		if errSave != nil {
			return fmt.Errorf("alerts: save escalation: %w", errSave)
		}
		e.dispatch(alert, cfg)
		log.WithFields(log.Fields{
			"alert_id":   alert.ID,
			"escalation": alert.EscalationCount,
		}).Info("alerts: escalated unacknowledged alert")
	}
	return nil
}
