package autopause

import (
	"context"
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

// ErrProjectNotFound indicates the project does not exist.
var ErrProjectNotFound = errors.New("autopause: project not found")

// ErrNotPaused indicates an override on a project that is not paused.
var ErrNotPaused = errors.New("autopause: project not paused")

// ErrInvalidPriority indicates an unknown project priority label.
var ErrInvalidPriority = errors.New("autopause: invalid priority")

// UsageReader reports current provider-wide quota usage percent.
type UsageReader interface {
	UsagePercent(ctx context.Context, providerID uint64) (float64, error)
}

// Config holds the hysteresis band. Resume must sit below pause so recovery
// does not flap projects between states.
type Config struct {
	PauseThresholdPercent  float64
	ResumeThresholdPercent float64
}

// Controller pauses projects in ascending priority order when a provider
// crosses the emergency threshold, and resumes them in reverse pause order
// once usage recovers.
type Controller struct {
	db    *gorm.DB
	bus   *events.Bus
	usage UsageReader
	cfg   Config
	nowFn func() time.Time
}

// NewController constructs a Controller.
func NewController(db *gorm.DB, bus *events.Bus, usage UsageReader, cfg Config) *Controller {
	if cfg.PauseThresholdPercent <= 0 {
		cfg.PauseThresholdPercent = 95
	}
	if cfg.ResumeThresholdPercent <= 0 || cfg.ResumeThresholdPercent >= cfg.PauseThresholdPercent {
		cfg.ResumeThresholdPercent = cfg.PauseThresholdPercent - 10
	}
	return &Controller{db: db, bus: bus, usage: usage, cfg: cfg, nowFn: time.Now}
}

// Listener adapts the controller to the quota tracker's listener hook.
func (c *Controller) Listener() quota.Listener {
	return func(ctx context.Context, change quota.UsageChange) {
		if c == nil {
			return
		}
		// Pause decisions key off the provider-wide aggregate row only.
		if change.ProjectID != nil {
			return
		}
		switch {
		case change.NewPercent >= c.cfg.PauseThresholdPercent:
			if errPause := c.PauseCascade(ctx, change.ProviderID, c.cfg.PauseThresholdPercent); errPause != nil {
				log.WithError(errPause).Warn("autopause: pause cascade failed")
			}
		case change.NewPercent < c.cfg.ResumeThresholdPercent:
			if errResume := c.ResumeIfQuotaRecovered(ctx, change.ProviderID); errResume != nil {
				log.WithError(errResume).Warn("autopause: resume failed")
			}
		}
	}
}

// PauseCascade pauses active auto-pausable projects on the provider in
// ascending priority order until usage falls below the resume threshold or
// nothing pausable remains. A higher-priority project is never paused while a
// lower-priority one stays active.
func (c *Controller) PauseCascade(ctx context.Context, providerID uint64, triggeredThreshold float64) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("autopause: controller not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if c.usage != nil {
			percent, errUsage := c.usage.UsagePercent(ctx, providerID)
			if errUsage != nil {
				return fmt.Errorf("autopause: read usage: %w", errUsage)
			}
			if percent < c.cfg.ResumeThresholdPercent {
				return nil
			}
		}

		project, errNext := c.nextPausable(ctx, providerID)
		if errNext != nil {
			return errNext
		}
		if project == nil {
			return nil
		}
		if errPause := c.pauseProject(ctx, project, triggeredThreshold); errPause != nil {
			return errPause
		}
	}
}

// nextPausable returns the lowest-priority active project that allows
// auto-pause, or nil when none remain.
func (c *Controller) nextPausable(ctx context.Context, providerID uint64) (*models.Project, error) {
	var projects []models.Project
	errFind := c.db.WithContext(ctx).
		Where("provider_id = ? AND status = ? AND auto_pause_enabled = ?", providerID, models.ProjectStatusActive, true).
		Find(&projects).Error
	if errFind != nil {
		return nil, fmt.Errorf("autopause: list projects: %w", errFind)
	}
	var lowest *models.Project
	for i := range projects {
		candidate := &projects[i]
		if lowest == nil || models.ProjectPriorityRank(candidate.Priority) < models.ProjectPriorityRank(lowest.Priority) {
			lowest = candidate
		}
	}
	return lowest, nil
}

func (c *Controller) pauseProject(ctx context.Context, project *models.Project, triggeredThreshold float64) error {
	now := c.nowFn().UTC()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Project{}).
			Where("id = ? AND status = ?", project.ID, models.ProjectStatusActive).
			Update("status", models.ProjectStatusPaused)
		if result.Error != nil {
			return fmt.Errorf("autopause: pause project: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		entry := models.AutoPauseLog{
			ProjectID:          project.ID,
			ProviderID:         project.ProviderID,
			TriggeredThreshold: triggeredThreshold,
			PriorityAtPause:    project.Priority,
			PausedAt:           now,
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return fmt.Errorf("autopause: log pause: %w", errCreate)
		}

		metrics.ProjectPaused(fmt.Sprintf("%d", project.ProviderID))
		if c.bus != nil {
			c.bus.Publish(events.TypeAutoPause, &entry)
		}
		log.WithFields(log.Fields{
			"project":  project.Name,
			"priority": project.Priority,
		}).Info("autopause: paused project")
		return nil
	})
}

// ResumeIfQuotaRecovered resumes paused projects in reverse pause order once
// provider usage sits below the resume threshold.
func (c *Controller) ResumeIfQuotaRecovered(ctx context.Context, providerID uint64) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("autopause: controller not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.usage != nil {
		percent, errUsage := c.usage.UsagePercent(ctx, providerID)
		if errUsage != nil {
			return fmt.Errorf("autopause: read usage: %w", errUsage)
		}
		if percent >= c.cfg.ResumeThresholdPercent {
			return nil
		}
	}

	var open []models.AutoPauseLog
	errFind := c.db.WithContext(ctx).
		Where("provider_id = ? AND resumed_at IS NULL", providerID).
		Order("paused_at DESC, id DESC").
		Find(&open).Error
	if errFind != nil {
		return fmt.Errorf("autopause: list open pauses: %w", errFind)
	}

	for i := range open {
		if errResume := c.resumeEntry(ctx, &open[i], ""); errResume != nil {
			return errResume
		}
	}
	return nil
}

// Override force-resumes a paused project regardless of quota state.
func (c *Controller) Override(ctx context.Context, projectID uint64, overrideBy string) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("autopause: controller not initialized")
	}
	var project models.Project
	errFind := c.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("autopause: load project: %w", errFind)
	}
	if project.Status != models.ProjectStatusPaused {
		return fmt.Errorf("%w: project %d is %s", ErrNotPaused, projectID, project.Status)
	}

	var entry models.AutoPauseLog
	errEntry := c.db.WithContext(ctx).
		Where("project_id = ? AND resumed_at IS NULL", projectID).
		Order("id DESC").
		Take(&entry).Error
	if errEntry != nil && !errors.Is(errEntry, gorm.ErrRecordNotFound) {
		return fmt.Errorf("autopause: load open pause: %w", errEntry)
	}
	if errors.Is(errEntry, gorm.ErrRecordNotFound) {
		// Manually paused project with no open log entry; just reactivate.
		if errUpdate := c.db.WithContext(ctx).Model(&models.Project{}).
			Where("id = ?", projectID).
			Update("status", models.ProjectStatusActive).Error; errUpdate != nil {
			return fmt.Errorf("autopause: resume project: %w", errUpdate)
		}
		return nil
	}
	return c.resumeEntry(ctx, &entry, overrideBy)
}

func (c *Controller) resumeEntry(ctx context.Context, entry *models.AutoPauseLog, overrideBy string) error {
	now := c.nowFn().UTC()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.AutoPauseLog{}).
			Where("id = ? AND resumed_at IS NULL", entry.ID).
			Updates(map[string]interface{}{
				"resumed_at":  now,
				"override_by": overrideBy,
			})
		if result.Error != nil {
			return fmt.Errorf("autopause: close pause log: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if errUpdate := tx.Model(&models.Project{}).
			Where("id = ? AND status = ?", entry.ProjectID, models.ProjectStatusPaused).
			Update("status", models.ProjectStatusActive).Error; errUpdate != nil {
			return fmt.Errorf("autopause: resume project: %w", errUpdate)
		}

		if c.bus != nil {
			c.bus.Publish(events.TypeAutoResume, entry)
		}
		log.WithField("project_id", entry.ProjectID).Info("autopause: resumed project")
		return nil
	})
}

// ProjectSettings is the tunable per-project auto-pause surface.
type ProjectSettings struct {
	ProjectID        uint64 `json:"project_id"`
	Name             string `json:"name"`
	Priority         string `json:"priority"`
	Status           string `json:"status"`
	AutoPauseEnabled bool   `json:"auto_pause_enabled"`
}

// GetSettings returns the auto-pause settings for one project.
func (c *Controller) GetSettings(ctx context.Context, projectID uint64) (*ProjectSettings, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("autopause: controller not initialized")
	}
	var project models.Project
	errFind := c.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("autopause: load project: %w", errFind)
	}
	return &ProjectSettings{
		ProjectID:        project.ID,
		Name:             project.Name,
		Priority:         project.Priority,
		Status:           project.Status,
		AutoPauseEnabled: project.AutoPauseEnabled,
	}, nil
}

// UpdateSettings patches priority and auto-pause enablement.
func (c *Controller) UpdateSettings(ctx context.Context, projectID uint64, priority *string, autoPauseEnabled *bool) (*ProjectSettings, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("autopause: controller not initialized")
	}
	values := map[string]interface{}{}
	if priority != nil {
		if models.ProjectPriorityRank(*priority) > models.ProjectPriorityRank(models.ProjectPriorityCritical) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *priority)
		}
		values["priority"] = *priority
	}
	if autoPauseEnabled != nil {
		values["auto_pause_enabled"] = *autoPauseEnabled
	}
	if len(values) > 0 {
		result := c.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Updates(values)
		if result.Error != nil {
			return nil, fmt.Errorf("autopause: update project: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrProjectNotFound
		}
	}
	return c.GetSettings(ctx, projectID)
}

// History returns pause log entries, newest first.
func (c *Controller) History(ctx context.Context, limit int) ([]models.AutoPauseLog, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("autopause: controller not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.AutoPauseLog
	if errFind := c.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("autopause: list history: %w", errFind)
	}
	return rows, nil
}
