package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownProvider indicates usage was recorded against an unregistered provider.
var ErrUnknownProvider = errors.New("quota: unknown provider")

// UsageChange describes one committed usage update, delivered to listeners.
type UsageChange struct {
	ProviderID      uint64
	ProviderName    string
	ProjectID       *uint64
	PrevPercent     float64
	NewPercent      float64
	CurrentRequests int64
	CurrentTokens   int64
	QuotaLimit      int64
	IsOverLimit     bool
}

// Listener receives usage changes after they are committed. Listeners run on
// their own goroutine; they must not assume the triggering caller is waiting.
type Listener func(ctx context.Context, change UsageChange)

// Tracker is the single source of truth for per-provider quota consumption.
// All QuotaUsage mutation goes through it; concurrent updates for the same
// (provider, project) key serialize on a row lock.
type Tracker struct {
	db    *gorm.DB
	bus   *events.Bus
	nowFn func() time.Time

	listeners []Listener
}

// NewTracker constructs a Tracker.
func NewTracker(db *gorm.DB, bus *events.Bus) *Tracker {
	return &Tracker{db: db, bus: bus, nowFn: time.Now}
}

// AddListener registers a listener for committed usage changes.
func (t *Tracker) AddListener(l Listener) {
	if t == nil || l == nil {
		return
	}
	t.listeners = append(t.listeners, l)
}

// RecordUsage atomically increments usage counters for the addressed
// (provider, project) key, and for the provider-wide row when a project is
// given. Threshold listeners and event publication are fire-and-forget.
func (t *Tracker) RecordUsage(ctx context.Context, providerID uint64, projectID *uint64, requestsDelta, tokensDelta int64) error {
	if t == nil || t.db == nil {
		return fmt.Errorf("quota: tracker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var provider models.Provider
	if errFind := t.db.WithContext(ctx).First(&provider, providerID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %d", ErrUnknownProvider, providerID)
		}
		return fmt.Errorf("quota: load provider: %w", errFind)
	}

	change, errApply := t.applyDelta(ctx, &provider, projectID, requestsDelta, tokensDelta)
	if errApply != nil {
		return errApply
	}
	t.notify(change)

	if projectID != nil {
		// The provider-wide row aggregates all projects. Both scopes notify:
		// project-level listeners see their own crossing, provider-wide
		// backpressure keys off the aggregate.
		aggregate, errAgg := t.applyDelta(ctx, &provider, nil, requestsDelta, tokensDelta)
		if errAgg != nil {
			return errAgg
		}
		t.notify(aggregate)
	}
	return nil
}

// applyDelta performs the locked read-modify-write for one usage row.
func (t *Tracker) applyDelta(ctx context.Context, provider *models.Provider, projectID *uint64, requestsDelta, tokensDelta int64) (UsageChange, error) {
	now := t.nowFn().UTC()
	var change UsageChange

	errTx := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errLoad := lockUsageRow(tx, provider, projectID, now)
		if errLoad != nil {
			return errLoad
		}

		if windowExpired(row, provider, now) {
			resetWindow(row, now)
		}

		prevPercent := row.UsagePercent
		wasOver := row.IsOverLimit

		row.CurrentRequests += requestsDelta
		if row.CurrentRequests < 0 {
			row.CurrentRequests = 0
		}
		row.CurrentTokens += tokensDelta
		if row.CurrentTokens < 0 {
			row.CurrentTokens = 0
		}

		recompute(row)
		if row.IsOverLimit && !wasOver {
			row.OverageCount++
			row.LifetimeOverageCount++
		}
		row.UpdatedAt = now

		if errSave := tx.Save(row).Error; errSave != nil {
			return fmt.Errorf("quota: save usage: %w", errSave)
		}

		change = UsageChange{
			ProviderID:      provider.ID,
			ProviderName:    provider.Name,
			ProjectID:       projectID,
			PrevPercent:     prevPercent,
			NewPercent:      row.UsagePercent,
			CurrentRequests: row.CurrentRequests,
			CurrentTokens:   row.CurrentTokens,
			QuotaLimit:      row.QuotaLimit,
			IsOverLimit:     row.IsOverLimit,
		}
		return nil
	})
	if errTx != nil {
		return UsageChange{}, errTx
	}
	return change, nil
}

// ResetIfExpired zeroes counters when the provider's window has elapsed,
// preserving the lifetime overage count.
func (t *Tracker) ResetIfExpired(ctx context.Context, providerID uint64, projectID *uint64) error {
	if t == nil || t.db == nil {
		return fmt.Errorf("quota: tracker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var provider models.Provider
	if errFind := t.db.WithContext(ctx).First(&provider, providerID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %d", ErrUnknownProvider, providerID)
		}
		return fmt.Errorf("quota: load provider: %w", errFind)
	}

	now := t.nowFn().UTC()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errLoad := lockUsageRow(tx, &provider, projectID, now)
		if errLoad != nil {
			return errLoad
		}
		if !windowExpired(row, &provider, now) {
			return nil
		}
		resetWindow(row, now)
		row.UpdatedAt = now
		if errSave := tx.Save(row).Error; errSave != nil {
			return fmt.Errorf("quota: save usage: %w", errSave)
		}
		return nil
	})
}

// UsagePercent returns the current provider-wide usage percent, resetting the
// window lazily when it has elapsed.
func (t *Tracker) UsagePercent(ctx context.Context, providerID uint64) (float64, error) {
	if t == nil || t.db == nil {
		return 0, fmt.Errorf("quota: tracker not initialized")
	}
	var row models.QuotaUsage
	errFind := t.db.WithContext(ctx).
		Where("provider_id = ? AND project_id IS NULL", providerID).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota: load usage: %w", errFind)
	}

	var provider models.Provider
	if errProvider := t.db.WithContext(ctx).First(&provider, providerID).Error; errProvider == nil {
		if windowExpired(&row, &provider, t.nowFn().UTC()) {
			return 0, nil
		}
	}
	return row.UsagePercent, nil
}

// UsageView is a usage row with derived fields recomputed on read.
type UsageView struct {
	models.QuotaUsage
	ProviderName          string `json:"provider_name"`
	TimeUntilResetSeconds int64  `json:"time_until_reset_seconds"`
}

// ListUsage returns all usage rows with reset countdowns recomputed on read.
func (t *Tracker) ListUsage(ctx context.Context) ([]UsageView, error) {
	if t == nil || t.db == nil {
		return nil, fmt.Errorf("quota: tracker not initialized")
	}

	var rows []models.QuotaUsage
	if errFind := t.db.WithContext(ctx).Order("provider_id ASC, project_id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("quota: list usage: %w", errFind)
	}

	var providers []models.Provider
	if errFind := t.db.WithContext(ctx).Find(&providers).Error; errFind != nil {
		return nil, fmt.Errorf("quota: list providers: %w", errFind)
	}
	byID := make(map[uint64]models.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}

	now := t.nowFn().UTC()
	out := make([]UsageView, 0, len(rows))
	for _, row := range rows {
		provider := byID[row.ProviderID]
		view := UsageView{QuotaUsage: row, ProviderName: provider.Name}
		if provider.WindowSeconds > 0 {
			resetAt := row.WindowStartedAt.Add(time.Duration(provider.WindowSeconds) * time.Second)
			remaining := int64(resetAt.Sub(now).Seconds())
			if remaining < 0 {
				remaining = 0
			}
			view.TimeUntilResetSeconds = remaining
		}
		out = append(out, view)
	}
	return out, nil
}

// notify publishes the quota update and fans the change out to listeners.
func (t *Tracker) notify(change UsageChange) {
	if change.ProjectID == nil {
		// The provider gauge reflects the aggregate row only.
		metrics.ObserveQuotaUsage(change.ProviderName, change.NewPercent)
	}
	if t.bus != nil {
		t.bus.Publish(events.TypeQuotaUpdate, change)
	}
	for _, l := range t.listeners {
		listener := l
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", fmt.Sprint(r)).Error("quota: usage listener panicked")
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			listener(ctx, change)
		}()
	}
}

// lockUsageRow loads or creates the usage row for a key under a row lock.
func lockUsageRow(tx *gorm.DB, provider *models.Provider, projectID *uint64, now time.Time) (*models.QuotaUsage, error) {
	var row models.QuotaUsage
	errFind := usageRowQuery(tx, provider.ID, projectID).Take(&row).Error
	if errFind == nil {
		return &row, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("quota: load usage: %w", errFind)
	}

	row = models.QuotaUsage{
		ProviderID:       provider.ID,
		ProjectID:        projectID,
		QuotaLimit:       requestLimitForWindow(provider),
		QuotaLimitTokens: tokenLimitForWindow(provider),
		WindowStartedAt:  now,
	}
	// DO NOTHING keeps a concurrent first writer from failing the whole
	// transaction; SQL treats NULL project ids as distinct, so the partial
	// unique index from the migration is what raises the conflict here.
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("quota: create usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the creation race; read the winner's row under the lock.
		if errRetry := usageRowQuery(tx, provider.ID, projectID).Take(&row).Error; errRetry != nil {
			return nil, fmt.Errorf("quota: load usage: %w", errRetry)
		}
	}
	return &row, nil
}

// usageRowQuery scopes a locked query to one (provider, project) key.
func usageRowQuery(tx *gorm.DB, providerID uint64, projectID *uint64) *gorm.DB {
	query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_id = ?", providerID)
	if projectID == nil {
		return query.Where("project_id IS NULL")
	}
	return query.Where("project_id = ?", *projectID)
}

// windowExpired reports whether the rolling window has elapsed for a row.
func windowExpired(row *models.QuotaUsage, provider *models.Provider, now time.Time) bool {
	if provider.WindowSeconds <= 0 {
		return false
	}
	return !now.Before(row.WindowStartedAt.Add(time.Duration(provider.WindowSeconds) * time.Second))
}

// resetWindow zeroes window counters, keeping the lifetime overage count.
func resetWindow(row *models.QuotaUsage, now time.Time) {
	row.CurrentRequests = 0
	row.CurrentTokens = 0
	row.OverageCount = 0
	row.UsagePercent = 0
	row.IsOverLimit = false
	row.WindowStartedAt = now
}

// recompute refreshes the derived usage fields.
func recompute(row *models.QuotaUsage) {
	if row.QuotaLimit > 0 {
		// Multiply before dividing so ratios like 11/10 come out exact.
		row.UsagePercent = float64(row.CurrentRequests) * 100 / float64(row.QuotaLimit)
	} else {
		row.UsagePercent = 0
	}
	row.IsOverLimit = row.QuotaLimit > 0 && row.CurrentRequests > row.QuotaLimit
}

// requestLimitForWindow derives the per-window request limit from provider RPM.
func requestLimitForWindow(provider *models.Provider) int64 {
	if provider.RateLimitRPM <= 0 {
		return 0
	}
	windowMinutes := provider.WindowSeconds / 60
	if windowMinutes < 1 {
		windowMinutes = 1
	}
	return provider.RateLimitRPM * windowMinutes
}

// tokenLimitForWindow derives the per-window token limit from provider config.
func tokenLimitForWindow(provider *models.Provider) int64 {
	if provider.WindowSeconds >= 86400 && provider.RateLimitTokensDay > 0 {
		return provider.RateLimitTokensDay
	}
	if provider.RateLimitTPM <= 0 {
		return 0
	}
	windowMinutes := provider.WindowSeconds / 60
	if windowMinutes < 1 {
		windowMinutes = 1
	}
	return provider.RateLimitTPM * windowMinutes
}
