package ratelimit

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
)

// ErrRetriesExhausted indicates an incident consumed all automatic retries.
var ErrRetriesExhausted = errors.New("ratelimit: retries exhausted")

// Config tunes backoff and retry behavior.
type Config struct {
	CapSeconds     int
	JitterFraction float64
	MaxAttempts    int
}

// Outcome is the detector's decision for one 429 response.
type Outcome struct {
	// Terminal is true when no further automatic retry will happen.
	Terminal bool
	// RetryAt is the earliest eligible retry time; zero when Terminal.
	RetryAt time.Time
	// EventID references the underlying incident row.
	EventID uint64
}

// Detector converts upstream 429 responses into a bounded, jittered retry
// schedule, tracking one open incident per (provider, endpoint).
type Detector struct {
	db    *gorm.DB
	bus   *events.Bus
	cfg   Config
	nowFn func() time.Time
	// randFloat is injectable for deterministic jitter in tests.
	randFloat func() float64
}

// NewDetector constructs a Detector.
func NewDetector(db *gorm.DB, bus *events.Bus, cfg Config) *Detector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CapSeconds <= 0 {
		cfg.CapSeconds = 64
	}
	return &Detector{db: db, bus: bus, cfg: cfg, nowFn: time.Now}
}

// HandleRateLimited records a 429 for (provider, endpoint) and decides the
// retry schedule. Callers requeue the request at Outcome.RetryAt unless the
// outcome is terminal.
func (d *Detector) HandleRateLimited(ctx context.Context, providerID uint64, providerName, method, endpoint string, retryAfterSeconds *int64) (Outcome, error) {
	if d == nil || d.db == nil {
		return Outcome{}, fmt.Errorf("ratelimit: detector not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := d.nowFn().UTC()

	event, errLoad := d.openOrCreateEvent(ctx, providerID, method, endpoint, now)
	if errLoad != nil {
		return Outcome{}, errLoad
	}

	event.AttemptNumber++
	event.RetryAfterSeconds = retryAfterSeconds

	if event.AttemptNumber > event.MaxAttempts {
		event.Status = models.RateLimitStatusFailed
		failedAt := now
		event.FailedAt = &failedAt
		if errSave := d.db.WithContext(ctx).Save(event).Error; errSave != nil {
			return Outcome{}, fmt.Errorf("ratelimit: save event: %w", errSave)
		}
		metrics.RateLimitEvent(providerName, models.RateLimitStatusFailed)
		if d.bus != nil {
			d.bus.Publish(events.TypeRateLimitFailed, event)
		}
		log.WithFields(log.Fields{
			"provider": providerName,
			"endpoint": endpoint,
			"attempts": event.AttemptNumber - 1,
		}).Warn("rate limit: retries exhausted")
		return Outcome{Terminal: true, EventID: event.ID}, nil
	}

	backoff := ComputeBackoff(event.AttemptNumber, retryAfterSeconds, d.cfg.CapSeconds, d.cfg.JitterFraction, d.randFloat)
	event.CalculatedBackoffSecs = backoff.BaseSeconds
	event.JitterSeconds = backoff.JitterSeconds

	firstDetection := event.Status == ""
	if firstDetection {
		event.Status = models.RateLimitStatusDetected
	} else {
		event.Status = models.RateLimitStatusRetrying
	}
	if errSave := d.db.WithContext(ctx).Save(event).Error; errSave != nil {
		return Outcome{}, fmt.Errorf("ratelimit: save event: %w", errSave)
	}

	metrics.RateLimitEvent(providerName, event.Status)
	if d.bus != nil && firstDetection {
		d.bus.Publish(events.TypeRateLimitDetected, event)
	}

	return Outcome{RetryAt: now.Add(backoff.TotalDelay()), EventID: event.ID}, nil
}

// HandleSuccess resolves the open incident for (provider, endpoint), if any.
func (d *Detector) HandleSuccess(ctx context.Context, providerID uint64, providerName, endpoint string) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("ratelimit: detector not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var event models.RateLimitEvent
	errFind := d.db.WithContext(ctx).
		Where("provider_id = ? AND endpoint = ? AND status IN ?", providerID, endpoint,
			[]string{models.RateLimitStatusDetected, models.RateLimitStatusRetrying}).
		Order("id DESC").
		Take(&event).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("ratelimit: load event: %w", errFind)
	}

	now := d.nowFn().UTC()
	event.Status = models.RateLimitStatusResolved
	event.ResolvedAt = &now
	if errSave := d.db.WithContext(ctx).Save(&event).Error; errSave != nil {
		return fmt.Errorf("ratelimit: save event: %w", errSave)
	}

	metrics.RateLimitEvent(providerName, models.RateLimitStatusResolved)
	if d.bus != nil {
		d.bus.Publish(events.TypeRateLimitResolved, &event)
	}
	return nil
}

// ListEvents returns recent incidents, newest first.
func (d *Detector) ListEvents(ctx context.Context, limit int) ([]models.RateLimitEvent, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("ratelimit: detector not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.RateLimitEvent
	if errFind := d.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("ratelimit: list events: %w", errFind)
	}
	return rows, nil
}

// Summary aggregates incident counts by status.
func (d *Detector) Summary(ctx context.Context) (map[string]int64, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("ratelimit: detector not initialized")
	}
	// statusCount mirrors the grouped count row.
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	if errFind := d.db.WithContext(ctx).
		Model(&models.RateLimitEvent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("ratelimit: summarize events: %w", errFind)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// openOrCreateEvent loads the open incident for a key or creates a new one.
func (d *Detector) openOrCreateEvent(ctx context.Context, providerID uint64, method, endpoint string, now time.Time) (*models.RateLimitEvent, error) {
	var event models.RateLimitEvent
	errFind := d.db.WithContext(ctx).
		Where("provider_id = ? AND endpoint = ? AND status IN ?", providerID, endpoint,
			[]string{models.RateLimitStatusDetected, models.RateLimitStatusRetrying}).
		Order("id DESC").
		Take(&event).Error
	if errFind == nil {
		return &event, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ratelimit: load event: %w", errFind)
	}

	event = models.RateLimitEvent{
		ProviderID:  providerID,
		Endpoint:    endpoint,
		Method:      method,
		HTTPStatus:  429,
		MaxAttempts: d.cfg.MaxAttempts,
		DetectedAt:  now,
	}
	if errCreate := d.db.WithContext(ctx).Create(&event).Error; errCreate != nil {
		return nil, fmt.Errorf("ratelimit: create event: %w", errCreate)
	}
	return &event, nil
}
