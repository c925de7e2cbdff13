package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quotaguard/quotaguard/internal/events"
	"github.com/quotaguard/quotaguard/internal/limiter"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrQueueSaturated indicates hard backpressure: the submission was rejected
// and the caller should retry later.
var ErrQueueSaturated = errors.New("queue: saturated")

// ErrConflict indicates the request is not in a state the operation accepts.
var ErrConflict = errors.New("queue: request state conflict")

// ErrNotFound indicates the request row does not exist.
var ErrNotFound = errors.New("queue: request not found")

// ErrUnknownProvider indicates the submission referenced a provider that is
// not registered.
var ErrUnknownProvider = errors.New("queue: unknown provider")

// claimBatchSize bounds how many ready candidates one claim pass inspects.
const claimBatchSize = 16

// UsageReader reports current provider-wide quota usage percent.
type UsageReader interface {
	UsagePercent(ctx context.Context, providerID uint64) (float64, error)
}

// Config tunes queue admission and capacity.
type Config struct {
	// Capacity bounds pending rows per provider before saturation.
	Capacity int
	// ThrottleThresholdPercent pauses per-provider admission at this usage.
	ThrottleThresholdPercent float64
}

// SubmitInput describes one outbound request intent.
type SubmitInput struct {
	ProviderID uint64          `json:"provider_id"`
	ProjectID  *uint64         `json:"project_id"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Priority   string          `json:"priority"`
	Payload    datatypes.JSON  `json:"payload"`
	MaxRetries *int            `json:"max_retries"`
	// ScheduledAt defers eligibility; zero means immediately eligible.
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Stats summarizes queue state for introspection endpoints.
type Stats struct {
	ByStatus   map[string]int64 `json:"by_status"`
	ByProvider map[string]int64 `json:"pending_by_provider"`
	Total      int64            `json:"total"`
}

// Queue is a persistent priority queue of outbound request intents with
// per-provider admission control.
type Queue struct {
	db      *gorm.DB
	bus     *events.Bus
	usage   UsageReader
	limiter *limiter.Manager
	// limitFn returns the current per-second submission limit (0 = unlimited).
	limitFn func() int
	// thresholdFn returns the current throttle threshold percent.
	thresholdFn func() float64
	cfg         Config
	nowFn       func() time.Time
}

// New constructs a Queue.
func New(db *gorm.DB, bus *events.Bus, usage UsageReader, lim *limiter.Manager, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.ThrottleThresholdPercent <= 0 {
		cfg.ThrottleThresholdPercent = 90
	}
	q := &Queue{
		db:      db,
		bus:     bus,
		usage:   usage,
		limiter: lim,
		cfg:     cfg,
		nowFn:   time.Now,
	}
	q.thresholdFn = func() float64 { return q.cfg.ThrottleThresholdPercent }
	q.limitFn = func() int { return 0 }
	return q
}

// SetLimitFn overrides the submission limit source.
func (q *Queue) SetLimitFn(fn func() int) {
	if q == nil || fn == nil {
		return
	}
	q.limitFn = fn
}

// SetThresholdFn overrides the throttle threshold source.
func (q *Queue) SetThresholdFn(fn func() float64) {
	if q == nil || fn == nil {
		return
	}
	q.thresholdFn = fn
}

// Submit enqueues a request intent. Saturation and submission limits reject
// with ErrQueueSaturated; unknown providers reject with ErrUnknownProvider.
func (q *Queue) Submit(ctx context.Context, in SubmitInput) (*models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var provider models.Provider
	if errFind := q.db.WithContext(ctx).First(&provider, "id = ?", in.ProviderID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownProvider, in.ProviderID)
		}
		return nil, fmt.Errorf("queue: load provider: %w", errFind)
	}

	if q.limiter != nil {
		if limit := q.limitFn(); limit > 0 {
			res, errAllow := q.limiter.Allow(ctx, provider.Name, limit)
			if errAllow != nil {
				log.WithError(errAllow).Warn("queue: submission limiter check failed")
			} else if !res.Allowed {
				return nil, fmt.Errorf("%w: submission limit reached for %s", ErrQueueSaturated, provider.Name)
			}
		}
	}

	var pending int64
	errCount := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("provider_id = ? AND status = ?", in.ProviderID, models.RequestStatusPending).
		Count(&pending).Error
	if errCount != nil {
		return nil, fmt.Errorf("queue: count pending: %w", errCount)
	}
	if pending >= int64(q.cfg.Capacity) {
		return nil, fmt.Errorf("%w: %d pending for %s", ErrQueueSaturated, pending, provider.Name)
	}

	priority := in.Priority
	if models.PriorityRank(priority) > models.PriorityRank(models.PriorityLow) {
		priority = models.PriorityMedium
	}
	maxRetries := 3
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		maxRetries = *in.MaxRetries
	}
	now := q.nowFn().UTC()
	scheduledAt := in.ScheduledAt.UTC()
	if scheduledAt.IsZero() || scheduledAt.Before(now) {
		scheduledAt = now
	}

	row := models.QueuedRequest{
		RequestKey:      uuid.NewString(),
		ProviderID:      in.ProviderID,
		ProjectID:       in.ProjectID,
		Endpoint:        in.Endpoint,
		Method:          in.Method,
		Priority:        priority,
		PriorityRankVal: models.PriorityRank(priority),
		Payload:         in.Payload,
		Status:          models.RequestStatusPending,
		MaxRetries:      maxRetries,
		ScheduledAt:     scheduledAt,
	}
	if errCreate := q.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("queue: create request: %w", errCreate)
	}

	metrics.RequestQueued(provider.Name, priority)
	return &row, nil
}

// ClaimNext claims the highest-priority ready request whose provider is below
// the throttle threshold. Returns nil when nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context) (*models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := q.nowFn().UTC()
	threshold := q.thresholdFn()
	throttled := make(map[uint64]bool)

	// A throttled provider's backlog can fill an entire batch, so re-query
	// with known-throttled providers excluded until a claim lands or the
	// ready set is exhausted.
	for {
		blockedIDs := make([]uint64, 0, len(throttled))
		for providerID, blocked := range throttled {
			if blocked {
				blockedIDs = append(blockedIDs, providerID)
			}
		}

		tx := q.db.WithContext(ctx).
			Where("status = ? AND scheduled_at <= ?", models.RequestStatusPending, now)
		if len(blockedIDs) > 0 {
			tx = tx.Where("provider_id NOT IN ?", blockedIDs)
		}
		var candidates []models.QueuedRequest
		errFind := tx.Order("priority_rank ASC, created_at ASC, id ASC").
			Limit(claimBatchSize).
			Find(&candidates).Error
		if errFind != nil {
			return nil, fmt.Errorf("queue: load candidates: %w", errFind)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		newlyBlocked := false
		for i := range candidates {
			candidate := &candidates[i]
			blocked, seen := throttled[candidate.ProviderID]
			if !seen {
				blocked = q.providerThrottled(ctx, candidate.ProviderID, threshold)
				throttled[candidate.ProviderID] = blocked
				if blocked {
					newlyBlocked = true
				}
			}
			if blocked {
				continue
			}
			claimed, errClaim := q.claim(ctx, candidate.ID, now)
			if errClaim != nil {
				return nil, errClaim
			}
			if claimed {
				candidate.Status = models.RequestStatusProcessing
				candidate.ProcessingStartedAt = &now
				return candidate, nil
			}
		}
		if !newlyBlocked {
			// Every candidate was claimable but lost to another worker.
			return nil, nil
		}
	}
}

// providerThrottled reports whether admission for the provider is paused.
// Usage read failures fail open so one provider's error cannot stall dispatch.
func (q *Queue) providerThrottled(ctx context.Context, providerID uint64, threshold float64) bool {
	if q.usage == nil || threshold <= 0 {
		return false
	}
	percent, errUsage := q.usage.UsagePercent(ctx, providerID)
	if errUsage != nil {
		log.WithError(errUsage).WithField("provider_id", providerID).Warn("queue: usage check failed")
		return false
	}
	return percent >= threshold
}

// claim performs the atomic pending→processing transition. Exactly one worker
// wins: the conditional update's RowsAffected decides.
func (q *Queue) claim(ctx context.Context, id uint64, now time.Time) (bool, error) {
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusPending).
		Updates(map[string]interface{}{
			"status":                models.RequestStatusProcessing,
			"processing_started_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("queue: claim request: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Requeue returns a processing request to pending with a new eligibility time,
// consuming one retry.
func (q *Queue) Requeue(ctx context.Context, id uint64, scheduledAt time.Time, lastError string) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("queue: not initialized")
	}
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusProcessing).
		Updates(map[string]interface{}{
			"status":                models.RequestStatusPending,
			"scheduled_at":          scheduledAt.UTC(),
			"retry_count":           gorm.Expr("retry_count + 1"),
			"last_error":            lastError,
			"processing_started_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: requeue request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: request %d is not processing", ErrConflict, id)
	}
	return nil
}

// MarkCompleted finalizes a processing request as completed.
func (q *Queue) MarkCompleted(ctx context.Context, id uint64) error {
	return q.finalize(ctx, id, models.RequestStatusCompleted, "")
}

// MarkFailed finalizes a processing request as failed with a reason.
func (q *Queue) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	return q.finalize(ctx, id, models.RequestStatusFailed, lastError)
}

func (q *Queue) finalize(ctx context.Context, id uint64, status, lastError string) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("queue: not initialized")
	}
	now := q.nowFn().UTC()
	values := map[string]interface{}{
		"status": status,
	}
	switch status {
	case models.RequestStatusCompleted:
		values["completed_at"] = now
	case models.RequestStatusFailed:
		values["failed_at"] = now
		values["last_error"] = lastError
	}
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusProcessing).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("queue: finalize request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: request %d is not processing", ErrConflict, id)
	}
	return nil
}

// FailAfterRetry finalizes a processing request as failed, consuming the
// retry that triggered the failure.
func (q *Queue) FailAfterRetry(ctx context.Context, id uint64, lastError string) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("queue: not initialized")
	}
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusProcessing).
		Updates(map[string]interface{}{
			"status":      models.RequestStatusFailed,
			"failed_at":   q.nowFn().UTC(),
			"last_error":  lastError,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("queue: finalize request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: request %d is not processing", ErrConflict, id)
	}
	return nil
}

// Cancel cancels a pending request. Processing or terminal rows conflict.
func (q *Queue) Cancel(ctx context.Context, id uint64) (*models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	row, errGet := q.Get(ctx, id)
	if errGet != nil {
		return nil, errGet
	}
	now := q.nowFn().UTC()
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusPending).
		Updates(map[string]interface{}{
			"status":       models.RequestStatusCancelled,
			"cancelled_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("queue: cancel request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: request %d is %s", ErrConflict, id, row.Status)
	}
	row.Status = models.RequestStatusCancelled
	row.CancelledAt = &now
	return row, nil
}

// Retry redrives a failed request back to pending. This is the explicit
// user- or policy-initiated path, distinct from automatic rate limit retries.
func (q *Queue) Retry(ctx context.Context, id uint64) (*models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	row, errGet := q.Get(ctx, id)
	if errGet != nil {
		return nil, errGet
	}
	now := q.nowFn().UTC()
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusFailed).
		Updates(map[string]interface{}{
			"status":       models.RequestStatusPending,
			"scheduled_at": now,
			"retry_count":  0,
			"last_error":   "",
			"failed_at":    nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("queue: retry request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: request %d is %s", ErrConflict, id, row.Status)
	}
	return q.Get(ctx, id)
}

// Delete removes a single request row regardless of state.
func (q *Queue) Delete(ctx context.Context, id uint64) error {
	if q == nil || q.db == nil {
		return fmt.Errorf("queue: not initialized")
	}
	result := q.db.WithContext(ctx).Delete(&models.QueuedRequest{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("queue: delete request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Flush deletes terminal rows created before the cutoff. Maintenance only.
func (q *Queue) Flush(ctx context.Context, olderThan time.Time) (int64, error) {
	if q == nil || q.db == nil {
		return 0, fmt.Errorf("queue: not initialized")
	}
	result := q.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{models.RequestStatusCompleted, models.RequestStatusFailed, models.RequestStatusCancelled},
			olderThan.UTC()).
		Delete(&models.QueuedRequest{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: flush requests: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RecoverOrphans requeues processing rows left behind by a previous process.
// Called once on startup before workers run; delivery is at-least-once.
func (q *Queue) RecoverOrphans(ctx context.Context) (int64, error) {
	if q == nil || q.db == nil {
		return 0, fmt.Errorf("queue: not initialized")
	}
	result := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Where("status = ?", models.RequestStatusProcessing).
		Updates(map[string]interface{}{
			"status":                models.RequestStatusPending,
			"scheduled_at":          q.nowFn().UTC(),
			"processing_started_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: recover orphans: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.WithField("count", result.RowsAffected).Info("queue: requeued orphaned requests")
	}
	return result.RowsAffected, nil
}

// Get loads a single request row.
func (q *Queue) Get(ctx context.Context, id uint64) (*models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	var row models.QueuedRequest
	if errFind := q.db.WithContext(ctx).First(&row, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: load request: %w", errFind)
	}
	return &row, nil
}

// ListPending returns pending rows in dispatch order, optionally filtered.
func (q *Queue) ListPending(ctx context.Context, providerID, projectID *uint64, limit int) ([]models.QueuedRequest, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := q.db.WithContext(ctx).Where("status = ?", models.RequestStatusPending)
	if providerID != nil {
		tx = tx.Where("provider_id = ?", *providerID)
	}
	if projectID != nil {
		tx = tx.Where("project_id = ?", *projectID)
	}
	var rows []models.QueuedRequest
	errFind := tx.Order("priority_rank ASC, created_at ASC, id ASC").Limit(limit).Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("queue: list pending: %w", errFind)
	}
	return rows, nil
}

// GetStats aggregates queue counts and refreshes the depth gauges.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	if q == nil || q.db == nil {
		return nil, fmt.Errorf("queue: not initialized")
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var statusRows []statusCount
	errStatus := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&statusRows).Error
	if errStatus != nil {
		return nil, fmt.Errorf("queue: stats by status: %w", errStatus)
	}

	type providerCount struct {
		Name  string
		Count int64
	}
	var providerRows []providerCount
	errProvider := q.db.WithContext(ctx).
		Model(&models.QueuedRequest{}).
		Select("providers.name AS name, COUNT(*) AS count").
		Joins("JOIN providers ON providers.id = queued_requests.provider_id").
		Where("queued_requests.status = ?", models.RequestStatusPending).
		Group("providers.name").
		Scan(&providerRows).Error
	if errProvider != nil {
		return nil, fmt.Errorf("queue: stats by provider: %w", errProvider)
	}

	stats := &Stats{
		ByStatus:   make(map[string]int64, len(statusRows)),
		ByProvider: make(map[string]int64, len(providerRows)),
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}
	for _, row := range providerRows {
		stats.ByProvider[row.Name] = row.Count
		metrics.SetQueueDepth(row.Name, row.Count)
	}
	return stats, nil
}
