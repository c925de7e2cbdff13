package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DispatchResult reports the upstream outcome for one request.
type DispatchResult struct {
	StatusCode int
	// RetryAfterSeconds carries the upstream Retry-After header when present.
	RetryAfterSeconds *int64
	// TokensUsed is the token cost reported by the upstream, when known.
	TokensUsed int64
	Err        error
}

// Dispatcher executes a claimed request against the upstream call path.
// Implementations must tolerate duplicate execution; delivery is
// at-least-once across crash recovery.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.QueuedRequest) DispatchResult
}

// RateLimitHandler is the detector surface the worker pool needs.
type RateLimitHandler interface {
	HandleRateLimited(ctx context.Context, providerID uint64, providerName, method, endpoint string, retryAfterSeconds *int64) (ratelimit.Outcome, error)
	HandleSuccess(ctx context.Context, providerID uint64, providerName, endpoint string) error
}

// UsageRecorder is the tracker surface the worker pool needs.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, providerID uint64, projectID *uint64, requestsDelta, tokensDelta int64) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
}

// Pool runs a fixed set of workers that claim and dispatch ready requests.
// Backoff is realized as a scheduled requeue; no worker blocks on a timer.
type Pool struct {
	db         *gorm.DB
	queue      *Queue
	dispatcher Dispatcher
	detector   RateLimitHandler
	recorder   UsageRecorder
	cfg        PoolConfig

	mu        sync.RWMutex
	providers map[uint64]string
}

// NewPool constructs a Pool.
func NewPool(db *gorm.DB, q *Queue, dispatcher Dispatcher, detector RateLimitHandler, recorder UsageRecorder, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		db:         db,
		queue:      q,
		dispatcher: dispatcher,
		detector:   detector,
		recorder:   recorder,
		cfg:        cfg,
		providers:  make(map[uint64]string),
	}
}

// Run recovers orphaned rows, then polls until the context is cancelled.
// It blocks until all workers exit.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || p.queue == nil || p.dispatcher == nil {
		return fmt.Errorf("queue: pool not initialized")
	}
	if _, errRecover := p.queue.RecoverOrphans(ctx); errRecover != nil {
		return errRecover
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				busy, errProcess := p.ProcessOne(ctx)
				if errProcess != nil {
					log.WithError(errProcess).WithField("worker", worker).Warn("queue: dispatch pass failed")
					break
				}
				if !busy {
					break
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// ProcessOne claims and dispatches a single request. It reports whether a
// request was claimed so callers can drain without sleeping.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	req, errClaim := p.queue.ClaimNext(ctx)
	if errClaim != nil {
		return false, errClaim
	}
	if req == nil {
		return false, nil
	}

	providerName := p.providerName(ctx, req.ProviderID)
	result := p.dispatcher.Dispatch(ctx, req)

	switch {
	case result.StatusCode == 429:
		return true, p.handleRateLimited(ctx, req, providerName, result)
	case result.Err != nil:
		if errFail := p.queue.MarkFailed(ctx, req.ID, result.Err.Error()); errFail != nil {
			return true, errFail
		}
		metrics.RequestFinished(providerName, models.RequestStatusFailed)
		return true, nil
	default:
		return true, p.handleSuccess(ctx, req, providerName, result)
	}
}

func (p *Pool) handleSuccess(ctx context.Context, req *models.QueuedRequest, providerName string, result DispatchResult) error {
	if errComplete := p.queue.MarkCompleted(ctx, req.ID); errComplete != nil {
		return errComplete
	}
	metrics.RequestFinished(providerName, models.RequestStatusCompleted)

	if p.detector != nil {
		if errResolve := p.detector.HandleSuccess(ctx, req.ProviderID, providerName, req.Endpoint); errResolve != nil {
			log.WithError(errResolve).Warn("queue: resolve rate limit incident failed")
		}
	}
	if p.recorder != nil {
		if errRecord := p.recorder.RecordUsage(ctx, req.ProviderID, req.ProjectID, 1, result.TokensUsed); errRecord != nil {
			log.WithError(errRecord).Warn("queue: record usage failed")
		}
	}
	return nil
}

func (p *Pool) handleRateLimited(ctx context.Context, req *models.QueuedRequest, providerName string, result DispatchResult) error {
	lastError := "rate limited (429)"
	if p.detector == nil {
		return p.queue.Requeue(ctx, req.ID, time.Now().UTC().Add(time.Second), lastError)
	}

	outcome, errHandle := p.detector.HandleRateLimited(ctx, req.ProviderID, providerName, req.Method, req.Endpoint, result.RetryAfterSeconds)
	if errHandle != nil {
		return errHandle
	}

	retriesLeft := req.RetryCount+1 < req.MaxRetries
	if outcome.Terminal || !retriesLeft {
		if errFail := p.queue.FailAfterRetry(ctx, req.ID, "rate limited: retries exhausted"); errFail != nil {
			return errFail
		}
		metrics.RequestFinished(providerName, models.RequestStatusFailed)
		return nil
	}
	return p.queue.Requeue(ctx, req.ID, outcome.RetryAt, lastError)
}

// providerName resolves and caches a provider display key for metrics and
// incident tracking.
func (p *Pool) providerName(ctx context.Context, providerID uint64) string {
	p.mu.RLock()
	name, ok := p.providers[providerID]
	p.mu.RUnlock()
	if ok {
		return name
	}

	var provider models.Provider
	errFind := p.db.WithContext(ctx).First(&provider, "id = ?", providerID).Error
	if errFind != nil {
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithError(errFind).Warn("queue: load provider name failed")
		}
		return fmt.Sprintf("provider-%d", providerID)
	}

	p.mu.Lock()
	p.providers[providerID] = provider.Name
	p.mu.Unlock()
	return provider.Name
}
