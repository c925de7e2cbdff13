package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/quotaguard/quotaguard/internal/models"
	"github.com/quotaguard/quotaguard/internal/ratelimit"
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
	errMigrate := db.AutoMigrate(
		&models.Provider{},
		&models.QuotaUsage{},
		&models.QueuedRequest{},
		&models.RateLimitEvent{},
	)
	if errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func createProvider(t *testing.T, db *gorm.DB, name string) *models.Provider {
	t.Helper()
	provider := models.Provider{
		Name:          name,
		DisplayName:   name,
		RateLimitRPM:  60,
		WindowSeconds: 60,
	}
	if errCreate := db.Create(&provider).Error; errCreate != nil {
		t.Fatalf("create provider: %v", errCreate)
	}
	return &provider
}

type stubUsage struct {
	percents map[uint64]float64
}

func (s *stubUsage) UsagePercent(_ context.Context, providerID uint64) (float64, error) {
	return s.percents[providerID], nil
}

func newTestQueue(t *testing.T, db *gorm.DB, usage UsageReader) *Queue {
	t.Helper()
	if usage == nil {
		usage = &stubUsage{}
	}
	return New(db, nil, usage, nil, Config{Capacity: 10, ThrottleThresholdPercent: 90})
}

func TestSubmitRejectsUnknownProvider(t *testing.T) {
	db := openTestDB(t)
	q := newTestQueue(t, db, nil)

	_, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: 42, Endpoint: "/v1/chat"})
	if !errors.Is(errSubmit, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", errSubmit)
	}
}

func TestSubmitSaturatesAtCapacity(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := New(db, nil, &stubUsage{}, nil, Config{Capacity: 2, ThrottleThresholdPercent: 90})

	for i := 0; i < 2; i++ {
		if _, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium}); errSubmit != nil {
			t.Fatalf("submit %d: %v", i, errSubmit)
		}
	}
	_, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if !errors.Is(errSubmit, ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", errSubmit)
	}
}

func TestSubmitPersistsExplicitZeroFields(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	noRetries := 0
	req, errSubmit := q.Submit(context.Background(), SubmitInput{
		ProviderID: provider.ID,
		Endpoint:   "/v1/chat",
		Priority:   models.PriorityHigh,
		MaxRetries: &noRetries,
	})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}

	// Read the raw row back: high priority ranks 0 and must survive the
	// insert, as must an explicit zero retry ceiling.
	var row models.QueuedRequest
	if errFind := db.First(&row, "id = ?", req.ID).Error; errFind != nil {
		t.Fatalf("load row: %v", errFind)
	}
	if row.PriorityRankVal != models.PriorityRank(models.PriorityHigh) {
		t.Fatalf("priority_rank = %d, want %d", row.PriorityRankVal, models.PriorityRank(models.PriorityHigh))
	}
	if row.MaxRetries != 0 {
		t.Fatalf("max_retries = %d, want 0", row.MaxRetries)
	}
}

func TestClaimReachesProviderBehindThrottledBacklog(t *testing.T) {
	db := openTestDB(t)
	hot := createProvider(t, db, "openai")
	cold := createProvider(t, db, "anthropic")
	usage := &stubUsage{percents: map[uint64]float64{hot.ID: 95, cold.ID: 10}}
	q := New(db, nil, usage, nil, Config{Capacity: 50, ThrottleThresholdPercent: 90})

	// The throttled provider's backlog exceeds one claim batch and sorts
	// ahead of the cold provider's single request.
	for i := 0; i < claimBatchSize+4; i++ {
		if _, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: hot.ID, Endpoint: "/hot", Priority: models.PriorityHigh}); errSubmit != nil {
			t.Fatalf("submit hot %d: %v", i, errSubmit)
		}
	}
	coldReq, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: cold.ID, Endpoint: "/cold", Priority: models.PriorityLow})
	if errSubmit != nil {
		t.Fatalf("submit cold: %v", errSubmit)
	}

	claimed, errClaim := q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil || claimed.ID != coldReq.ID {
		t.Fatalf("expected the unthrottled provider's request, got %+v", claimed)
	}

	claimed, errClaim = q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed != nil {
		t.Fatalf("expected throttled backlog to stay queued, got %+v", claimed)
	}
}

func TestClaimOrderPriorityThenFIFOWithReadiness(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	base := time.Now().UTC()
	q.nowFn = func() time.Time { return base }

	// B is low priority but ready; A is high priority but not yet eligible.
	b, errB := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/b", Priority: models.PriorityLow})
	if errB != nil {
		t.Fatalf("submit b: %v", errB)
	}
	a, errA := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/a", Priority: models.PriorityHigh, ScheduledAt: base.Add(time.Minute)})
	if errA != nil {
		t.Fatalf("submit a: %v", errA)
	}

	claimed, errClaim := q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil || claimed.ID != b.ID {
		t.Fatalf("expected ready low-priority request first, got %+v", claimed)
	}

	// Once both are ready, the high-priority request wins.
	c, errC := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/c", Priority: models.PriorityLow})
	if errC != nil {
		t.Fatalf("submit c: %v", errC)
	}
	q.nowFn = func() time.Time { return base.Add(2 * time.Minute) }

	claimed, errClaim = q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil || claimed.ID != a.ID {
		t.Fatalf("expected high-priority request, got %+v", claimed)
	}

	claimed, errClaim = q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil || claimed.ID != c.ID {
		t.Fatalf("expected remaining low-priority request, got %+v", claimed)
	}
}

func TestClaimSkipsThrottledProviderOnly(t *testing.T) {
	db := openTestDB(t)
	hot := createProvider(t, db, "openai")
	cold := createProvider(t, db, "anthropic")
	usage := &stubUsage{percents: map[uint64]float64{hot.ID: 92, cold.ID: 10}}
	q := newTestQueue(t, db, usage)

	if _, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: hot.ID, Endpoint: "/hot", Priority: models.PriorityHigh}); errSubmit != nil {
		t.Fatalf("submit hot: %v", errSubmit)
	}
	coldReq, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: cold.ID, Endpoint: "/cold", Priority: models.PriorityLow})
	if errSubmit != nil {
		t.Fatalf("submit cold: %v", errSubmit)
	}

	claimed, errClaim := q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil || claimed.ID != coldReq.ID {
		t.Fatalf("expected the unthrottled provider's request, got %+v", claimed)
	}

	claimed, errClaim = q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed != nil {
		t.Fatalf("expected throttled provider to stay paused, got %+v", claimed)
	}

	usage.percents[hot.ID] = 50
	claimed, errClaim = q.ClaimNext(context.Background())
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if claimed == nil {
		t.Fatal("expected claim after usage recovered")
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	req, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}

	cancelled, errCancel := q.Cancel(context.Background(), req.ID)
	if errCancel != nil {
		t.Fatalf("cancel pending: %v", errCancel)
	}
	if cancelled.Status != models.RequestStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancel result: %+v", cancelled)
	}

	if _, errAgain := q.Cancel(context.Background(), req.ID); !errors.Is(errAgain, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal row, got %v", errAgain)
	}

	req2, _ := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if _, errClaim := q.ClaimNext(context.Background()); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if _, errProcessing := q.Cancel(context.Background(), req2.ID); !errors.Is(errProcessing, ErrConflict) {
		t.Fatalf("expected ErrConflict on processing row, got %v", errProcessing)
	}
}

func TestRetryRedrivesFailedRequest(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	req, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}
	if _, errClaim := q.ClaimNext(context.Background()); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if errFail := q.MarkFailed(context.Background(), req.ID, "upstream exploded"); errFail != nil {
		t.Fatalf("mark failed: %v", errFail)
	}

	redriven, errRetry := q.Retry(context.Background(), req.ID)
	if errRetry != nil {
		t.Fatalf("retry: %v", errRetry)
	}
	if redriven.Status != models.RequestStatusPending || redriven.RetryCount != 0 || redriven.LastError != "" {
		t.Fatalf("unexpected redriven row: %+v", redriven)
	}

	if _, errConflict := q.Retry(context.Background(), req.ID); !errors.Is(errConflict, ErrConflict) {
		t.Fatalf("expected ErrConflict retrying a pending row, got %v", errConflict)
	}
}

func TestFlushDeletesOnlyOldTerminalRows(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	done, _ := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/done", Priority: models.PriorityMedium})
	if _, errClaim := q.ClaimNext(context.Background()); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if errComplete := q.MarkCompleted(context.Background(), done.ID); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}
	pending, _ := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/pending", Priority: models.PriorityMedium})

	deleted, errFlush := q.Flush(context.Background(), time.Now().UTC().Add(time.Hour))
	if errFlush != nil {
		t.Fatalf("flush: %v", errFlush)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, errGet := q.Get(context.Background(), pending.ID); errGet != nil {
		t.Fatalf("pending row should survive flush: %v", errGet)
	}
	if _, errGone := q.Get(context.Background(), done.ID); !errors.Is(errGone, ErrNotFound) {
		t.Fatalf("expected terminal row deleted, got %v", errGone)
	}
}

func TestRecoverOrphansRequeuesProcessingRows(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	req, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}
	if _, errClaim := q.ClaimNext(context.Background()); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}

	// Simulate a crashed process: the row stays processing with no worker.
	recovered, errRecover := q.RecoverOrphans(context.Background())
	if errRecover != nil {
		t.Fatalf("recover: %v", errRecover)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	row, errGet := q.Get(context.Background(), req.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if row.Status != models.RequestStatusPending || row.ProcessingStartedAt != nil {
		t.Fatalf("unexpected recovered row: %+v", row)
	}
}

type stubDispatcher struct {
	results []DispatchResult
	calls   int
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ *models.QueuedRequest) DispatchResult {
	res := s.results[s.calls%len(s.results)]
	s.calls++
	return res
}

type stubRecorder struct {
	requests int64
	tokens   int64
}

func (s *stubRecorder) RecordUsage(_ context.Context, _ uint64, _ *uint64, requestsDelta, tokensDelta int64) error {
	s.requests += requestsDelta
	s.tokens += tokensDelta
	return nil
}

func TestPoolCompletesSuccessfulDispatch(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)
	recorder := &stubRecorder{}
	detector := ratelimit.NewDetector(db, nil, ratelimit.Config{MaxAttempts: 5, CapSeconds: 64})
	pool := NewPool(db, q, &stubDispatcher{results: []DispatchResult{{StatusCode: 200, TokensUsed: 12}}}, detector, recorder, PoolConfig{})

	req, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}

	busy, errProcess := pool.ProcessOne(context.Background())
	if errProcess != nil {
		t.Fatalf("process: %v", errProcess)
	}
	if !busy {
		t.Fatal("expected a request to be processed")
	}

	row, _ := q.Get(context.Background(), req.ID)
	if row.Status != models.RequestStatusCompleted || row.CompletedAt == nil {
		t.Fatalf("unexpected row after success: %+v", row)
	}
	if recorder.requests != 1 || recorder.tokens != 12 {
		t.Fatalf("usage not recorded: %+v", recorder)
	}
}

func TestPoolFailsTerminallyAfterMaxRetries(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)
	detector := ratelimit.NewDetector(db, nil, ratelimit.Config{MaxAttempts: 5, CapSeconds: 64})
	pool := NewPool(db, q, &stubDispatcher{results: []DispatchResult{{StatusCode: 429}}}, detector, &stubRecorder{}, PoolConfig{})

	maxRetries := 3
	req, errSubmit := q.Submit(context.Background(), SubmitInput{
		ProviderID: provider.ID,
		Endpoint:   "/v1/chat",
		Priority:   models.PriorityMedium,
		MaxRetries: &maxRetries,
	})
	if errSubmit != nil {
		t.Fatalf("submit: %v", errSubmit)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		// Collapse the backoff so the row is immediately claimable again.
		if errReady := db.Model(&models.QueuedRequest{}).
			Where("id = ?", req.ID).
			Update("scheduled_at", time.Now().UTC().Add(-time.Second)).Error; errReady != nil {
			t.Fatalf("reset schedule: %v", errReady)
		}
		busy, errProcess := pool.ProcessOne(context.Background())
		if errProcess != nil {
			t.Fatalf("attempt %d: %v", attempt, errProcess)
		}
		if !busy {
			t.Fatalf("attempt %d: expected a claim", attempt)
		}
	}

	row, errGet := q.Get(context.Background(), req.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if row.Status != models.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.RetryCount != maxRetries {
		t.Fatalf("retry_count = %d, want %d", row.RetryCount, maxRetries)
	}
	if row.LastError == "" || row.FailedAt == nil {
		t.Fatalf("missing failure detail: %+v", row)
	}

	// Terminal rows are not resubmitted automatically.
	busy, errProcess := pool.ProcessOne(context.Background())
	if errProcess != nil {
		t.Fatalf("post-failure pass: %v", errProcess)
	}
	if busy {
		t.Fatal("failed request must not be reclaimed")
	}
}

func TestGetStatsCounts(t *testing.T) {
	db := openTestDB(t)
	provider := createProvider(t, db, "openai")
	q := newTestQueue(t, db, nil)

	for i := 0; i < 3; i++ {
		if _, errSubmit := q.Submit(context.Background(), SubmitInput{ProviderID: provider.ID, Endpoint: "/v1/chat", Priority: models.PriorityMedium}); errSubmit != nil {
			t.Fatalf("submit %d: %v", i, errSubmit)
		}
	}
	if _, errClaim := q.ClaimNext(context.Background()); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}

	stats, errStats := q.GetStats(context.Background())
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[models.RequestStatusPending] != 2 || stats.ByStatus[models.RequestStatusProcessing] != 1 {
		t.Fatalf("unexpected status counts: %+v", stats.ByStatus)
	}
}
