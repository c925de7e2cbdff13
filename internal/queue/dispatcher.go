package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/models"
)

// HTTPDispatcher executes queued request intents against their upstream
// endpoint. The endpoint field must carry an absolute URL.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher constructs an HTTPDispatcher with a request timeout.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

// Dispatch performs the outbound call and reports status, Retry-After, and
// failure in a shape the worker pool can act on.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *models.QueuedRequest) DispatchResult {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body *bytes.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, errNew := http.NewRequestWithContext(ctx, method, req.Endpoint, body)
	if errNew != nil {
		return DispatchResult{Err: fmt.Errorf("build request: %w", errNew)}
	}
	if len(req.Payload) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, errDo := d.client.Do(httpReq)
	if errDo != nil {
		return DispatchResult{Err: fmt.Errorf("dispatch request: %w", errDo)}
	}
	defer func() { _ = resp.Body.Close() }()

	result := DispatchResult{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfterSeconds = parseRetryAfter(resp.Header.Get("Retry-After"))
		return result
	}
	if resp.StatusCode >= 400 {
		result.Err = fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return result
}

// parseRetryAfter reads the delay-seconds form of the Retry-After header.
func parseRetryAfter(raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	seconds, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil || seconds < 0 {
		return nil
	}
	return &seconds
}
