package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	quotaUsagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotaguard_quota_usage_percent",
			Help: "Current quota usage percent per provider",
		},
		[]string{"provider"},
	)

	requestsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_requests_queued_total",
			Help: "Total requests admitted to the queue",
		},
		[]string{"provider", "priority"},
	)

	requestsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_requests_completed_total",
			Help: "Total queued requests by terminal status",
		},
		[]string{"provider", "status"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotaguard_queue_depth",
			Help: "Pending requests per provider",
		},
		[]string{"provider"},
	)

	rateLimitEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_rate_limit_events_total",
			Help: "Rate limit incidents by outcome",
		},
		[]string{"provider", "status"},
	)

	alertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_alerts_dispatched_total",
			Help: "Alerts dispatched by type and channel",
		},
		[]string{"alert_type", "channel"},
	)

	projectsPaused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_projects_paused_total",
			Help: "Auto-pause actions by provider",
		},
		[]string{"provider"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_events_dropped_total",
			Help: "Domain events dropped for slow subscribers",
		},
		[]string{"type"},
	)
)

// Register registers all engine collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		quotaUsagePercent,
		requestsQueued,
		requestsCompleted,
		queueDepth,
		rateLimitEvents,
		alertsDispatched,
		projectsPaused,
		eventsDropped,
	)
}

// ObserveQuotaUsage records the current usage percent for a provider.
func ObserveQuotaUsage(provider string, percent float64) {
	quotaUsagePercent.WithLabelValues(provider).Set(percent)
}

// RequestQueued counts an admitted request.
func RequestQueued(provider, priority string) {
	requestsQueued.WithLabelValues(provider, priority).Inc()
}

// RequestFinished counts a request reaching a terminal status.
func RequestFinished(provider, status string) {
	requestsCompleted.WithLabelValues(provider, status).Inc()
}

// SetQueueDepth records the pending backlog for a provider.
func SetQueueDepth(provider string, depth int64) {
	queueDepth.WithLabelValues(provider).Set(float64(depth))
}

// RateLimitEvent counts a rate limit incident transition.
func RateLimitEvent(provider, status string) {
	rateLimitEvents.WithLabelValues(provider, status).Inc()
}

// AlertDispatched counts an alert delivery attempt per channel.
func AlertDispatched(alertType, channel string) {
	alertsDispatched.WithLabelValues(alertType, channel).Inc()
}

// ProjectPaused counts an auto-pause action.
func ProjectPaused(provider string) {
	projectsPaused.WithLabelValues(provider).Inc()
}

// EventDropped counts a dropped domain event.
func EventDropped(eventType string) {
	eventsDropped.WithLabelValues(eventType).Inc()
}
