package settings

// DB config keys and defaults for runtime-tunable engine settings.
const (
	// ThrottleThresholdPercentKey controls the per-provider admission pause threshold.
	ThrottleThresholdPercentKey = "THROTTLE_THRESHOLD_PERCENT"
	// SubmitLimitKey controls the per-second submission limit per provider (0 = unlimited).
	SubmitLimitKey = "SUBMIT_LIMIT"
	// SubmitLimitRedisEnabledKey toggles Redis-backed submission limiting.
	SubmitLimitRedisEnabledKey = "SUBMIT_LIMIT_REDIS_ENABLED"
	// SubmitLimitRedisAddrKey defines the Redis address for submission limiting.
	SubmitLimitRedisAddrKey = "SUBMIT_LIMIT_REDIS_ADDR"
	// SubmitLimitRedisPasswordKey defines the Redis password for submission limiting.
	SubmitLimitRedisPasswordKey = "SUBMIT_LIMIT_REDIS_PASSWORD"
	// SubmitLimitRedisDBKey defines the Redis DB index for submission limiting.
	SubmitLimitRedisDBKey = "SUBMIT_LIMIT_REDIS_DB"
	// SubmitLimitRedisPrefixKey defines the Redis key prefix for submission limiting.
	SubmitLimitRedisPrefixKey = "SUBMIT_LIMIT_REDIS_PREFIX"

	// DefaultThrottleThresholdPercent pauses admission once usage reaches this percent.
	DefaultThrottleThresholdPercent = 90.0
	// DefaultSubmitLimit is the fallback submission limit (0 means unlimited).
	DefaultSubmitLimit = 0
	// DefaultSubmitLimitRedisPrefix is the fallback Redis key prefix.
	DefaultSubmitLimitRedisPrefix = "qg:submit"
)

// Alert threshold and escalation defaults, used when no AlertConfig row matches.
const (
	// DefaultWarningThresholdPercent fires a warning alert.
	DefaultWarningThresholdPercent = 80.0
	// DefaultCriticalThresholdPercent fires a critical alert.
	DefaultCriticalThresholdPercent = 90.0
	// DefaultEmergencyThresholdPercent fires an emergency alert and the pause cascade.
	DefaultEmergencyThresholdPercent = 95.0
	// DefaultCooldownMinutes suppresses duplicate alerts within the window.
	DefaultCooldownMinutes = 15
	// DefaultEscalationMinutes re-notifies unacknowledged alerts after this long.
	DefaultEscalationMinutes = 10
	// DefaultMaxEscalations caps repeated escalation of one alert.
	DefaultMaxEscalations = 3
)

// Backoff and retry defaults for rate limit handling.
const (
	// DefaultBackoffCapSeconds caps exponential backoff delays.
	DefaultBackoffCapSeconds = 64
	// DefaultJitterFraction bounds uniform jitter as a fraction of the base delay.
	DefaultJitterFraction = 0.25
	// DefaultMaxAttempts bounds automatic retries per rate limit incident.
	DefaultMaxAttempts = 5
)

// Queue processing defaults.
const (
	// DefaultWorkerCount sets the queue worker pool size.
	DefaultWorkerCount = 4
	// DefaultQueueCapacity bounds pending rows per provider before saturation.
	DefaultQueueCapacity = 1000
	// DefaultResumeThresholdPercent resumes paused projects below this usage.
	DefaultResumeThresholdPercent = 85.0
)
