package limiter

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestMemoryLimiterEnforcesWindow(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		res, errAllow := l.Allow(context.Background(), "openai", 3, now)
		if errAllow != nil {
			t.Fatalf("allow %d: unexpected error: %v", i, errAllow)
		}
		if !res.Allowed {
			t.Fatalf("allow %d: expected allowed", i)
		}
		if res.Remaining != 3-(i+1) {
			t.Fatalf("allow %d: remaining = %d", i, res.Remaining)
		}
	}

	res, errAllow := l.Allow(context.Background(), "openai", 3, now)
	if errAllow != nil {
		t.Fatalf("unexpected error: %v", errAllow)
	}
	if res.Allowed {
		t.Fatal("expected fourth submission in the same second to be rejected")
	}
}

func TestMemoryLimiterResetsNextSecond(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	if res, _ := l.Allow(context.Background(), "openai", 1, now); !res.Allowed {
		t.Fatal("expected first submission allowed")
	}
	if res, _ := l.Allow(context.Background(), "openai", 1, now); res.Allowed {
		t.Fatal("expected second submission rejected")
	}
	if res, _ := l.Allow(context.Background(), "openai", 1, now.Add(time.Second)); !res.Allowed {
		t.Fatal("expected submission allowed after window rollover")
	}
}

func TestMemoryLimiterIsolatesKeys(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	if res, _ := l.Allow(context.Background(), "openai", 1, now); !res.Allowed {
		t.Fatal("expected openai allowed")
	}
	if res, _ := l.Allow(context.Background(), "anthropic", 1, now); !res.Allowed {
		t.Fatal("expected anthropic unaffected by openai window")
	}
}

func TestMemoryLimiterZeroLimitMeansUnlimited(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		res, errAllow := l.Allow(context.Background(), "openai", 0, now)
		if errAllow != nil {
			t.Fatalf("unexpected error: %v", errAllow)
		}
		if !res.Allowed {
			t.Fatalf("submission %d rejected with zero limit", i)
		}
	}
}

func TestManagerFallsBackToMemoryWhenRedisDisabled(t *testing.T) {
	m := NewManager(func() SettingsConfig {
		return SettingsConfig{Limit: 2}
	}, func() time.Time { return time.Unix(1700000000, 0) }, nil)

	for i := 0; i < 2; i++ {
		res, errAllow := m.Allow(context.Background(), "openai", 2)
		if errAllow != nil {
			t.Fatalf("allow %d: unexpected error: %v", i, errAllow)
		}
		if !res.Allowed {
			t.Fatalf("allow %d: expected allowed", i)
		}
	}
	res, errAllow := m.Allow(context.Background(), "openai", 2)
	if errAllow != nil {
		t.Fatalf("unexpected error: %v", errAllow)
	}
	if res.Allowed {
		t.Fatal("expected memory backend to reject once limit is reached")
	}
}

func TestManagerBreakerFallsBackOnRedisFailure(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewManager(func() SettingsConfig {
		return SettingsConfig{Limit: 1, RedisEnabled: true, RedisAddr: ""}
	}, func() time.Time { return now }, nil)

	res, errAllow := m.Allow(context.Background(), "openai", 1)
	if errAllow != nil {
		t.Fatalf("unexpected error: %v", errAllow)
	}
	if !res.Allowed {
		t.Fatal("expected fallback to memory backend to allow")
	}
	if !m.isBreakerActive(now) {
		t.Fatal("expected breaker tripped after redis config failure")
	}
	if m.isBreakerActive(now.Add(redisBreakerDuration + time.Second)) {
		t.Fatal("expected breaker cleared after the breaker window")
	}
}

func TestMemoryLimiterPrunesRetiredWindows(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1700000000, 0)

	for i := 0; i < pruneFloor+10; i++ {
		key := "provider-" + strconv.Itoa(i)
		if _, errAllow := l.Allow(context.Background(), key, 1, now); errAllow != nil {
			t.Fatalf("allow %d: %v", i, errAllow)
		}
	}
	if l.size() <= pruneFloor {
		t.Fatalf("size = %d, expected counters above the prune floor", l.size())
	}

	// The first check in a later window sweeps every retired counter.
	if _, errAllow := l.Allow(context.Background(), "openai", 1, now.Add(time.Second)); errAllow != nil {
		t.Fatalf("allow: %v", errAllow)
	}
	if l.size() != 1 {
		t.Fatalf("size = %d after prune, want 1", l.size())
	}
}

func TestManagerStatusReflectsBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewManager(func() SettingsConfig {
		return SettingsConfig{Limit: 1, RedisEnabled: true, RedisAddr: ""}
	}, func() time.Time { return now }, nil)

	status := m.Status()
	if status.Backend != "memory" || status.BreakerUntil != nil {
		t.Fatalf("unexpected initial status: %+v", status)
	}

	if _, errAllow := m.Allow(context.Background(), "openai", 1); errAllow != nil {
		t.Fatalf("allow: %v", errAllow)
	}

	status = m.Status()
	if status.Backend != "memory" || status.BreakerUntil == nil {
		t.Fatalf("expected breaker visible in status, got %+v", status)
	}
	if !status.BreakerUntil.Equal(now.Add(redisBreakerDuration)) {
		t.Fatalf("breaker until = %v, want %v", status.BreakerUntil, now.Add(redisBreakerDuration))
	}
}
