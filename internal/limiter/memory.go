package limiter

import (
	"context"
	"sync"
	"time"
)

// pruneFloor bounds how many counters the map may hold before stale
// windows are swept out on the next check.
const pruneFloor = 64

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-memory submission limiter.
// Counters for retired windows are pruned lazily so a long-running process
// does not keep one entry per provider key it ever saw.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]memoryEntry),
	}
}

// Allow checks whether the submission should be allowed in the current second.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	sec := now.Unix()
	reset := time.Unix(sec+1, 0).UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.counters) > pruneFloor {
		l.prune(sec)
	}

	entry := l.counters[key]
	if entry.window != sec {
		entry = memoryEntry{window: sec}
	}
	if entry.count >= limit {
		l.counters[key] = entry
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	l.counters[key] = entry
	return Result{Allowed: true, Remaining: limit - entry.count, Reset: reset}, nil
}

// prune drops counters from windows other than sec. Caller holds the lock.
func (l *MemoryLimiter) prune(sec int64) {
	for key, entry := range l.counters {
		if entry.window != sec {
			delete(l.counters, key)
		}
	}
}

// size reports the live counter count; used to verify pruning.
func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
