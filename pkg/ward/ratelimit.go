package ward

import (
	"sync"
	"time"
)

const (
	// gcEvery bounds how often the inline sweep runs.
	gcEvery = 256
	// stampMaxAge keeps entries at least twice the counting window.
	stampMaxAge = 2 * rateLimitWindow
)

// MemoryRateLimiter tracks per-(session, tool) call timestamps in a
// sliding window. Recording a call also records the session-wide wildcard
// key so wildcard wards can count across tools. Memory stays bounded by
// an inline GC that drops keys whose newest stamp has aged out.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	stamps map[string][]time.Time
	calls  int
	now    func() time.Time
}

// NewMemoryRateLimiter creates an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		stamps: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func rlKey(sessionID, tool string) string {
	return sessionID + "\x00" + tool
}

// Record notes one call for (session, tool) and the wildcard key.
func (l *MemoryRateLimiter) Record(sessionID, tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	l.stamps[rlKey(sessionID, tool)] = append(l.stamps[rlKey(sessionID, tool)], ts)
	l.stamps[rlKey(sessionID, "*")] = append(l.stamps[rlKey(sessionID, "*")], ts)

	l.calls++
	if l.calls%gcEvery == 0 {
		l.gc(ts)
	}
}

// Count returns the number of recorded calls for (session, tool) within
// the trailing window, pruning expired stamps as it goes.
func (l *MemoryRateLimiter) Count(sessionID, tool string, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rlKey(sessionID, tool)
	cutoff := l.now().Add(-window)
	kept := l.stamps[key][:0]
	for _, ts := range l.stamps[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.stamps, key)
		return 0
	}
	l.stamps[key] = kept
	return len(kept)
}

// Provider adapts the limiter to the engine's provider contract.
func (l *MemoryRateLimiter) Provider() RateLimitProvider {
	return func(sessionID, countingKey string, window time.Duration) int {
		return l.Count(sessionID, countingKey, window)
	}
}

// gc drops keys whose newest stamp is older than stampMaxAge. Callers
// hold l.mu.
func (l *MemoryRateLimiter) gc(now time.Time) {
	cutoff := now.Add(-stampMaxAge)
	for key, stamps := range l.stamps {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(l.stamps, key)
		}
	}
}
