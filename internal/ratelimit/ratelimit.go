// Package ratelimit bounds how fast a client may push frames and how often a
// session's cursor is relayed.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

// Token bucket for inbound frames of one connection
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// Throttle admits at most one event per interval for each key. Rejected
// events are dropped, not queued.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	last     map[string]time.Time
	mu       sync.Mutex
}

func NewThrottle(interval time.Duration) *Throttle {
	return NewThrottleWithClock(interval, time.Now)
}

func NewThrottleWithClock(interval time.Duration, now func() time.Time) *Throttle {
	return &Throttle{
		interval: interval,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

// Allow records an event for key and returns ErrRateLimited when the previous
// admitted event is less than one interval old.
func (t *Throttle) Allow(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		return ErrRateLimited
	}
	t.last[key] = now
	return nil
}

func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}

// Prune drops keys idle for longer than maxIdle.
func (t *Throttle) Prune(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for key, at := range t.last {
		if now.Sub(at) > maxIdle {
			delete(t.last, key)
			n++
		}
	}
	return n
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
