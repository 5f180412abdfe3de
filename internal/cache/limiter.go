package cache

import (
	"sync"
	"time"
)

// fixedWindowLimiter is a coarse 1-second fixed-window counter, used as the
// fallback admission limiter when the cache tier is declared down (spec.md
// §4.6, §4.7) rather than anything token-bucket-smooth — the spec calls
// for exactly this shape.
type fixedWindowLimiter struct {
	mu         sync.Mutex
	limit      int64
	windowSecs int64
	count      int64
}

func newFixedWindowLimiter(limit int) *fixedWindowLimiter {
	return &fixedWindowLimiter{limit: int64(limit)}
}

// Allow reports whether one more unit of work may proceed in the current
// 1-second window.
func (l *fixedWindowLimiter) Allow() bool {
	return l.AllowAt(time.Now())
}

// AllowAt is Allow parameterized on the current time, for deterministic
// tests.
func (l *fixedWindowLimiter) AllowAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := now.Unix()
	if sec != l.windowSecs {
		l.windowSecs = sec
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
