package auth

import (
	"sync"
	"time"
)

// fixedWindowLimiter is SessionAuth's own coarse 1-second fixed-window
// counter, applied on the auth path only while the cache tier is declared
// down (spec.md §4.7 "Coarse global limiter"). Kept private to this package
// rather than shared with internal/cache's identical shape, since the two
// guard unrelated budgets and exporting one to serve the other would couple
// packages that otherwise don't need to know about each other.
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
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := time.Now().Unix()
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
