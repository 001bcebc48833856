package datahub

import (
	"context"
	"sync"
	"time"
)

// windowLimiter enforces a calls-per-minute ceiling with a sliding window.
// One limiter instance is shared by every caller of the same budget; the
// window is the single piece of mutable state concurrent tasks contend on.
type windowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
}

// newWindowLimiter creates a limiter allowing limit calls per window.
func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		limit:  limit,
		window: window,
	}
}

// Wait blocks until a call slot is available or the context is cancelled.
// On success the slot is consumed.
func (l *windowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		// Oldest call leaving the window frees the next slot.
		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops timestamps that have left the window.
// Must be called with the lock held.
func (l *windowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && l.calls[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
