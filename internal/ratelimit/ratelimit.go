// Package ratelimit throttles outbound calls with a minimum spacing and
// a sliding-window cap.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding-window width for the request cap.
const Window = 60 * time.Second

// Limiter enforces MinInterval between permitted calls and at most
// MaxPerWindow calls inside the sliding window. A MinInterval of zero
// disables limiting entirely. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	maxPerWin   int
	last        time.Time
	history     []time.Time

	now func() time.Time // test hook
}

// New returns a limiter. maxPerWindow <= 0 means the window cap is off.
func New(minInterval time.Duration, maxPerWindow int) *Limiter {
	return &Limiter{minInterval: minInterval, maxPerWin: maxPerWindow, now: time.Now}
}

// Acquire blocks until a call is permitted or ctx is done. On success it
// records the call in the window and as the last permitted call.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.minInterval <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		wait := l.waitLocked(now)
		if wait <= 0 {
			l.last = now
			l.history = append(l.history, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// waitLocked purges expired history entries and returns how long the
// caller must wait before it may proceed. Zero means go now.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}

	var wait time.Duration
	if l.maxPerWin > 0 && len(l.history) >= l.maxPerWin {
		wait = l.history[0].Add(Window).Sub(now)
	}
	if !l.last.IsZero() {
		if gap := l.minInterval - now.Sub(l.last); gap > wait {
			wait = gap
		}
	}
	return wait
}

// Pending returns the number of calls currently counted in the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-Window)
	n := 0
	for _, t := range l.history {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
