// Package admission gates requests into the pool with fixed-window counters,
// per caller and globally, for each request class.
//
// Windows expire lazily when a key is checked. Idle keys are swept inline at
// most once per window length, so no background goroutine is needed.
package admission

import (
	"sync"
	"time"
)

// Decision is the result of a limiter check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

type window struct {
	start time.Time
	count int
}

// Limiter counts hits per key in fixed windows
type Limiter struct {
	mu        sync.Mutex
	limit     int
	length    time.Duration
	windows   map[string]*window
	lastSweep time.Time
	now       func() time.Time
}

// NewLimiter allows limit hits per key per window length
func NewLimiter(limit int, length time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limit:   limit,
		length:  length,
		windows: make(map[string]*window),
		now:     now,
	}
}

// Allow consumes one hit for key if the window has room
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	d := l.checkLocked(key, now)
	if d.Allowed {
		l.consumeLocked(key, now)
		d.Remaining--
	}
	return d
}

// Peek reports what Allow would decide without consuming anything
func (l *Limiter) Peek(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(key, l.now())
}

func (l *Limiter) checkLocked(key string, now time.Time) Decision {
	l.sweepLocked(now)

	w := l.current(key, now)
	if w == nil {
		return Decision{
			Allowed:   true,
			Limit:     l.limit,
			Remaining: l.limit,
			ResetAt:   now.Add(l.length),
		}
	}

	resetAt := w.start.Add(l.length)
	if w.count >= l.limit {
		return Decision{
			Allowed:    false,
			RetryAfter: resetAt.Sub(now),
			Limit:      l.limit,
			Remaining:  0,
			ResetAt:    resetAt,
		}
	}
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - w.count,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) consumeLocked(key string, now time.Time) {
	if w := l.current(key, now); w != nil {
		w.count++
		return
	}
	l.windows[key] = &window{start: now, count: 1}
}

// current returns the live window for key, dropping an expired one
func (l *Limiter) current(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if !ok {
		return nil
	}
	if !now.Before(w.start.Add(l.length)) {
		delete(l.windows, key)
		return nil
	}
	return w
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.length {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.length)) {
			delete(l.windows, key)
		}
	}
}
