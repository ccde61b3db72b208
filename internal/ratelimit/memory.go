package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	started time.Time
}

// MemoryLimiter is a mutex-guarded fixed-window counter. Budgets reset on
// process restart; brief over-admission across restarts is accepted.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.started) >= l.period {
		w = &window{started: now}
		l.windows[key] = w
	}

	result := Result{
		Limit: l.limit,
		Reset: w.started.Add(l.period),
	}
	if w.count >= l.limit {
		return result, nil
	}
	w.count++
	result.Allowed = true
	result.Remaining = l.limit - w.count
	return result, nil
}

// Sweep drops windows that ended before now. Called periodically so idle
// devices do not pin map entries forever.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, w := range l.windows {
		if now.Sub(w.started) >= l.period {
			delete(l.windows, key)
		}
	}
}
