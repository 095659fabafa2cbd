// Package ratelimit implements fixed-window request counters keyed by
// session or credential. Windows are 60 seconds; the first hit on a missing
// key creates its window.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the fixed counting interval.
const Window = 60 * time.Second

type window struct {
	start time.Time
	count int
}

// Limiter counts hits per key in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time // test hook
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter creates a limiter and starts its background sweeper.
func NewLimiter() *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Check records a hit for key and reports whether it stays within limit.
// A limit <= 0 means unlimited.
func (l *Limiter) Check(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= Window {
		l.windows[key] = &window{start: now, count: 1}
		return limit >= 1
	}

	w.count++
	return w.count <= limit
}

// Remaining reports how many hits are left in the current window without
// consuming one. Used by the proxy for Retry-After style reporting.
func (l *Limiter) Remaining(key string, limit int) int {
	if limit <= 0 {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || l.now().Sub(w.start) >= Window {
		return limit
	}
	if rem := limit - w.count; rem > 0 {
		return rem
	}
	return 0
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// sweep purges expired windows so idle keys do not accumulate.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(Window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			for key, w := range l.windows {
				if now.Sub(w.start) >= Window {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
