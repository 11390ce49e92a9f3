package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by an arbitrary string.
type Limiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type requestInfo struct {
	count   int
	resetAt time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return NewWithNow(limit, window, time.Now)
}

func NewWithNow(limit int, window time.Duration, now func() time.Time) *Limiter {
	l := &Limiter{
		requests: make(map[string]*requestInfo),
		limit:    limit,
		window:   window,
		now:      now,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	if l.window <= 0 {
		return
	}

	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		now := l.now()
		for key, w := range l.requests {
			if now.After(w.resetAt) {
				delete(l.requests, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.requests[key]
	if !exists || !now.Before(w.resetAt) {
		l.requests[key] = &requestInfo{count: 1, resetAt: now.Add(l.window)}
		return true
	}

	if w.count >= l.limit {
		return false
	}

	w.count++
	return true
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Window is a single-key rolling window without a cleanup goroutine, used
// where one limiter belongs to one owner object. It keeps the times of the
// last limit allowed calls; a call is allowed only when the oldest of them
// is at least size old.
type Window struct {
	mu    sync.Mutex
	limit int
	size  time.Duration
	now   func() time.Time
	sent  []time.Time
	next  int
}

func NewWindow(limit int, size time.Duration) *Window {
	return NewWindowWithNow(limit, size, time.Now)
}

func NewWindowWithNow(limit int, size time.Duration, now func() time.Time) *Window {
	return &Window{limit: limit, size: size, now: now, sent: make([]time.Time, 0, limit)}
}

func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.limit <= 0 {
		return false
	}
	now := w.now()
	if len(w.sent) < w.limit {
		w.sent = append(w.sent, now)
		return true
	}
	// sent is a ring; next is the oldest entry.
	if now.Sub(w.sent[w.next]) < w.size {
		return false
	}
	w.sent[w.next] = now
	w.next = (w.next + 1) % w.limit
	return true
}
