package auth

import (
	"sync"
	"time"
)

// failureWindow tracks failed attempts from one client address
type failureWindow struct {
	count int
	first time.Time
	last  time.Time
}

// FailureLimiter refuses clients that failed authentication too often
// within a window. A nil limiter never blocks.
type FailureLimiter struct {
	attempts map[string]*failureWindow
	mu       sync.Mutex

	maxFailures int
	window      time.Duration
	now         func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewFailureLimiter creates a limiter allowing maxFailures failed attempts
// per address within window. It returns nil when maxFailures is zero.
func NewFailureLimiter(maxFailures int, window time.Duration) *FailureLimiter {
	if maxFailures <= 0 || window <= 0 {
		return nil
	}

	l := &FailureLimiter{
		attempts:    make(map[string]*failureWindow),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
		stop:        make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Blocked reports whether addr is locked out and for how long.
func (l *FailureLimiter) Blocked(addr string) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, ok := l.current(addr)
	if !ok || attempt.count < l.maxFailures {
		return false, 0
	}
	return true, attempt.first.Add(l.window).Sub(l.now())
}

// RecordFailure counts a failed attempt from addr
func (l *FailureLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	attempt, ok := l.current(addr)
	if !ok {
		l.attempts[addr] = &failureWindow{count: 1, first: now, last: now}
		return
	}
	attempt.count++
	attempt.last = now
}

// Reset forgets the failures of addr, called after a successful attempt
func (l *FailureLimiter) Reset(addr string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, addr)
}

// Failures returns the failed attempts of addr in the current window
func (l *FailureLimiter) Failures(addr string) int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if attempt, ok := l.current(addr); ok {
		return attempt.count
	}
	return 0
}

// Close stops the cleanup goroutine
func (l *FailureLimiter) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

// current returns the live window of addr. Caller holds mu.
func (l *FailureLimiter) current(addr string) (*failureWindow, bool) {
	attempt, ok := l.attempts[addr]
	if !ok {
		return nil, false
	}
	if l.now().Sub(attempt.first) > l.window {
		delete(l.attempts, addr)
		return nil, false
	}
	return attempt, true
}

// cleanupLoop periodically removes expired entries
func (l *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *FailureLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for addr, attempt := range l.attempts {
		if now.Sub(attempt.first) > l.window {
			delete(l.attempts, addr)
		}
	}
}
