package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter throttles rejected requests per remote host. Each host gets a
// token bucket refilled at limit per window with a burst of limit.
type authLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	entries     map[string]*authEntry
	lastCleanup time.Time
	now         func() time.Time
}

type authEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*authEntry),
		now:        time.Now,
	}
}

func (l *authLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.shouldCleanup(now) {
		l.cleanup(now)
	}

	entry := l.entries[key]
	if entry == nil {
		every := rate.Every(l.window / time.Duration(l.limit))
		entry = &authEntry{limiter: rate.NewLimiter(every, l.limit)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *authLimiter) shouldCleanup(now time.Time) bool {
	if len(l.entries) > l.maxEntries {
		return true
	}
	if l.lastCleanup.IsZero() {
		return true
	}
	return now.Sub(l.lastCleanup) >= l.window
}

func (l *authLimiter) cleanup(now time.Time) {
	staleCutoff := now.Add(-2 * l.window)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(staleCutoff) {
			delete(l.entries, key)
		}
	}

	excess := len(l.entries) - l.maxEntries
	for key := range l.entries {
		if excess <= 0 {
			break
		}
		delete(l.entries, key)
		excess--
	}
	l.lastCleanup = now
}
