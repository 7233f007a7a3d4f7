package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter throttles order mutations per staff actor. A nil limiter
// admits everything.
type rateLimiter interface {
	Allow(key string) bool
}

// mutationLimiter is a fixed-window counter keyed by actor id. Windows are
// small (seconds to minutes) and the actor population is staff-sized, so a
// map swept opportunistically is enough; no background goroutine.
type mutationLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]actorWindow
}

type actorWindow struct {
	used     int
	openedAt time.Time
}

func newMutationLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &mutationLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]actorWindow),
	}
}

func (l *mutationLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.openedAt) >= l.window {
		l.sweepLocked(now)
		l.windows[key] = actorWindow{used: 1, openedAt: now}
		return true
	}
	if w.used >= l.limit {
		return false
	}
	w.used++
	l.windows[key] = w
	return true
}

// sweepLocked drops windows that have lapsed. Called on the window-open
// path so the map stays bounded by the set of recently active actors.
func (l *mutationLimiter) sweepLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.openedAt) >= l.window {
			delete(l.windows, key)
		}
	}
}
