package handlers

import (
	"strings"
	"sync"
	"time"
)

// actorLimiter caps how often one actor may start an expensive operation within a window.
type actorLimiter interface {
	Allow(actor string) bool
}

type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]actorWindow
}

type actorWindow struct {
	used    int
	resetAt time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) actorLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]actorWindow),
	}
}

func (l *windowLimiter) Allow(actor string) bool {
	if l == nil {
		return true
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[actor]
	if !ok || !now.Before(current.resetAt) {
		l.windows[actor] = actorWindow{used: 1, resetAt: now.Add(l.window)}
		l.evictExpiredLocked(now)
		return true
	}
	if current.used >= l.limit {
		return false
	}
	current.used++
	l.windows[actor] = current
	return true
}

func (l *windowLimiter) evictExpiredLocked(now time.Time) {
	for actor, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, actor)
		}
	}
}
