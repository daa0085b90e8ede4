package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// FrameLimiter throttles frames per session with one token bucket each.
type FrameLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	sessions map[string]*rate.Limiter
}

// NewFrameLimiter returns a limiter allowing perSecond frames with the given
// burst. A non-positive rate returns nil, which allows everything.
func NewFrameLimiter(perSecond float64, burst int) *FrameLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &FrameLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		sessions: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a frame for sessionID may proceed now. A bucket is
// created only for sessions known reports as registered; frames for other ids
// pass untracked so the caller's own lookup can reject them. Callers must
// Forget a session after removing it.
func (l *FrameLimiter) Allow(sessionID string, known func(string) bool) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.sessions[sessionID]
	if !ok {
		if !known(sessionID) {
			l.mu.Unlock()
			return true
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.sessions[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket for a removed session.
func (l *FrameLimiter) Forget(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (l *FrameLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
