package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SubmitLimiter throttles job submissions per user with a token bucket.
type SubmitLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	users     map[string]*limiterEntry
	lastPrune time.Time
}

// NewSubmitLimiter allows rps submissions per second per user with the given burst.
// A non-positive rps disables limiting.
func NewSubmitLimiter(rps float64, burst int) *SubmitLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &SubmitLimiter{
		limit: limit,
		burst: burst,
		now:   time.Now,
		users: make(map[string]*limiterEntry),
	}
}

// Allow reports whether userID may submit now.
func (l *SubmitLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleTTL {
		for id, entry := range l.users {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.users[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked users.
func (l *SubmitLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
