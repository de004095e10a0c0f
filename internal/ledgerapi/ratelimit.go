package ledgerapi

import (
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// rateLimiter is a token bucket per key. A nil limiter allows everything.
type rateLimiter struct {
	mu sync.Mutex

	perSecond float64
	burst     float64
	maxKeys   int
	buckets   map[string]bucket
}

func newRateLimiter(perSecond, burst float64, maxKeys int) *rateLimiter {
	return &rateLimiter{
		perSecond: perSecond,
		burst:     burst,
		maxKeys:   maxKeys,
		buckets:   make(map[string]bucket),
	}
}

func (l *rateLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictStalest()
		}
		l.buckets[key] = bucket{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if dt := now.Sub(b.lastAt).Seconds(); dt > 0 {
		b.tokens = min(l.burst, b.tokens+dt*l.perSecond)
	}
	b.lastAt = now
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[key] = b
	return allowed
}

func (l *rateLimiter) evictStalest() {
	var (
		key   string
		seen  time.Time
		found bool
	)
	for k, b := range l.buckets {
		if !found || b.lastSeen.Before(seen) {
			key, seen, found = k, b.lastSeen, true
		}
	}
	if found {
		delete(l.buckets, key)
	}
}
