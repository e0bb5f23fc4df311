// Package ratelimit implements per-key token-bucket rate limiting for
// the HTTP surface: a general per-IP limit, a stricter per-IP limit on
// auth endpoints, and a per-owner limit on session starts.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token-bucket per key (IP address or owner id),
// created lazily and evicted after a period of inactivity.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing ratePerSecond sustained requests per key
// with the given burst capacity. A background goroutine evicts buckets
// idle for longer than idleTTL every idleTTL/2.
func New(ratePerSecond float64, burst int, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*entry),
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
		idleTTL: idleTTL,
	}
	go l.evictLoop()
	return l
}

// Allow reports whether a request for key is permitted right now,
// consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.idleTTL)
		l.mu.Lock()
		for key, e := range l.buckets {
			if e.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
