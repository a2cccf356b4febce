// Package ratelimit guards the Session Coordinator against a single
// connection flooding Insert/Delete operations. Each client gets its own
// token-bucket limiter, keyed by client id and cleaned up on disconnect.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one token-bucket rate limiter per connected client.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[uint32]*rate.Limiter
}

// New creates a Limiter allowing ratePerSecond sustained operations per
// client with the given burst capacity.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
		buckets: make(map[uint32]*rate.Limiter),
	}
}

// Allow reports whether clientID may perform one more operation right now,
// creating that client's bucket on first use.
func (l *Limiter) Allow(clientID uint32) bool {
	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[clientID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Remove discards clientID's bucket, e.g. once the client has disconnected.
func (l *Limiter) Remove(clientID uint32) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
