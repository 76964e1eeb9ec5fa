// Package ratelimit throttles console executions per session with token
// buckets from golang.org/x/time/rate. Idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a session has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError reports how long the session has to wait. It matches
// ErrRateLimited with errors.Is.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v; retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-session rate limiter.
// Each session gets an independent bucket; one session cannot exhaust another's quota.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*entry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		sessions: make(map[string]*entry),
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow consumes one token for the session. An empty bucket yields a
// *LimitError.
func (l *Limiter) Allow(sessionID string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.sessions[sessionID]
	if !ok {
		// First request: start with a full bucket.
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[sessionID] = e
	}
	e.lastSeen = now

	if e.lim.AllowN(now, 1) {
		return nil
	}
	r := e.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return &LimitError{RetryAfter: wait}
}

// Prune drops buckets not used since before idleSince and returns how many were removed.
func (l *Limiter) Prune(idleSince time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.sessions {
		if e.lastSeen.Before(idleSince) {
			delete(l.sessions, id)
			n++
		}
	}
	return n
}
