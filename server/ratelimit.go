package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdleTTL is how long a caller's bucket survives without requests.
	// An idle bucket has refilled long before this, so dropping it is lossless.
	limiterIdleTTL = 10 * time.Minute
	// limiterSweepEvery bounds how often Allow scans for idle buckets
	limiterSweepEvery = time.Minute
)

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerLimiter keeps one token bucket per caller. Buckets idle for longer
// than limiterIdleTTL are evicted on a later Allow.
type callerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*callerBucket
	lastSweep time.Time
	now       func() time.Time
}

func newCallerLimiter(perSecond float64, burst int) *callerLimiter {
	l := &callerLimiter{
		buckets: make(map[string]*callerBucket),
		now:     time.Now,
	}
	l.lastSweep = l.now()
	l.SetLimit(perSecond, burst)
	return l
}

// SetLimit applies a new rate to existing and future buckets
func (l *callerLimiter) SetLimit(perSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = rate.Inf
	if perSecond > 0 {
		l.limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	l.burst = burst

	// Unlimited callers need no buckets
	if l.limit == rate.Inf {
		clear(l.buckets)
		return
	}
	for _, b := range l.buckets {
		b.limiter.SetLimit(l.limit)
		b.limiter.SetBurst(l.burst)
	}
}

// Allow spends one token from the caller's bucket
func (l *callerLimiter) Allow(callerID string) bool {
	l.mu.Lock()
	if l.limit == rate.Inf {
		l.mu.Unlock()
		return true
	}
	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[callerID]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[callerID] = b
	}
	b.lastSeen = now
	lim := b.limiter
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (l *callerLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepEvery {
		return
	}
	l.lastSweep = now
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, id)
		}
	}
}

// size reports how many callers currently hold a bucket
func (l *callerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
