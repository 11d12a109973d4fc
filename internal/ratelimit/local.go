package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	pruneEvery = time.Minute
	idleAfter  = 10 * time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process keyed token bucket. A rule's Limit is the burst and
// Limit/Window the refill rate. It backs single-instance deployments and the
// per-connection typing throttle.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

var _ Checker = (*Local)(nil)

// NewLocal returns an empty limiter.
func NewLocal() *Local {
	return &Local{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow takes one token from identifier's bucket for rule. It never fails.
func (l *Local) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	now := l.now()
	key := rule.Key + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > pruneEvery {
		l.prune(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		every := rule.Window / time.Duration(rule.Limit)
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), rule.Limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

// Forget drops every bucket of identifier under rule, e.g. when a connection
// closes.
func (l *Local) Forget(identifier string, rule Rule) {
	l.mu.Lock()
	delete(l.buckets, rule.Key+identifier)
	l.mu.Unlock()
}

// prune must be called with mu held.
func (l *Local) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(l.buckets, k)
		}
	}
	l.lastPrune = now
}

// Len returns the number of live buckets.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
