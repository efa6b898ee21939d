// Package ratelimit throttles outbound brokerage requests.
//
// A Limiter caps request throughput per credential; a Pacer enforces the
// pause between continuation pages of a single pagination walk.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides token-bucket rate limiting keyed by credential.
// Every app key gets its own bucket, created on first use.
type Limiter struct {
	buckets  sync.Map
	requests int
	period   time.Duration
	stats    *stats
}

type stats struct {
	total   atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
	buckets atomic.Int32
}

// New creates a Limiter allowing requests per period for each credential.
func New(requests int, period time.Duration) *Limiter {
	return &Limiter{
		requests: requests,
		period:   period,
		stats:    &stats{},
	}
}

// Wait blocks until the bucket of key admits a request or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.stats.total.Add(1)
	if err := l.bucket(key).Wait(ctx); err != nil {
		l.stats.denied.Add(1)
		return err
	}
	l.stats.allowed.Add(1)
	return nil
}

// SetLimit replaces the limit of the bucket of key, e.g. after the
// brokerage raised the quota of that credential.
func (l *Limiter) SetLimit(key string, requests int, period time.Duration) {
	b := l.bucket(key)
	b.SetLimit(limitFor(requests, period))
	b.SetBurst(requests)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(limitFor(l.requests, l.period), l.requests)
	actual, loaded := l.buckets.LoadOrStore(key, limiter)
	if !loaded {
		l.stats.buckets.Add(1)
	}
	return actual.(*rate.Limiter)
}

func limitFor(requests int, period time.Duration) rate.Limit {
	return rate.Limit(float64(requests) / period.Seconds())
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Snapshot {
	return Snapshot{
		TotalRequests:   l.stats.total.Load(),
		AllowedRequests: l.stats.allowed.Load(),
		DeniedRequests:  l.stats.denied.Load(),
		BucketCount:     l.stats.buckets.Load(),
	}
}

// Snapshot is a point-in-time capture of limiter counters.
type Snapshot struct {
	TotalRequests   int64
	AllowedRequests int64
	DeniedRequests  int64
	BucketCount     int32
}
