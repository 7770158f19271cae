// Package ratelimit provides the global back-pressure gate for solver
// traffic: a sliding-window QPS limiter composed with a concurrency cap.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter combines a sliding-window QPS limiter with a semaphore bounding
// in-flight calls. Acquire order is QPS first, then a concurrency slot;
// release runs in reverse (the QPS event is never released, it just ages
// out of the window).
type Limiter struct {
	qps    int
	window time.Duration
	sem    *semaphore.Weighted

	mu     sync.Mutex
	events []time.Time

	// metrics
	acquired   atomic.Int64
	qpsWaits   atomic.Int64
	inFlight   atomic.Int64
	maxObservd atomic.Int64
}

// New creates a limiter allowing qps acquisitions per burst window and at
// most maxConcurrent simultaneous holders. Zero or negative arguments fall
// back to permissive defaults.
func New(qps int, burstWindow time.Duration, maxConcurrent int) *Limiter {
	if qps <= 0 {
		qps = 8
	}
	if burstWindow <= 0 {
		burstWindow = time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Limiter{
		qps:    qps,
		window: burstWindow,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Acquire blocks until both a QPS token and a concurrency slot are held,
// or ctx is done. On success the returned release func must be called
// exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.waitQPS(ctx); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.acquired.Add(1)
	cur := l.inFlight.Add(1)
	for {
		max := l.maxObservd.Load()
		if cur <= max || l.maxObservd.CompareAndSwap(max, cur) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// waitQPS sleeps until an event slot is free inside the sliding window.
func (l *Limiter) waitQPS(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.window)
		// Prune events that have aged out of the window.
		i := 0
		for i < len(l.events) && l.events[i].Before(cutoff) {
			i++
		}
		l.events = l.events[i:]

		if len(l.events) < l.qps {
			l.events = append(l.events, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.events[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		l.qpsWaits.Add(1)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats is a point-in-time metrics snapshot.
type Stats struct {
	Acquired      int64 `json:"acquired"`
	QPSWaits      int64 `json:"qps_waits"`
	InFlight      int64 `json:"in_flight"`
	MaxConcurrent int64 `json:"max_concurrent_observed"`
}

// Snapshot returns current counters.
func (l *Limiter) Snapshot() Stats {
	return Stats{
		Acquired:      l.acquired.Load(),
		QPSWaits:      l.qpsWaits.Load(),
		InFlight:      l.inFlight.Load(),
		MaxConcurrent: l.maxObservd.Load(),
	}
}
