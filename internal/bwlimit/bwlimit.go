// Package bwlimit implements the global advisory bandwidth token bucket
// shared by all tunnels.
package bwlimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket with capacity equal to the configured rate in
// bytes/second. Admit never blocks and never rejects: when the bucket runs
// dry it drains to zero and lets the bytes through anyway. The limiter is
// shaping pressure, not enforcement.
type Limiter struct {
	mu         sync.Mutex
	ratePerSec float64
	tokens     float64
	lastRefill time.Time
}

// New creates a full bucket for the given rate in bytes/second.
func New(bytesPerSecond int64) *Limiter {
	return &Limiter{
		ratePerSec: float64(bytesPerSecond),
		tokens:     float64(bytesPerSecond),
		lastRefill: time.Now(),
	}
}

// Admit refills from elapsed wall time, capped at capacity, then deducts n.
func (l *Limiter) Admit(n int) {
	l.admitAt(n, time.Now())
}

func (l *Limiter) admitAt(n int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.ratePerSec
		if l.tokens > l.ratePerSec {
			l.tokens = l.ratePerSec
		}
	}
	l.lastRefill = now

	l.tokens -= float64(n)
	if l.tokens < 0 {
		l.tokens = 0
	}
}

// Available returns the current token balance after a refill.
// Used by introspection only; the hot path is Admit.
func (l *Limiter) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.ratePerSec
		if l.tokens > l.ratePerSec {
			l.tokens = l.ratePerSec
		}
		l.lastRefill = now
	}
	return int64(l.tokens)
}
