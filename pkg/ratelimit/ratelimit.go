// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast a single remote host may open relay
// sessions, using a token bucket per host.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills
// at refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.lastRefill = now
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// full reports whether the bucket has refilled completely, meaning its
// host has been idle long enough to forget.
func (tb *TokenBucket) full(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens >= tb.capacity
}

// Limiter tracks one bucket per remote host.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxHosts   int

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a per-host limiter. Each host may open capacity
// sessions in a burst and refillRate sessions per second after that.
// At most maxHosts distinct hosts are tracked; new hosts beyond that are
// rejected until idle ones are evicted.
func NewLimiter(capacity, refillRate int64, maxHosts int) *Limiter {
	if maxHosts <= 0 {
		maxHosts = 10000
	}

	l := &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxHosts:   maxHosts,
		stop:       make(chan struct{}),
	}
	go l.evictLoop(time.Minute)

	return l
}

// Allow reports whether remote may open another session. remote is either
// a bare host or a host:port pair; the port is ignored.
func (l *Limiter) Allow(remote string) bool {
	host := hostOf(remote)

	l.mu.Lock()
	tb, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.maxHosts {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[host] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops background eviction.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// evict drops buckets that have refilled completely.
func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, tb := range l.buckets {
		if tb.full(now) {
			delete(l.buckets, host)
		}
	}
}

func hostOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
