package gateway

import (
	"sync"
	"time"
)

// RateLimiter implements sliding window rate limiting per caller
type RateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
}

// NewRateLimiter creates a rate limiter with default limits
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithLimits(60, 10)
}

// NewRateLimiterWithLimits creates a rate limiter with custom limits
func NewRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		requests:          make([]time.Time, 0),
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *RateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}

	// Drop requests outside the window
	cutoff := now.Add(-time.Minute)
	validRequests := make([]time.Time, 0, len(r.requests))
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			validRequests = append(validRequests, reqTime)
		}
	}
	r.requests = validRequests

	if len(r.requests) >= r.requestsPerMinute {
		return false, "rate limit exceeded"
	}

	return true, ""
}

// RecordRequestStart records the start of a request
func (r *RateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, time.Now())
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *RateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// limiterPool hands out one RateLimiter per caller address
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*RateLimiter),
	}
}

func (p *limiterPool) get(addr string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[addr]; ok {
		return l
	}
	l := NewRateLimiter()
	p.limiters[addr] = l
	return l
}
