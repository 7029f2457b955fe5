package osm

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"osmcache/internal/metrics"
)

// RateLimiter tracks the OSM API rate limit reported on responses
type RateLimiter struct {
	mu          sync.RWMutex
	limit       int
	remaining   int
	resetAt     time.Time
	lastUpdated time.Time
}

// RateLimitStatus represents the current rate limit status
type RateLimitStatus struct {
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	UsagePct    float64   `json:"usagePct"`
	ResetAt     time.Time `json:"resetAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		// OSM's documented hourly allowance per application
		limit:     1000,
		remaining: 1000,
	}
}

// Update records the headers of one response. Responses without rate limit
// headers leave the status unchanged.
func (rl *RateLimiter) Update(headers http.Header, now time.Time) {
	limitHeader := strings.TrimSpace(headers.Get("X-RateLimit-Limit"))
	remainingHeader := strings.TrimSpace(headers.Get("X-RateLimit-Remaining"))
	if limitHeader == "" || remainingHeader == "" {
		return
	}
	limit, err := strconv.Atoi(limitHeader)
	if err != nil {
		return
	}
	remaining, err := strconv.Atoi(remainingHeader)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = limit
	rl.remaining = remaining
	rl.lastUpdated = now
	if reset, err := strconv.Atoi(strings.TrimSpace(headers.Get("X-RateLimit-Reset"))); err == nil && reset >= 0 {
		rl.resetAt = now.Add(time.Duration(reset) * time.Second)
	}

	metrics.OSMRateLimit.WithLabelValues(metrics.BucketLimit).Set(float64(limit))
	metrics.OSMRateLimit.WithLabelValues(metrics.BucketRemaining).Set(float64(remaining))
}

// Status returns the current rate limit status
func (rl *RateLimiter) Status() RateLimitStatus {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	usagePct := 0.0
	if rl.limit > 0 {
		usagePct = float64(rl.limit-rl.remaining) / float64(rl.limit) * 100
	}

	return RateLimitStatus{
		Limit:       rl.limit,
		Remaining:   rl.remaining,
		UsagePct:    usagePct,
		ResetAt:     rl.resetAt,
		LastUpdated: rl.lastUpdated,
	}
}

// IsNearLimit returns true if we're approaching the rate limit
func (rl *RateLimiter) IsNearLimit(threshold float64) bool {
	return rl.Status().UsagePct >= threshold
}
