// Package resilience protects delivery destinations from overload and keeps a
// failing host from soaking up attempts across many webhooks.
//
// This package uses:
//   - golang.org/x/time/rate: token bucket limiter for the in-process case.
//   - github.com/sony/gobreaker: per-host circuit breaker.
//   - github.com/redis/go-redis/v9: sliding window limiter shared by replicas.
package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a delivery to host may start now.
// limit is the allowed requests per second for that host.
type RateLimiter interface {
	Allow(ctx context.Context, host string, limit int) (bool, error)
}

// RateLimiterConfig defines the default bucket for hosts without an explicit
// limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
}

// RateLimiterManager keeps one token bucket per destination host, created
// lazily with double-checked locking.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the host's limiter, creating it from rps and burst when
// missing. rps <= 0 uses the configured default.
func (m *RateLimiterManager) GetLimiter(host string, rps float64, burst int) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[host]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[host]; exists {
		return limiter
	}

	if rps <= 0 {
		rps, burst = m.config.RequestsPerSecond, m.config.BurstSize
	}
	limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	m.limiters[host] = limiter
	return limiter
}

// Allow implements RateLimiter. The first call for a host fixes its limit.
func (m *RateLimiterManager) Allow(_ context.Context, host string, limit int) (bool, error) {
	return m.GetLimiter(host, float64(limit), limit/10+1).Allow(), nil
}

// Delay reports how long the next delivery to host would have to wait.
func (m *RateLimiterManager) Delay(host string) time.Duration {
	reservation := m.GetLimiter(host, 0, 0).Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}

// Remove forgets the host's limiter.
func (m *RateLimiterManager) Remove(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, host)
}
