package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/sony/gobreaker"

	"github.com/menu-planning/retryd/internal/retry"
)

var (
	// ErrRateLimited indicates the destination host is over its delivery rate.
	ErrRateLimited = errors.New("destination rate limited")
	// ErrCircuitOpen indicates the destination host's breaker is rejecting deliveries.
	ErrCircuitOpen = errors.New("destination circuit open")

	errServerFailure = errors.New("server failure")
)

// Guard wraps a retry.WebhookExecutor with a per-host rate limiter and circuit
// breaker. Rejections surface as errors wrapping retry.ErrNotAttempted, so the
// engine reschedules the target without spending an attempt on it.
type Guard struct {
	next      retry.WebhookExecutor
	limiter   RateLimiter
	breakers  *CircuitBreakerManager
	rateLimit int
	onReject  func(host string, err error)
	logger    *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRateLimit enables limiting at limit deliveries per second per host.
func WithRateLimit(limiter RateLimiter, limit int) GuardOption {
	return func(g *Guard) {
		g.limiter = limiter
		g.rateLimit = limit
	}
}

func WithCircuitBreaker(m *CircuitBreakerManager) GuardOption {
	return func(g *Guard) { g.breakers = m }
}

// WithRejectHook is called whenever a delivery is rejected before reaching
// the network.
func WithRejectHook(fn func(host string, err error)) GuardOption {
	return func(g *Guard) { g.onReject = fn }
}

func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(next retry.WebhookExecutor, opts ...GuardOption) *Guard {
	g := &Guard{next: next}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g
}

func (g *Guard) Execute(ctx context.Context, target retry.Target) (retry.DeliveryResult, error) {
	host := HostOf(target.URL)

	if g.limiter != nil && g.rateLimit > 0 {
		allowed, err := g.limiter.Allow(ctx, host, g.rateLimit)
		if err != nil {
			g.logger.Warn("rate limiter error", "error", err, "host", host)
		}
		if !allowed {
			return retry.DeliveryResult{}, g.reject(host, ErrRateLimited)
		}
	}

	if g.breakers == nil {
		return g.next.Execute(ctx, target)
	}

	var result retry.DeliveryResult
	_, err := g.breakers.Execute(host, func() (any, error) {
		r, err := g.next.Execute(ctx, target)
		result = r
		if err != nil {
			return nil, err
		}
		if !r.Success && r.StatusCode >= 500 {
			return nil, errServerFailure
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return retry.DeliveryResult{}, g.reject(host, ErrCircuitOpen)
	case errors.Is(err, errServerFailure):
		return result, nil
	case err != nil:
		return result, err
	}
	return result, nil
}

func (g *Guard) reject(host string, reason error) error {
	g.logger.Debug("delivery rejected", "host", host, "reason", reason)
	if g.onReject != nil {
		g.onReject(host, reason)
	}
	return fmt.Errorf("%w: %w: %s", retry.ErrNotAttempted, reason, host)
}

// HostOf returns the host[:port] of a webhook URL, or the raw string when it
// does not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
