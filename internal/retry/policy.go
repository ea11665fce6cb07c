package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/menu-planning/retryd/internal/domain"
)

// MinInterval is the floor applied to every jittered backoff interval.
const MinInterval = time.Minute

// Policy is the retry contract applied to every target. Treat it as immutable
// once handed to a Manager.
//
// InitialInterval and MaxInterval bound the exponential backoff, Multiplier is
// the growth factor and JitterPercent randomizes each interval by ±that share.
// MaxDuration caps the campaign measured from the first failure, and
// MaxTotalAttempts caps the number of executed attempts. The defaults leave
// room for every attempt even at maximum positive jitter, so a campaign that
// keeps failing ends on the attempt cap.
// FailureRateThresholdPercent and FailureRateWindow drive the failure-rate
// breaker.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterPercent   float64

	MaxDuration      time.Duration
	MaxTotalAttempts int

	FailureRateThresholdPercent float64
	FailureRateWindow           time.Duration

	ImmediateDisableStatusCodes []int
	RetryableStatusCodes        []int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:             1 * time.Minute,
		MaxInterval:                 60 * time.Minute,
		Multiplier:                  2.0,
		JitterPercent:               20,
		MaxDuration:                 24 * time.Hour,
		MaxTotalAttempts:            20,
		FailureRateThresholdPercent: 100,
		FailureRateWindow:           24 * time.Hour,
		ImmediateDisableStatusCodes: []int{410, 404},
		RetryableStatusCodes:        []int{500, 502, 503, 504, 408, 429},
	}
}

// Validate reports configuration that cannot be enforced.
func (p Policy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return fmt.Errorf("%w: initial interval must be positive", domain.ErrInvalidPolicy)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("%w: max interval %v is below initial interval %v", domain.ErrInvalidPolicy, p.MaxInterval, p.InitialInterval)
	case p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0):
		return fmt.Errorf("%w: multiplier must be >= 1, got %v", domain.ErrInvalidPolicy, p.Multiplier)
	case p.JitterPercent < 0 || p.JitterPercent > 100:
		return fmt.Errorf("%w: jitter percent must be within 0-100, got %v", domain.ErrInvalidPolicy, p.JitterPercent)
	case p.MaxDuration <= 0:
		return fmt.Errorf("%w: max duration must be positive", domain.ErrInvalidPolicy)
	case p.MaxTotalAttempts < 1:
		return fmt.Errorf("%w: max total attempts must be >= 1, got %d", domain.ErrInvalidPolicy, p.MaxTotalAttempts)
	case p.FailureRateThresholdPercent < 0 || p.FailureRateThresholdPercent > 100:
		return fmt.Errorf("%w: failure rate threshold must be within 0-100, got %v", domain.ErrInvalidPolicy, p.FailureRateThresholdPercent)
	case p.FailureRateWindow <= 0:
		return fmt.Errorf("%w: failure rate window must be positive", domain.ErrInvalidPolicy)
	}
	for _, code := range p.ImmediateDisableStatusCodes {
		if slices.Contains(p.RetryableStatusCodes, code) {
			return fmt.Errorf("%w: status %d is both retryable and immediate-disable", domain.ErrInvalidPolicy, code)
		}
	}
	return nil
}

func (p Policy) IsImmediateDisable(statusCode int) bool {
	return statusCode != 0 && slices.Contains(p.ImmediateDisableStatusCodes, statusCode)
}

func (p Policy) IsRetryable(statusCode int) bool {
	return slices.Contains(p.RetryableStatusCodes, statusCode)
}

// BaseInterval returns the pre-jitter interval for a 0-based attempt index,
// capped at MaxInterval.
func (p Policy) BaseInterval(attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	interval := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attemptIndex))
	if interval > float64(p.MaxInterval) || math.IsInf(interval, 0) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval)
}

// CalculateDelay returns the jittered interval and the jitter applied. rnd must
// yield values in [0, 1); nil uses math/rand/v2.
func (p Policy) CalculateDelay(attemptIndex int, rnd func() float64) (delay, jitter time.Duration) {
	if rnd == nil {
		rnd = rand.Float64
	}
	base := float64(p.BaseInterval(attemptIndex))

	var offset float64
	if p.JitterPercent > 0 {
		jitterRange := base * p.JitterPercent / 100
		offset = (rnd()*2 - 1) * jitterRange
	}

	delay = time.Duration(base + offset)
	if delay < MinInterval {
		delay = MinInterval
	}
	return delay, time.Duration(offset)
}

// NextRetryTime returns when the attempt with the given 0-based index is due.
func (p Policy) NextRetryTime(now time.Time, attemptIndex int, rnd func() float64) (time.Time, time.Duration) {
	delay, jitter := p.CalculateDelay(attemptIndex, rnd)
	return now.Add(delay), jitter
}

// Schedule previews the pre-jitter intervals for the first n attempts.
func (p Policy) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range n {
		out[i] = max(p.BaseInterval(i), MinInterval)
	}
	return out
}
