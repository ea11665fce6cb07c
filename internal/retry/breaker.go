package retry

import (
	"time"

	"github.com/menu-planning/retryd/internal/domain"
)

const (
	// breakerMinAttempts is the record history needed before the breaker is consulted.
	breakerMinAttempts = 5
	// breakerMinWindowAttempts is the sample size needed inside the window.
	breakerMinWindowAttempts = 3
)

// ShouldTripFailureRate reports whether the record's recent attempts fail often
// enough to stop delivering to the endpoint altogether.
func (p Policy) ShouldTripFailureRate(r *domain.RetryRecord, now time.Time) bool {
	if r.TotalAttempts < breakerMinAttempts {
		return false
	}

	cutoff := now.Add(-p.FailureRateWindow)
	var inWindow, failed int
	for _, a := range r.Attempts {
		if a.ExecutedAt == nil || a.ExecutedAt.Before(cutoff) {
			continue
		}
		inWindow++
		if a.Status == domain.AttemptStatusFailed {
			failed++
		}
	}

	if inWindow < breakerMinWindowAttempts {
		return false
	}
	rate := float64(failed) / float64(inWindow) * 100
	return rate >= p.FailureRateThresholdPercent
}
