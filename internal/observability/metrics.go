// Package observability provides Prometheus metrics, health checks and
// request logging for the retry service.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/resilience"
	"github.com/menu-planning/retryd/internal/retry"
)

// Metrics holds the service's Prometheus metrics.
//
// Key metrics for monitoring:
//   - retry_events_total: every engine lifecycle event by name
//   - retry_attempts_total: delivery attempts by result
//   - retry_disabled_total: targets that left the retry loop for good, by reason
//   - retry_attempt_duration_seconds: latency of retry deliveries
//   - circuit_breaker_state: destination health (0=closed, 1=half-open, 2=open)
type Metrics struct {
	Events          *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	Disabled        *prometheus.CounterVec
	AttemptDuration prometheus.Histogram

	QueuePasses        prometheus.Counter
	QueuePassDuration  prometheus.Histogram
	QueuePassProcessed prometheus.Gauge
	CollectorErrors    prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	DeliveryRejections  *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. The namespace
// prefixes all metric names (e.g. "retryd_retry_events_total").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_events_total",
			Help:      "Retry engine lifecycle events by name",
		}, []string{"event"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry delivery attempts by result",
		}, []string{"result"}),
		Disabled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_disabled_total",
			Help:      "Webhooks permanently removed from retrying, by reason",
		}, []string{"reason"}),
		AttemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_attempt_duration_seconds",
			Help:      "Duration of retry delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		QueuePasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_passes_total",
			Help:      "Queue processing passes that touched at least one target",
		}),
		QueuePassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_queue_pass_duration_seconds",
			Help:      "Duration of queue processing passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		QueuePassProcessed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_last_pass_processed",
			Help:      "Targets processed by the most recent queue pass",
		}),
		CollectorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_collector_errors_total",
			Help:      "Engine events the metrics collector could not interpret",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"host"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"host"}),
		DeliveryRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_rejections_total",
			Help:      "Deliveries rejected before reaching the destination, by reason",
		}, []string{"host", "reason"}),
	}
}

// Collect implements retry.MetricsCollector.
func (m *Metrics) Collect(_ context.Context, event retry.EventName, payload any) error {
	m.Events.WithLabelValues(string(event)).Inc()

	if event == retry.EventQueueProcessed {
		summary, ok := payload.(retry.ProcessingSummary)
		if !ok {
			m.CollectorErrors.Inc()
			return fmt.Errorf("%s: unexpected payload %T", event, payload)
		}
		m.QueuePasses.Inc()
		m.QueuePassDuration.Observe(summary.Duration.Seconds())
		m.QueuePassProcessed.Set(float64(summary.Processed))
		return nil
	}

	rec, ok := payload.(*domain.RetryRecord)
	if !ok {
		m.CollectorErrors.Inc()
		return fmt.Errorf("%s: unexpected payload %T", event, payload)
	}

	switch event {
	case retry.EventRetrySuccess:
		m.Attempts.WithLabelValues("success").Inc()
		m.observeAttempt(rec)
	case retry.EventRetryFailed:
		m.Attempts.WithLabelValues("failed").Inc()
		m.observeAttempt(rec)
	case retry.EventPermanentlyDisabled,
		retry.EventMaxRetriesExceeded,
		retry.EventRetryDurationExceeded,
		retry.EventFailureRateDisabled:
		m.Disabled.WithLabelValues(rec.PermanentFailureReason.String()).Inc()
	}
	return nil
}

func (m *Metrics) observeAttempt(rec *domain.RetryRecord) {
	a := rec.CurrentAttempt()
	if a == nil || a.DurationMs == nil {
		return
	}
	m.AttemptDuration.Observe((time.Duration(*a.DurationMs) * time.Millisecond).Seconds())
}

// BreakerStateChanged is a resilience.CircuitBreakerManager state hook.
func (m *Metrics) BreakerStateChanged(host string, _, to resilience.BreakerState) {
	m.CircuitBreakerState.WithLabelValues(host).Set(to.Float())
	if to == resilience.BreakerOpen {
		m.CircuitBreakerTrips.WithLabelValues(host).Inc()
	}
}

// DeliveryRejected is a resilience.Guard reject hook.
func (m *Metrics) DeliveryRejected(host string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, resilience.ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = "circuit_open"
	}
	m.DeliveryRejections.WithLabelValues(host, reason).Inc()
}
