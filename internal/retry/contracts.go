package retry

import (
	"context"
	"errors"
	"fmt"
)

// Target identifies the endpoint a WebhookExecutor delivers to.
type Target struct {
	URL       string
	WebhookID string
	FormID    string
}

// DeliveryResult is what the executor observed. StatusCode is 0 when no HTTP
// response was received.
type DeliveryResult struct {
	Success      bool
	StatusCode   int
	ErrorMessage string
}

// ErrNotAttempted marks an executor error for a delivery that never left the
// process, such as local throttling or an open breaker. The manager
// reschedules the target without recording an attempt.
var ErrNotAttempted = errors.New("delivery not attempted")

// WebhookExecutor performs one delivery. A returned error is treated as a
// transient failure without a status code, unless it wraps ErrNotAttempted.
// Per-attempt timeouts are the executor's responsibility.
type WebhookExecutor interface {
	Execute(ctx context.Context, target Target) (DeliveryResult, error)
}

// ExecutorFunc adapts a function to WebhookExecutor.
type ExecutorFunc func(ctx context.Context, target Target) (DeliveryResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, target Target) (DeliveryResult, error) {
	return f(ctx, target)
}

// EventName identifies a lifecycle transition reported to a MetricsCollector.
type EventName string

const (
	EventRetryScheduled        EventName = "webhook_retry_scheduled"
	EventRetrySuccess          EventName = "webhook_retry_success"
	EventRetryFailed           EventName = "webhook_retry_failed"
	EventPermanentlyDisabled   EventName = "webhook_permanently_disabled"
	EventMaxRetriesExceeded    EventName = "webhook_max_retries_exceeded"
	EventRetryDurationExceeded EventName = "webhook_retry_duration_exceeded"
	EventFailureRateDisabled   EventName = "webhook_failure_rate_disabled"
	EventRetryException        EventName = "webhook_retry_exception"
	EventRetryDeferred         EventName = "webhook_retry_deferred"
	EventQueueProcessed        EventName = "webhook_retry_queue_processed"
)

// MetricsCollector receives lifecycle events. payload is a *domain.RetryRecord
// snapshot for per-target events and a ProcessingSummary for
// EventQueueProcessed. Collection is best-effort: errors are logged by the
// manager and never affect retry state.
type MetricsCollector interface {
	Collect(ctx context.Context, event EventName, payload any) error
}

// MetricsCollectorFunc adapts a function to MetricsCollector.
type MetricsCollectorFunc func(ctx context.Context, event EventName, payload any) error

func (f MetricsCollectorFunc) Collect(ctx context.Context, event EventName, payload any) error {
	return f(ctx, event, payload)
}

// MultiCollector fans an event out to every collector, joining their errors.
// A panicking collector is reported as an error and does not stop the rest.
type MultiCollector []MetricsCollector

func (mc MultiCollector) Collect(ctx context.Context, event EventName, payload any) error {
	var errs []error
	for _, c := range mc {
		if c == nil {
			continue
		}
		if err := collectOne(ctx, c, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func collectOne(ctx context.Context, c MetricsCollector, event EventName, payload any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("collector %T panicked on %s: %v", c, event, p)
		}
	}()
	return c.Collect(ctx, event, payload)
}
