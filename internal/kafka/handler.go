package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/retry"
)

// FailureNotification is the message an upstream delivery pipeline emits when
// a webhook delivery fails.
type FailureNotification struct {
	WebhookID     string     `json:"webhook_id"`
	FormID        string     `json:"form_id"`
	WebhookURL    string     `json:"webhook_url"`
	FailureReason string     `json:"failure_reason"`
	StatusCode    int        `json:"status_code,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
}

func (n FailureNotification) ScheduleRequest() retry.ScheduleRequest {
	return retry.ScheduleRequest{
		WebhookID:     n.WebhookID,
		FormID:        n.FormID,
		WebhookURL:    n.WebhookURL,
		FailureReason: n.FailureReason,
		StatusCode:    n.StatusCode,
	}
}

// Scheduler is implemented by *retry.Manager.
type Scheduler interface {
	Schedule(ctx context.Context, req retry.ScheduleRequest) (*domain.RetryRecord, error)
}

// FailureHandler turns failure notifications into Schedule calls.
type FailureHandler struct {
	scheduler Scheduler
	logger    *slog.Logger
}

func NewFailureHandler(scheduler Scheduler, logger *slog.Logger) *FailureHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FailureHandler{scheduler: scheduler, logger: logger}
}

// Handle schedules the failure carried by msg. Undecodable messages and
// requests the engine rejects as invalid are logged and dropped, since
// redelivering them can never succeed. Any other error is returned so the
// message stays uncommitted.
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var n FailureNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		h.logger.Error("dropping malformed failure notification",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil
	}

	rec, err := h.scheduler.Schedule(ctx, n.ScheduleRequest())
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		h.logger.Error("dropping invalid failure notification",
			"error", err,
			"webhook_id", n.WebhookID,
			"offset", msg.Offset,
		)
		return nil
	case err != nil:
		return fmt.Errorf("schedule %s: %w", n.WebhookID, err)
	}

	h.logger.Debug("failure notification handled",
		"webhook_id", rec.WebhookID,
		"status", rec.Status,
		"offset", msg.Offset,
	)
	return nil
}
