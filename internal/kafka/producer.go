package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/menu-planning/retryd/internal/clock"
	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/retry"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "webhook.retry.events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// messageWriter is the subset of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(config ProducerConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // same webhook, same partition
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}
}

// LifecycleEvent is published for every engine event. Exactly one of Record
// and Summary is set.
type LifecycleEvent struct {
	ID         string                   `json:"id"`
	Event      retry.EventName          `json:"event"`
	OccurredAt time.Time                `json:"occurred_at"`
	WebhookID  string                   `json:"webhook_id,omitempty"`
	Record     *domain.RetryRecord      `json:"record,omitempty"`
	Summary    *retry.ProcessingSummary `json:"summary,omitempty"`
}

// EventPublisher is a retry.MetricsCollector writing LifecycleEvents to Kafka.
type EventPublisher struct {
	writer messageWriter
	clock  clock.Clock
	logger *slog.Logger
}

func NewEventPublisher(config ProducerConfig, logger *slog.Logger) *EventPublisher {
	return newEventPublisher(newWriter(config), clock.RealClock{}, logger)
}

func newEventPublisher(w messageWriter, clk clock.Clock, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventPublisher{writer: w, clock: clk, logger: logger}
}

func (p *EventPublisher) Collect(ctx context.Context, event retry.EventName, payload any) error {
	ev := LifecycleEvent{
		ID:         uuid.NewString(),
		Event:      event,
		OccurredAt: p.clock.Now(),
	}
	switch v := payload.(type) {
	case *domain.RetryRecord:
		ev.Record = v
		ev.WebhookID = v.WebhookID
	case retry.ProcessingSummary:
		ev.Summary = &v
	case *retry.ProcessingSummary:
		ev.Summary = v
	default:
		return fmt.Errorf("unsupported payload %T for %s", payload, event)
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	key := ev.WebhookID
	if key == "" {
		key = string(event)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("write lifecycle event: %w", err)
	}
	return nil
}

func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

// Producer publishes FailureNotifications. The service itself only consumes
// them; this is used by cmd/producer and tests.
type Producer struct {
	writer messageWriter
	logger *slog.Logger
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Producer{writer: newWriter(config), logger: logger}
}

func (p *Producer) Publish(ctx context.Context, notifications ...FailureNotification) error {
	messages := make([]kafka.Message, len(notifications))
	for i, n := range notifications {
		value, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal notification %d: %w", i, err)
		}
		messages[i] = kafka.Message{Key: []byte(n.WebhookID), Value: value}
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	p.logger.Debug("failure notifications published", "count", len(messages))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
