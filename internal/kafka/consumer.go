// Package kafka connects the retry engine to Kafka: failure notifications
// are consumed and scheduled, lifecycle events are published back.
//
// Intake is at-least-once. Offsets are committed only after the handler has
// either scheduled the failure or rejected it as malformed; Schedule being
// idempotent makes redelivery harmless.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	MaxWait       time.Duration // longest a fetch waits for new data
	CommitTimeout time.Duration
	RetryBackoff  time.Duration // first wait after a transient handler error
	MaxBackoff    time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "webhook.failures",
		GroupID:       "retryd",
		MaxWait:       500 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
		RetryBackoff:  200 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
	}
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler processes one message. A non-nil error means the message
// could not be handled yet and must not be committed.
type MessageHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

type MessageHandlerFunc func(ctx context.Context, msg kafka.Message) error

func (f MessageHandlerFunc) Handle(ctx context.Context, msg kafka.Message) error {
	return f(ctx, msg)
}

// Consumer feeds failure notifications from a topic into a MessageHandler.
type Consumer struct {
	config  ConsumerConfig
	reader  messageReader
	handler MessageHandler
	logger  *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewConsumer(config ConsumerConfig, handler MessageHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.MaxWait,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return newConsumer(config, reader, handler, logger)
}

func newConsumer(config ConsumerConfig, reader messageReader, handler MessageHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}
	if config.MaxBackoff < config.RetryBackoff {
		config.MaxBackoff = config.RetryBackoff
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = DefaultConsumerConfig().CommitTimeout
	}
	return &Consumer{
		config:  config,
		reader:  reader,
		handler: handler,
		logger:  logger,
	}
}

// Start begins consuming in a background goroutine until Stop is called or
// ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
	)
}

// Stop cancels the loop, waits for the in-flight message and closes the
// reader. A message interrupted by Stop stays uncommitted.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
		c.logger.Info("kafka consumer stopped")
	})
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.config.RetryBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}
		backoff = c.config.RetryBackoff

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.commit(ctx, msg); err != nil {
			// redelivered after the next rebalance or restart
			c.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
	}
}

// handle retries transient handler errors with backoff. It returns false
// only when ctx ends before the message was handled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	backoff := c.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("failed to handle message, retrying",
			"error", err,
			"attempt", attempt,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"backoff", backoff,
		)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = c.nextBackoff(backoff)
	}
}

func (c *Consumer) nextBackoff(d time.Duration) time.Duration {
	return min(d*2, c.config.MaxBackoff)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()
	return c.reader.CommitMessages(commitCtx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
