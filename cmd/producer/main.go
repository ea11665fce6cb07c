// Producer publishes synthetic webhook failure notifications to Kafka for
// exercising a running retryd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/menu-planning/retryd/internal/kafka"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	count := flag.Int("count", 1000, "Number of failure notifications to produce")
	batch := flag.Int("batch", 500, "Notifications per write")
	targetURL := flag.String("url", "http://localhost:9000/hook", "Webhook URL the notifications point at")
	statusCode := flag.Int("status", 503, "HTTP status carried by each failure (0 for a transport error)")
	flag.Parse()
	if *batch < 1 {
		*batch = 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || brokers[0] == "" {
		brokers = []string{"localhost:9092"}
	}
	topic := os.Getenv("KAFKA_FAILURE_TOPIC")
	if topic == "" {
		topic = "webhook.failures"
	}

	logger.Info("starting failure producer",
		"brokers", brokers,
		"topic", topic,
		"count", *count,
		"status_code", *statusCode,
	)

	config := kafka.DefaultProducerConfig()
	config.Brokers = brokers
	config.Topic = topic
	config.BatchSize = *batch
	producer := kafka.NewProducer(config, logger)
	defer func() { _ = producer.Close() }()

	reason := fmt.Sprintf("HTTP %d", *statusCode)
	if *statusCode == 0 {
		reason = "connection refused"
	}

	start := time.Now()
	run := uuid.NewString()[:8]
	pending := make([]kafka.FailureNotification, 0, *batch)
	for i := 0; i < *count; i++ {
		now := time.Now().UTC()
		pending = append(pending, kafka.FailureNotification{
			WebhookID:     fmt.Sprintf("wh_%s_%d", run, i),
			FormID:        fmt.Sprintf("form_%d", i%50),
			WebhookURL:    *targetURL,
			FailureReason: reason,
			StatusCode:    *statusCode,
			OccurredAt:    &now,
		})
		if len(pending) < *batch && i < *count-1 {
			continue
		}
		if err := producer.Publish(ctx, pending...); err != nil {
			logger.Error("failed to publish notifications", "error", err, "produced", i+1-len(pending))
			os.Exit(1)
		}
		pending = pending[:0]
	}

	duration := time.Since(start)
	logger.Info("finished producing failures",
		"count", *count,
		"duration", duration,
		"rate", float64(*count)/duration.Seconds(),
	)
}
