package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/menu-planning/retryd/internal/retry"
)

// QueueStatusSource is implemented by *retry.Manager.
type QueueStatusSource interface {
	GetQueueStatus(ctx context.Context) (retry.QueueStatus, error)
}

// QueueCollector reports queue depth and record counts per status at scrape
// time.
type QueueCollector struct {
	source  QueueStatusSource
	timeout time.Duration
	logger  *slog.Logger

	queueSize  *prometheus.Desc
	records    *prometheus.Desc
	processing *prometheus.Desc
}

func NewQueueCollector(namespace string, source QueueStatusSource, logger *slog.Logger) *QueueCollector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &QueueCollector{
		source:  source,
		timeout: 5 * time.Second,
		logger:  logger,
		queueSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "retry", "queue_size"),
			"Webhook ids waiting in the retry queue", nil, nil),
		records: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "retry", "records"),
			"Retry records by status", []string{"status"}, nil),
		processing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "retry", "processing"),
			"1 while a queue pass is running", nil, nil),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
	ch <- c.records
	ch <- c.processing
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	status, err := c.source.GetQueueStatus(ctx)
	if err != nil {
		c.logger.Error("failed to read queue status for metrics", "error", err)
		ch <- prometheus.NewInvalidMetric(c.queueSize, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(status.QueueSize))
	for s, n := range status.StatusDistribution {
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(n), s.String())
	}
	processing := 0.0
	if status.Processing {
		processing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.processing, prometheus.GaugeValue, processing)
}
