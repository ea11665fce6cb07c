package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueueProcessor runs one retry pass. *Manager satisfies it.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) (ProcessingSummary, error)
}

// PollerConfig holds configuration for the retry poller.
type PollerConfig struct {
	// PollInterval is how often a processing pass is triggered (default: 5s)
	PollInterval time.Duration
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 5 * time.Second,
	}
}

// Poller drives a QueueProcessor on a fixed interval. Overlapping passes are
// rejected by the processor itself, so a slow pass simply absorbs ticks.
type Poller struct {
	config    PollerConfig
	processor QueueProcessor
	logger    *slog.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a new retry poller.
func NewPoller(processor QueueProcessor, config PollerConfig, logger *slog.Logger) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Poller{
		config:    config,
		processor: processor,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins polling.
// This method blocks until Stop is called or context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	p.logger.Info("retry poller started", "poll_interval", p.config.PollInterval)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start, then on interval
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller to stop and waits for the in-flight pass to complete.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	summary, err := p.processor.ProcessQueue(ctx)
	if err != nil {
		p.logger.Error("retry pass failed", "error", err)
		return
	}
	if summary.AlreadyProcessing {
		p.logger.Debug("retry pass skipped, previous pass still running")
	}
}
