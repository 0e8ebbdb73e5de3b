package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/metrics"
	"signflow/signing"
)

// WorkerConfig tunes polling and redelivery.
type WorkerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	Lease         time.Duration
	MaxDeliveries int
	RetryDelay    time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	return c
}

// Handler processes one message.
type Handler interface {
	Dispatch(ctx context.Context, msg signing.OutboxMessage) error
}

// Worker polls a Queue and hands messages to a Handler.
type Worker struct {
	queue   Queue
	handler Handler
	cfg     WorkerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewWorker(queue Queue, handler Handler, cfg WorkerConfig, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "outbox worker started", "poll_interval", w.cfg.PollInterval, "concurrency", w.cfg.Concurrency)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "outbox worker stopped")
			return nil
		case <-timer.C:
		}

		n, err := w.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "outbox poll failed", "error", err)
		}

		next := w.cfg.PollInterval
		if n >= w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// Drain claims and processes one batch and returns how many messages it saw.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	msgs, err := w.queue.Claim(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, err
	}

	// one failing message must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			if err := w.process(ctx, msg); err != nil {
				w.logger.ErrorContext(ctx, "outbox bookkeeping failed", "message_id", msg.ID, "error", err)
			}
			return nil
		})
	}
	return len(msgs), g.Wait()
}

func (w *Worker) process(ctx context.Context, msg signing.OutboxMessage) error {
	logger := w.logger.With("message_id", msg.ID, "topic", msg.Topic, "request_id", msg.RequestID, "delivery", msg.Attempts)

	err := w.handler.Dispatch(ctx, msg)
	var sinkErr *SinkError
	switch {
	case err == nil:
		w.metrics.Outbox(msg.Topic, metrics.StatusSuccess)
		return w.queue.Complete(ctx, msg.ID)

	case errors.As(err, &sinkErr), msg.Attempts >= w.cfg.MaxDeliveries:
		logger.ErrorContext(ctx, "outbox message dead", "error", err)
		w.metrics.Outbox(msg.Topic, metrics.StatusDead)
		return w.queue.Dead(ctx, msg.ID, err.Error())

	default:
		logger.WarnContext(ctx, "outbox message will be retried", "error", err)
		w.metrics.Outbox(msg.Topic, metrics.StatusRetry)
		return w.queue.Retry(ctx, msg.ID, err.Error(), w.now().Add(w.cfg.RetryDelay))
	}
}
