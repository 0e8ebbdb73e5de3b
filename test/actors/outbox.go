package actors

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/outbox"
	"signflow/signing"
)

// flakyHandler fails a tenth of deliveries with a transient error.
type flakyHandler struct {
	delivered *atomic.Int64
}

func (h flakyHandler) Dispatch(_ context.Context, _ signing.OutboxMessage) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated sink outage")
	}
	h.delivered.Add(1)
	return nil
}

// OutboxWorker runs the real outbox worker over the shared table with a
// handler that fails at random, until stop closes.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, delivered *atomic.Int64, stop <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	w := outbox.NewWorker(outbox.NewPGQueue(pool), flakyHandler{delivered: delivered}, outbox.WorkerConfig{
		PollInterval:  100 * time.Millisecond,
		BatchSize:     8,
		Concurrency:   2,
		Lease:         10 * time.Second,
		MaxDeliveries: 5,
		RetryDelay:    200 * time.Millisecond,
	}, logger, nil)
	return w.Run(runCtx)
}
