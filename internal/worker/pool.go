package worker

import (
	"context"
	"log/slog"
)

// startPool launches the processing goroutines. Each drains jobsChan until it
// is closed; in-flight jobs run to completion even after the context is
// cancelled, bounded by the per-job timeout.
func (w *Worker) startPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.poolLoop(ctx, slot)
		}(i)
	}
}

func (w *Worker) poolLoop(ctx context.Context, slot int) {
	log := w.logger.With(
		slog.String("worker_id", w.workerID),
		slog.Int("slot", slot),
	)
	log.Debug("Pool slot started")

	for msg := range w.jobsChan {
		outcome := w.process(ctx, msg.jobID)

		switch outcome {
		case outcomeAck:
			w.ack(msg.delivery)
		case outcomeRequeue:
			w.nack(msg.delivery, true)
		case outcomeDrop:
			w.nack(msg.delivery, false)
		}
	}

	log.Debug("Pool slot stopped")
}
