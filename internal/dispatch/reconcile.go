package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler re-enqueues queued jobs whose broker message was lost, typically
// because the publish failed after the row was created. It runs on a timer in
// the worker service.
type Reconciler struct {
	dispatcher *Dispatcher
	olderThan  time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewReconciler builds a sweep over jobs queued for longer than olderThan.
func NewReconciler(dispatcher *Dispatcher, olderThan time.Duration, batchSize int, logger *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		dispatcher: dispatcher,
		olderThan:  olderThan,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Sweep finds stale queued jobs and re-publishes them. Re-publishing a job
// whose original message still exists is safe: workers skip rows they cannot
// claim. Returns the number of jobs re-enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.dispatcher.store.ListOrphanedQueued(ctx, r.olderThan, r.batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if err := r.dispatcher.enqueue(ctx, job.ID); err != nil {
			r.logger.Warn("Sweep failed to re-enqueue job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		r.logger.Info("Reconciliation sweep re-enqueued stale jobs",
			slog.Int("count", requeued),
			slog.Duration("older_than", r.olderThan),
		)
	}

	return requeued, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconciliation sweep failed",
					slog.Any("error", err),
				)
			}
		}
	}
}
