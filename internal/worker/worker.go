// Package worker consumes job references from the broker and drives them
// through the processing pipeline. The broker only triggers work; every
// lifecycle decision is made against the job store, so redeliveries and
// duplicate messages are harmless.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pdhai/meeting-notes-be/internal/events"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
	"github.com/pdhai/meeting-notes-be/internal/pipeline"
)

// JobStore is the slice of the job store the worker needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	MarkRunning(ctx context.Context, id string) (*jobstore.Job, error)
	MarkSucceeded(ctx context.Context, id, artifactKey string) (*jobstore.Job, error)
	MarkFailed(ctx context.Context, id, errMsg, traceID string, countRetry bool) (*jobstore.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// Pipeline runs the processing stages for one claimed job.
type Pipeline interface {
	Run(ctx context.Context, jobID string, meetingID int64) (*pipeline.Result, error)
}

// Consumer yields broker deliveries.
type Consumer interface {
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
}

// Config wires the worker's collaborators and tuning knobs.
type Config struct {
	Logger      *slog.Logger
	Store       JobStore
	Consumer    Consumer
	Pipeline    Pipeline
	Events      events.Bus
	Concurrency int
	JobTimeout  time.Duration
}

// Worker owns the consume loop and the processing pool.
type Worker struct {
	logger      *slog.Logger
	store       JobStore
	consumer    Consumer
	pipeline    Pipeline
	events      events.Bus
	concurrency int
	jobTimeout  time.Duration
	workerID    string

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type jobMessage struct {
	jobID    string
	delivery amqp.Delivery
}

// NewWorker creates a worker with a unique consumer identity.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}

	return &Worker{
		logger:      cfg.Logger,
		store:       cfg.Store,
		consumer:    cfg.Consumer,
		pipeline:    cfg.Pipeline,
		events:      cfg.Events,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		workerID:    "worker-" + uuid.New().String()[:8],
		jobsChan:    make(chan *jobMessage),
	}
}

// Start begins consuming and processing. It blocks until the consumer setup
// fails or the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	deliveries, err := w.consumer.Consume(w.workerID, w.concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	w.logger.Info("Worker started",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.startPool(ctx)
	w.dispatchDeliveries(ctx, deliveries)
	w.Stop()

	return nil
}

// Stop drains the pool and waits for in-flight jobs to finish. Safe to call
// more than once; the dispatcher must have returned first, which cancelling
// the Start context guarantees.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.jobsChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped",
			slog.String("worker_id", w.workerID),
		)
	})
}
