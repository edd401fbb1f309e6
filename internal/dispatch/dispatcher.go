// Package dispatch turns processing requests into deduplicated job rows and
// broker messages. The job row is created first; the broker message carries
// only the job id.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdhai/meeting-notes-be/internal/fingerprint"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
)

// JobStore is the slice of the job store the dispatcher needs.
type JobStore interface {
	CreateOrGet(ctx context.Context, jobType, fingerprint, payload string) (*jobstore.Job, bool, error)
	SetBrokerRef(ctx context.Context, id, ref string) error
	Requeue(ctx context.Context, id string) (*jobstore.Job, error)
	ListOrphanedQueued(ctx context.Context, olderThan time.Duration, limit int) ([]jobstore.Job, error)
}

// Queue is the transport used to hand jobs to workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

// Dispatcher creates-or-finds jobs and enqueues the new ones.
type Dispatcher struct {
	store           JobStore
	queue           Queue
	pipelineVersion string
	logger          *slog.Logger
}

// New builds a Dispatcher for the given pipeline version. The version is part
// of the fingerprint, so bumping it re-opens dedup for already-processed
// inputs.
func New(store JobStore, queue Queue, pipelineVersion string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:           store,
		queue:           queue,
		pipelineVersion: pipelineVersion,
		logger:          logger,
	}
}

// Dispatch deduplicates and enqueues one job. The same (jobType, payload)
// always resolves to the same job row; created reports whether this call
// produced it. Duplicate calls return the existing row without touching the
// broker.
//
// If the row is created but the broker publish fails, the row stays queued and
// the error is returned; the reconciliation sweep re-enqueues it later.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType string, payload map[string]any) (*jobstore.Job, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}

	fp := fingerprint.Compute(jobType, payload, d.pipelineVersion)

	job, created, err := d.createOrGet(ctx, jobType, fp, string(raw))
	if err != nil {
		return nil, false, err
	}

	if !created {
		d.logger.Info("Duplicate dispatch resolved to existing job",
			slog.String("job_id", job.ID),
			slog.String("job_type", jobType),
			slog.String("status", job.Status),
		)
		return job, false, nil
	}

	if err := d.enqueue(ctx, job.ID); err != nil {
		// The row exists and stays queued; the sweep will pick it up.
		return job, true, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	return job, true, nil
}

// createOrGet retries once when a concurrent duplicate insert loses the race
// in a way the upsert cannot absorb.
func (d *Dispatcher) createOrGet(ctx context.Context, jobType, fp, payload string) (*jobstore.Job, bool, error) {
	job, created, err := d.store.CreateOrGet(ctx, jobType, fp, payload)
	if errors.Is(err, jobstore.ErrDuplicateFingerprintRace) {
		d.logger.Warn("Fingerprint insert race, retrying",
			slog.String("job_type", jobType),
			slog.String("fingerprint", fp),
		)
		job, created, err = d.store.CreateOrGet(ctx, jobType, fp, payload)
	}
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return job, created, nil
}

// Retry re-queues a failed job and hands it back to the broker. It refuses
// when the retry budget is spent.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*jobstore.Job, error) {
	job, err := d.store.Requeue(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := d.enqueue(ctx, job.ID); err != nil {
		return job, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	d.logger.Info("Job requeued",
		slog.String("job_id", job.ID),
		slog.Int("retries", job.Retries),
	)

	return job, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, jobID string) error {
	ref, err := d.queue.Enqueue(ctx, jobID)
	if err != nil {
		return err
	}

	// The broker ref is diagnostic only; losing it is not a dispatch failure.
	if err := d.store.SetBrokerRef(ctx, jobID, ref); err != nil {
		d.logger.Warn("Failed to record broker ref",
			slog.String("job_id", jobID),
			slog.String("broker_ref", ref),
			slog.Any("error", err),
		)
	}

	return nil
}
