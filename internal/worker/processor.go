package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pdhai/meeting-notes-be/internal/events"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
	"github.com/pdhai/meeting-notes-be/internal/pipeline"
)

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

type jobPayload struct {
	MeetingID int64 `json:"meeting_id"`
}

func parsePayload(raw string) (*jobPayload, error) {
	var payload jobPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	if payload.MeetingID <= 0 {
		return nil, fmt.Errorf("missing or non-positive meeting_id")
	}
	return &payload, nil
}

// process drives a single delivery through the job state machine. The job
// row, not the message, decides what happens: terminal rows are skipped,
// claims go through the CAS transition, and every terminal outcome is
// recorded before the message is acked.
func (w *Worker) process(ctx context.Context, jobID string) outcome {
	log := w.logger.With(
		slog.String("worker_id", w.workerID),
		slog.String("job_id", jobID),
	)

	job, err := w.store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("Message references unknown job, dropping")
		return outcomeAck
	}
	if err != nil {
		log.Error("Failed to load job", slog.Any("error", err))
		return outcomeRequeue
	}

	// Redelivered message for an already-finished job.
	if job.Terminal() {
		log.Info("Job already terminal, skipping",
			slog.String("status", job.Status),
		)
		return outcomeAck
	}

	job, err = w.store.MarkRunning(ctx, jobID)
	if errors.Is(err, jobstore.ErrInvalidTransition) {
		// Another worker holds the claim, or the job finished meanwhile.
		log.Info("Lost claim race, skipping")
		return outcomeAck
	}
	if err != nil {
		log.Error("Failed to claim job", slog.Any("error", err))
		return outcomeRequeue
	}

	w.publishEvent(ctx, jobID, jobstore.StatusRunning, "")

	traceID := uuid.New().String()
	log = log.With(slog.String("trace_id", traceID))

	payload, payloadErr := parsePayload(job.Payload)
	if payloadErr != nil {
		// A payload that never parses will never succeed; fail without
		// consuming a retry.
		w.failJob(ctx, log, jobID, "invalid payload: "+payloadErr.Error(), traceID, false)
		return outcomeAck
	}

	// A claimed job is not aborted by worker shutdown: the run is detached
	// from the pool context and bounded by the job timeout alone. The pool
	// drains in-flight jobs before exiting.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	res, runErr := w.runPipeline(runCtx, jobID, payload.MeetingID)

	switch {
	case runErr == nil:
		artifactKey := ""
		if res != nil {
			artifactKey = res.ArtifactKey
		}
		markCtx, markCancel := recordCtx(ctx)
		defer markCancel()
		if _, err := w.store.MarkSucceeded(markCtx, jobID, artifactKey); err != nil {
			log.Error("Failed to mark job succeeded", slog.Any("error", err))
			return outcomeAck
		}
		w.publishEvent(markCtx, jobID, jobstore.StatusSucceeded, "")
		log.Info("Job processed",
			slog.Bool("empty", res != nil && res.Empty),
			slog.Bool("degraded", res != nil && res.Degraded),
		)

	case errors.Is(runErr, pipeline.ErrCancelled):
		w.failJob(ctx, log, jobID, "cancelled by request", traceID, false)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		w.failJob(ctx, log, jobID,
			fmt.Sprintf("timed out after %s", w.jobTimeout), traceID, true)

	default:
		w.failJob(ctx, log, jobID, runErr.Error(), traceID, true)
	}

	return outcomeAck
}

// runPipeline contains the only panic boundary: a panicking stage fails the
// job instead of killing the pool slot.
func (w *Worker) runPipeline(ctx context.Context, jobID string, meetingID int64) (res *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return w.pipeline.Run(ctx, jobID, meetingID)
}

// recordCtx returns ctx unless it is already dead, in which case a short
// detached context is substituted so terminal states are still recorded
// during shutdown.
func recordCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (w *Worker) failJob(ctx context.Context, log *slog.Logger, jobID, errMsg, traceID string, countRetry bool) {
	ctx, cancel := recordCtx(ctx)
	defer cancel()

	if _, err := w.store.MarkFailed(ctx, jobID, errMsg, traceID, countRetry); err != nil {
		log.Error("Failed to mark job failed",
			slog.String("job_error", errMsg),
			slog.Any("error", err),
		)
		return
	}

	w.publishEvent(ctx, jobID, jobstore.StatusFailed, errMsg)
}

func (w *Worker) publishEvent(ctx context.Context, jobID, status, errMsg string) {
	if w.events == nil {
		return
	}
	w.events.Publish(ctx, events.Event{
		JobID:  jobID,
		Status: status,
		Error:  errMsg,
	})
}
