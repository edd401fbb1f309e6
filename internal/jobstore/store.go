package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	id, job_type, fingerprint, payload, status, retries, max_retries,
	created_at, updated_at, started_at, ended_at,
	artifact_key, broker_ref, error_message, trace_id, cancel_requested`

// Store owns all reads and writes of job rows. Every status mutation goes
// through a compare-and-swap UPDATE so two workers can never both claim the
// same job, and the (job_type, fingerprint) unique constraint makes dispatch
// deduplication a database-level guarantee rather than a check-then-insert.
type Store struct {
	db         *sqlx.DB
	logger     *slog.Logger
	maxRetries int
}

// New creates a Store. defaultMaxRetries is stamped onto newly created jobs.
func New(db *sqlx.DB, logger *slog.Logger, defaultMaxRetries int) *Store {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &Store{
		db:         db,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

// CreateOrGet atomically inserts a queued job for (jobType, fingerprint) or
// returns the existing one. created reports whether a new row was inserted;
// when false the caller must not enqueue again.
func (s *Store) CreateOrGet(ctx context.Context, jobType, fingerprint, payload string) (*Job, bool, error) {
	now := time.Now().UTC()

	insert := `
		INSERT INTO jobs (
			id, job_type, fingerprint, payload, status,
			retries, max_retries, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		ON CONFLICT (job_type, fingerprint) DO NOTHING
		RETURNING` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, insert,
		uuid.New().String(), jobType, fingerprint, payload,
		StatusQueued, s.maxRetries, now,
	).StructScan(&job)

	if err == nil {
		s.logger.Info("Job created",
			slog.String("job_id", job.ID),
			slog.String("job_type", jobType),
			slog.String("fingerprint", fingerprint),
		)
		return &job, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			// Concurrent insert slipped past ON CONFLICT; caller retries.
			return nil, false, ErrDuplicateFingerprintRace
		}
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	// Conflict: fetch the existing row for this logical request.
	query := `SELECT` + jobColumns + ` FROM jobs WHERE job_type = $1 AND fingerprint = $2`
	err = s.db.GetContext(ctx, &job, query, jobType, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between insert and select (concurrent cleanup).
		return nil, false, ErrDuplicateFingerprintRace
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get existing job: %w", err)
	}

	return &job, false, nil
}

// Get returns the job with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	query := `SELECT` + jobColumns + ` FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkRunning claims a queued job. The WHERE status clause is the worker-race
// guard: exactly one claimer observes a row, the rest get ErrInvalidTransition.
func (s *Store) MarkRunning(ctx context.Context, id string) (*Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, query, StatusRunning, id, StatusQueued).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMiss(ctx, id, StatusRunning)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("job_type", job.JobType),
	)

	return &job, nil
}

// MarkSucceeded finishes a running job and records its artifact pointer.
func (s *Store) MarkSucceeded(ctx context.Context, id, artifactKey string) (*Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, artifact_key = NULLIF($2, ''), ended_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, query, StatusSucceeded, artifactKey, id, StatusRunning).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMiss(ctx, id, StatusSucceeded)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job succeeded: %w", err)
	}

	s.logger.Info("Job succeeded",
		slog.String("job_id", id),
		slog.String("artifact_key", artifactKey),
	)

	return &job, nil
}

// MarkFailed finishes a running job with an error. countRetry increments the
// retry counter (retry path); a final failure leaves retries untouched. The
// counter never exceeds max_retries.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg, traceID string, countRetry bool) (*Job, error) {
	bump := 0
	if countRetry {
		bump = 1
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    trace_id = NULLIF($3, ''),
		    retries = LEAST(retries + $4, max_retries),
		    ended_at = NOW(),
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, query, StatusFailed, errMsg, traceID, bump, id, StatusRunning).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMiss(ctx, id, StatusFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", id),
		slog.String("error", errMsg),
		slog.String("trace_id", traceID),
		slog.Int("retries", job.Retries),
		slog.Int("max_retries", job.MaxRetries),
	)

	return &job, nil
}

// Requeue moves a failed job back to queued for an explicit re-dispatch. It
// refuses once the retry budget is spent; the state machine itself never
// retries automatically.
func (s *Store) Requeue(ctx context.Context, id string) (*Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = NULL,
		    trace_id = NULL,
		    started_at = NULL,
		    ended_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND retries < max_retries
		RETURNING` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, query, StatusQueued, id, StatusFailed).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status == StatusFailed && existing.Retries >= existing.MaxRetries {
			return nil, ErrMaxRetriesExceeded
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	return &job, nil
}

// SetBrokerRef records the transport-level message id for diagnostics. The
// broker ref is never treated as job identity.
func (s *Store) SetBrokerRef(ctx context.Context, id, ref string) error {
	query := `UPDATE jobs SET broker_ref = $1, updated_at = NOW() WHERE id = $2`

	res, err := s.db.ExecContext(ctx, query, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set broker ref: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// RequestCancel sets the cooperative cancellation flag. The pipeline checks
// the flag between stages; terminal jobs cannot be cancelled.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)`

	res, err := s.db.ExecContext(ctx, query, id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}

	return nil
}

// CancelRequested reads the cancellation flag for a running job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.GetContext(ctx, &flag, `SELECT cancel_requested FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag, nil
}

// ListOrphanedQueued returns queued jobs older than the cutoff, i.e. rows
// whose enqueue likely never reached the broker. Used by the reconciliation
// sweep.
func (s *Store) ListOrphanedQueued(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		SELECT` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, StatusQueued, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}

	return jobs, nil
}

// classifyMiss decides why a CAS update matched no rows.
func (s *Store) classifyMiss(ctx context.Context, id, target string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.logger.Warn("Rejected job status transition",
		slog.String("job_id", id),
		slog.String("from", existing.Status),
		slog.String("to", target),
	)

	// When the re-read status could still legally reach the target, the row
	// moved between the CAS update and this read: a lost race, not a caller
	// asking for an illegal transition.
	if CanTransition(existing.Status, target) {
		return fmt.Errorf("%w: lost race to %s (job now %s)", ErrInvalidTransition, target, existing.Status)
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, target)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}
