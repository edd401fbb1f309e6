package jobstore

import (
	"database/sql"
	"time"
)

// Job statuses. Transitions are monotonic: queued -> running -> succeeded|failed.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is the unit of dispatched work. The jobs table is the source of truth
// for job lifecycle; the broker only transports references to these rows.
type Job struct {
	ID          string         `db:"id"`
	JobType     string         `db:"job_type"`
	Fingerprint string         `db:"fingerprint"`
	Payload     string         `db:"payload"`
	Status      string         `db:"status"`
	Retries     int            `db:"retries"`
	MaxRetries  int            `db:"max_retries"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
	ArtifactKey sql.NullString `db:"artifact_key"`
	BrokerRef   sql.NullString `db:"broker_ref"`
	ErrorMsg    sql.NullString `db:"error_message"`
	TraceID     sql.NullString `db:"trace_id"`
	CancelReq   bool           `db:"cancel_requested"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states are final; queued jobs can only start running.
func CanTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}
