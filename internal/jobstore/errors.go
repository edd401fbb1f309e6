package jobstore

import "errors"

var (
	// ErrNotFound is returned when no job exists with the given id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a state machine operation is
	// attempted from a status it is not valid for. This is a programmer
	// error under normal operation, except for the queued->running claim
	// which legitimately loses races to other workers.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDuplicateFingerprintRace is returned when two concurrent dispatches
	// of the same logical request interleave so that neither the insert nor
	// the follow-up select observes the row. Callers should retry CreateOrGet.
	ErrDuplicateFingerprintRace = errors.New("duplicate fingerprint race, retry create_or_get")

	// ErrMaxRetriesExceeded is returned when a retry is requested for a job
	// that has exhausted its retry budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
