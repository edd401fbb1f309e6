package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a job's cancellation flag was set between
// stages.
var ErrCancelled = errors.New("job cancelled")

// FatalError marks a stage failure that must fail the whole job. Retrieval
// and OCR problems never produce one; transcription, summarization, and
// persistence problems always do.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(stage string, err error) error {
	return &FatalError{Stage: stage, Err: err}
}

// IsFatal reports whether err carries a FatalError classification.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
