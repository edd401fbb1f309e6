// Package pipeline runs the ordered transformation stages for a single job:
// artifact retrieval -> OCR -> transcription -> summarization -> persistence.
// Stage collaborators are injected interfaces so the worker can run against
// real GCP/Gemini clients while tests run against fakes.
package pipeline

import "context"

// Transcript is the structured output of the transcription collaborator.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// Segment is a timestamped span of transcript text.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Note is the structured output of the summarization collaborator.
type Note struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points,omitempty"`
	ActionItems []string `json:"action_items,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Transcriber converts audio bytes to structured text. Failures here are
// fatal for the job; there is no partial transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*Transcript, error)
}

// OCRClient extracts text from a single image. Per-file failures are
// swallowed by the runner (partial results policy).
type OCRClient interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Summarizer combines transcript and slide text into a structured note.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, slideText string) (*Note, error)
}

// NoteStore persists derived outputs to the relational store.
type NoteStore interface {
	SaveTranscript(ctx context.Context, meetingID int64, source, text string, segments []Segment) (string, error)
	SaveSummary(ctx context.Context, meetingID int64, note *Note) (string, error)
}

// CancelCheck reports whether cooperative cancellation was requested for a
// job. Checked between stages; a nil check disables cancellation.
type CancelCheck func(ctx context.Context, jobID string) (bool, error)
