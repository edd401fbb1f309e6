package pipeline

import "time"

// Stage names, in execution order.
const (
	StageRetrieval     = "retrieval"
	StageOCR           = "ocr"
	StageTranscription = "transcription"
	StageSummarization = "summarization"
	StagePersistence   = "persistence"
)

// StageReport records what a single stage did.
type StageReport struct {
	Name    string        `json:"name"`
	Ran     bool          `json:"ran"`
	Skipped bool          `json:"skipped"`
	// OutputChars is the size of the stage's textual output, or the number
	// of retrieved artifacts for the retrieval stage.
	OutputChars int           `json:"output_chars"`
	Elapsed     time.Duration `json:"elapsed"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// Result is the transient outcome of one pipeline run. The worker reduces it
// into the job's terminal fields; it is not persisted as its own entity.
type Result struct {
	MeetingID    int64         `json:"meeting_id"`
	Stages       []StageReport `json:"stages"`
	TranscriptID string        `json:"transcript_id,omitempty"`
	SummaryID    string        `json:"summary_id,omitempty"`
	ArtifactKey  string        `json:"artifact_key,omitempty"`
	// Empty marks a run whose inputs produced no content at all: the job
	// still succeeds, with this explicit marker instead of an error.
	Empty bool `json:"empty"`
	// Degraded is set when a non-fatal stage swallowed failures.
	Degraded bool `json:"degraded"`

	Transcript *Transcript `json:"transcript,omitempty"`
	Note       *Note       `json:"note,omitempty"`
}

func (r *Result) report(name string) *StageReport {
	r.Stages = append(r.Stages, StageReport{Name: name})
	return &r.Stages[len(r.Stages)-1]
}

func (r *Result) warn(rep *StageReport, msg string) {
	rep.Warnings = append(rep.Warnings, msg)
	r.Degraded = true
}
