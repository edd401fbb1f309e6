package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/pdhai/meeting-notes-be/internal/storage"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".tif": true, ".tiff": true,
}

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".ogg": true, ".opus": true,
}

// Config holds runner settings.
type Config struct {
	// PersistArtifact writes the full structured result to object storage in
	// addition to the relational rows.
	PersistArtifact bool
}

// Runner executes the meeting processing stages for one job at a time.
// Stages are sequential by design; each consumes the previous stage's output.
type Runner struct {
	store       storage.Store
	ocr         OCRClient
	transcriber Transcriber
	summarizer  Summarizer
	notes       NoteStore
	cancelCheck CancelCheck
	logger      *slog.Logger
	cfg         Config
}

// NewRunner wires the stage collaborators.
func NewRunner(
	store storage.Store,
	ocr OCRClient,
	transcriber Transcriber,
	summarizer Summarizer,
	notes NoteStore,
	cancelCheck CancelCheck,
	logger *slog.Logger,
	cfg Config,
) *Runner {
	return &Runner{
		store:       store,
		ocr:         ocr,
		transcriber: transcriber,
		summarizer:  summarizer,
		notes:       notes,
		cancelCheck: cancelCheck,
		logger:      logger,
		cfg:         cfg,
	}
}

type artifact struct {
	key  string
	data []byte
}

// Run executes the stages strictly in order and returns a structured result,
// or an error classified by stage. Retrieval and OCR problems degrade the
// result; transcription, summarization, and persistence problems fail it.
func (r *Runner) Run(ctx context.Context, jobID string, meetingID int64) (*Result, error) {
	res := &Result{MeetingID: meetingID}
	log := r.logger.With(
		slog.String("job_id", jobID),
		slog.Int64("meeting_id", meetingID),
	)

	// Stage 1: artifact retrieval. Missing artifacts are not fatal; the
	// stage yields an empty set and downstream stages degrade gracefully.
	artifacts := r.runRetrieval(ctx, res, log, meetingID)

	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}

	// Stage 2: OCR. Per-file failures are swallowed and logged.
	slideText := r.runOCR(ctx, res, log, artifacts)

	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}

	// Stage 3: transcription. An external-call failure here is fatal; a
	// partial transcript is worse than none.
	transcript, err := r.runTranscription(ctx, res, log, artifacts)
	if err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}

	// Stage 4: summarization. Transcript-only, slides-only, and combined
	// inputs all produce a valid note; fully empty input produces the
	// explicit empty-result marker instead.
	note, err := r.runSummarization(ctx, res, log, transcript, slideText)
	if err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, jobID); err != nil {
		return nil, err
	}

	// Stage 5: persistence.
	if err := r.runPersistence(ctx, res, log, jobID, transcript, slideText, note); err != nil {
		return nil, err
	}

	log.Info("Pipeline complete",
		slog.Bool("empty", res.Empty),
		slog.Bool("degraded", res.Degraded),
		slog.String("artifact_key", res.ArtifactKey),
	)

	return res, nil
}

func (r *Runner) runRetrieval(ctx context.Context, res *Result, log *slog.Logger, meetingID int64) []artifact {
	rep := res.report(StageRetrieval)
	defer timeStage(rep)()
	rep.Ran = true

	prefix := fmt.Sprintf("%d/", meetingID)
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		log.Warn("Artifact listing failed, continuing with empty set",
			slog.String("prefix", prefix),
			slog.Any("error", err),
		)
		res.warn(rep, fmt.Sprintf("list %s: %s", prefix, err))
		return nil
	}

	var artifacts []artifact
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if err != nil {
			log.Warn("Artifact fetch failed, skipping",
				slog.String("key", key),
				slog.Any("error", err),
			)
			res.warn(rep, fmt.Sprintf("get %s: %s", key, err))
			continue
		}
		artifacts = append(artifacts, artifact{key: key, data: data})
	}

	rep.OutputChars = len(artifacts)
	log.Info("Artifacts retrieved",
		slog.String("prefix", prefix),
		slog.Int("count", len(artifacts)),
	)

	return artifacts
}

func (r *Runner) runOCR(ctx context.Context, res *Result, log *slog.Logger, artifacts []artifact) string {
	rep := res.report(StageOCR)
	defer timeStage(rep)()

	var images []artifact
	for _, a := range artifacts {
		if imageExts[strings.ToLower(path.Ext(a.key))] {
			images = append(images, a)
		}
	}

	if len(images) == 0 {
		rep.Skipped = true
		return ""
	}
	rep.Ran = true

	var texts []string
	for _, img := range images {
		text, err := r.ocr.ExtractText(ctx, img.data)
		if err != nil {
			log.Warn("OCR failed for file, skipping",
				slog.String("key", img.key),
				slog.Any("error", err),
			)
			res.warn(rep, fmt.Sprintf("ocr %s: %s", img.key, err))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, fmt.Sprintf("[%s]\n%s", path.Base(img.key), text))
		}
	}

	out := strings.Join(texts, "\n\n")
	rep.OutputChars = len(out)
	return out
}

func (r *Runner) runTranscription(ctx context.Context, res *Result, log *slog.Logger, artifacts []artifact) (*Transcript, error) {
	rep := res.report(StageTranscription)
	defer timeStage(rep)()

	var audio []artifact
	for _, a := range artifacts {
		if audioExts[strings.ToLower(path.Ext(a.key))] {
			audio = append(audio, a)
		}
	}

	if len(audio) == 0 {
		rep.Skipped = true
		return nil, nil
	}
	rep.Ran = true

	combined := &Transcript{}
	for _, a := range audio {
		t, err := r.transcriber.Transcribe(ctx, a.data, path.Base(a.key))
		if err != nil {
			return nil, fatal(StageTranscription, fmt.Errorf("transcribe %s: %w", a.key, err))
		}
		if t.Text != "" {
			if combined.Text != "" {
				combined.Text += "\n"
			}
			combined.Text += t.Text
		}
		combined.Segments = append(combined.Segments, t.Segments...)
	}

	rep.OutputChars = len(combined.Text)
	log.Info("Transcription complete",
		slog.Int("audio_files", len(audio)),
		slog.Int("chars", len(combined.Text)),
	)

	return combined, nil
}

func (r *Runner) runSummarization(ctx context.Context, res *Result, log *slog.Logger, transcript *Transcript, slideText string) (*Note, error) {
	rep := res.report(StageSummarization)
	defer timeStage(rep)()

	transcriptText := ""
	if transcript != nil {
		transcriptText = transcript.Text
	}

	if transcriptText == "" && slideText == "" {
		rep.Skipped = true
		res.Empty = true
		log.Info("No input content, marking empty result")
		return nil, nil
	}
	rep.Ran = true

	note, err := r.summarizer.Summarize(ctx, transcriptText, slideText)
	if err != nil {
		return nil, fatal(StageSummarization, err)
	}

	rep.OutputChars = len(note.Summary)
	return note, nil
}

func (r *Runner) runPersistence(ctx context.Context, res *Result, log *slog.Logger, jobID string, transcript *Transcript, slideText string, note *Note) error {
	rep := res.report(StagePersistence)
	defer timeStage(rep)()
	rep.Ran = true

	if transcript != nil && transcript.Text != "" {
		id, err := r.notes.SaveTranscript(ctx, res.MeetingID, "audio", transcript.Text, transcript.Segments)
		if err != nil {
			return fatal(StagePersistence, fmt.Errorf("save transcript: %w", err))
		}
		res.TranscriptID = id
		res.Transcript = transcript
	}

	if slideText != "" {
		id, err := r.notes.SaveTranscript(ctx, res.MeetingID, "ocr", slideText, nil)
		if err != nil {
			return fatal(StagePersistence, fmt.Errorf("save ocr text: %w", err))
		}
		if res.TranscriptID == "" {
			res.TranscriptID = id
		}
	}

	if note != nil {
		id, err := r.notes.SaveSummary(ctx, res.MeetingID, note)
		if err != nil {
			return fatal(StagePersistence, fmt.Errorf("save summary: %w", err))
		}
		res.SummaryID = id
		res.Note = note
	}

	if r.cfg.PersistArtifact {
		key := fmt.Sprintf("notes/%d/%s.json", res.MeetingID, jobID)
		doc, err := json.Marshal(res)
		if err != nil {
			return fatal(StagePersistence, fmt.Errorf("marshal result: %w", err))
		}
		if err := r.store.Put(ctx, key, doc, "application/json"); err != nil {
			return fatal(StagePersistence, fmt.Errorf("store artifact: %w", err))
		}
		res.ArtifactKey = key
	}

	return nil
}

func (r *Runner) checkCancelled(ctx context.Context, jobID string) error {
	if r.cancelCheck == nil {
		return nil
	}

	cancelled, err := r.cancelCheck(ctx, jobID)
	if err != nil {
		// A flaky flag read must not kill the job.
		r.logger.Warn("Cancel flag check failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return nil
	}

	if cancelled {
		return ErrCancelled
	}

	return nil
}

func timeStage(rep *StageReport) func() {
	start := time.Now()
	return func() {
		rep.Elapsed = time.Since(start)
	}
}
