package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string][]byte
	listErr error
	getErr  map[string]error
	putErr  error
	puts    map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		getErr:  map[string]error{},
		puts:    map[string][]byte{},
	}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := s.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("missing object")
	}
	return data, nil
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts[key] = data
	return nil
}

func (s *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://example.test/" + key, nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ []byte, filename string) (*Transcript, error) {
	if t.err != nil {
		return nil, t.err
	}
	return &Transcript{
		Text:     t.text,
		Segments: []Segment{{Start: 0, End: 1.5, Text: t.text}},
	}, nil
}

type fakeOCR struct {
	text    string
	err     error
	calls   int
	failFor map[int]error
}

func (o *fakeOCR) ExtractText(_ context.Context, _ []byte) (string, error) {
	o.calls++
	if err := o.failFor[o.calls]; err != nil {
		return "", err
	}
	if o.err != nil {
		return "", o.err
	}
	return o.text, nil
}

type fakeSummarizer struct {
	err        error
	transcript string
	slideText  string
}

func (s *fakeSummarizer) Summarize(_ context.Context, transcript, slideText string) (*Note, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.transcript = transcript
	s.slideText = slideText
	return &Note{
		Summary:   "summary of " + transcript,
		KeyPoints: []string{"point one"},
		Model:     "fake-model",
	}, nil
}

type fakeNoteStore struct {
	transcriptErr error
	summaryErr    error
	transcripts   []string
	summaries     int
}

func (n *fakeNoteStore) SaveTranscript(_ context.Context, _ int64, source, _ string, _ []Segment) (string, error) {
	if n.transcriptErr != nil {
		return "", n.transcriptErr
	}
	n.transcripts = append(n.transcripts, source)
	return fmt.Sprintf("transcript-%d", len(n.transcripts)), nil
}

func (n *fakeNoteStore) SaveSummary(_ context.Context, _ int64, _ *Note) (string, error) {
	if n.summaryErr != nil {
		return "", n.summaryErr
	}
	n.summaries++
	return "summary-1", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRunner(store *fakeStore, notes *fakeNoteStore, cancel CancelCheck) (*Runner, *fakeSummarizer) {
	sum := &fakeSummarizer{}
	r := NewRunner(
		store,
		&fakeOCR{text: "agenda slide"},
		&fakeTranscriber{text: "hello world"},
		sum,
		notes,
		cancel,
		testLogger(),
		Config{PersistArtifact: true},
	)
	return r, sum
}

func TestRunnerFullPipeline(t *testing.T) {
	store := newFakeStore()
	store.objects["7/recording.wav"] = []byte("audio-bytes")
	store.objects["7/slide1.png"] = []byte("image-bytes")
	notes := &fakeNoteStore{}
	runner, sum := newTestRunner(store, notes, nil)

	res, err := runner.Run(context.Background(), "job-1", 7)
	require.NoError(t, err)

	assert.False(t, res.Empty)
	assert.False(t, res.Degraded)
	assert.Equal(t, "transcript-1", res.TranscriptID)
	assert.Equal(t, "summary-1", res.SummaryID)
	assert.Equal(t, "notes/7/job-1.json", res.ArtifactKey)
	assert.Contains(t, store.puts, "notes/7/job-1.json")

	// Both the audio transcript and the OCR text were persisted.
	assert.Equal(t, []string{"audio", "ocr"}, notes.transcripts)
	assert.Equal(t, 1, notes.summaries)

	// The summarizer saw both inputs.
	assert.Equal(t, "hello world", sum.transcript)
	assert.Contains(t, sum.slideText, "agenda slide")
	assert.Contains(t, sum.slideText, "[slide1.png]")

	require.Len(t, res.Stages, 5)
	for _, rep := range res.Stages {
		assert.True(t, rep.Ran, "stage %s should have run", rep.Name)
	}
}

func TestRunnerEmptyInputSucceedsWithMarker(t *testing.T) {
	store := newFakeStore()
	notes := &fakeNoteStore{}
	runner, _ := newTestRunner(store, notes, nil)

	res, err := runner.Run(context.Background(), "job-2", 9)
	require.NoError(t, err)

	assert.True(t, res.Empty)
	assert.Empty(t, res.TranscriptID)
	assert.Empty(t, res.SummaryID)
	assert.Empty(t, notes.transcripts)
	assert.Zero(t, notes.summaries)

	// OCR, transcription, and summarization were all skipped.
	skipped := map[string]bool{}
	for _, rep := range res.Stages {
		skipped[rep.Name] = rep.Skipped
	}
	assert.True(t, skipped[StageOCR])
	assert.True(t, skipped[StageTranscription])
	assert.True(t, skipped[StageSummarization])
}

func TestRunnerListFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("backend unavailable")
	runner, _ := newTestRunner(store, &fakeNoteStore{}, nil)

	res, err := runner.Run(context.Background(), "job-3", 4)
	require.NoError(t, err)

	assert.True(t, res.Empty)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Stages[0].Warnings)
}

func TestRunnerOCRFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.objects["3/recording.wav"] = []byte("audio-bytes")
	store.objects["3/slide1.png"] = []byte("image-bytes")
	notes := &fakeNoteStore{}
	sum := &fakeSummarizer{}
	runner := NewRunner(
		store,
		&fakeOCR{err: errors.New("vision quota exceeded")},
		&fakeTranscriber{text: "hello world"},
		sum,
		notes,
		nil,
		testLogger(),
		Config{},
	)

	res, err := runner.Run(context.Background(), "job-4", 3)
	require.NoError(t, err)

	// The job still succeeds on transcript alone.
	assert.True(t, res.Degraded)
	assert.False(t, res.Empty)
	assert.Equal(t, "transcript-1", res.TranscriptID)
	assert.Equal(t, []string{"audio"}, notes.transcripts)
	assert.Empty(t, sum.slideText)
	assert.Empty(t, res.ArtifactKey)
}

func TestRunnerTranscriptionFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.objects["5/recording.wav"] = []byte("audio-bytes")
	runner := NewRunner(
		store,
		&fakeOCR{},
		&fakeTranscriber{err: errors.New("speech api down")},
		&fakeSummarizer{},
		&fakeNoteStore{},
		nil,
		testLogger(),
		Config{},
	)

	_, err := runner.Run(context.Background(), "job-5", 5)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageTranscription, fe.Stage)
}

func TestRunnerSummarizationFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.objects["6/recording.wav"] = []byte("audio-bytes")
	runner := NewRunner(
		store,
		&fakeOCR{},
		&fakeTranscriber{text: "hello"},
		&fakeSummarizer{err: errors.New("model overloaded")},
		&fakeNoteStore{},
		nil,
		testLogger(),
		Config{},
	)

	_, err := runner.Run(context.Background(), "job-6", 6)
	require.Error(t, err)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageSummarization, fe.Stage)
}

func TestRunnerPersistenceFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.objects["8/recording.wav"] = []byte("audio-bytes")
	runner := NewRunner(
		store,
		&fakeOCR{},
		&fakeTranscriber{text: "hello"},
		&fakeSummarizer{},
		&fakeNoteStore{transcriptErr: errors.New("db down")},
		nil,
		testLogger(),
		Config{},
	)

	_, err := runner.Run(context.Background(), "job-8", 8)
	require.Error(t, err)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StagePersistence, fe.Stage)
}

func TestRunnerCancellation(t *testing.T) {
	store := newFakeStore()
	store.objects["2/recording.wav"] = []byte("audio-bytes")
	notes := &fakeNoteStore{}
	cancel := func(_ context.Context, _ string) (bool, error) {
		return true, nil
	}
	runner, _ := newTestRunner(store, notes, cancel)

	_, err := runner.Run(context.Background(), "job-9", 2)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, notes.transcripts)
}

func TestRunnerCancelCheckErrorIgnored(t *testing.T) {
	store := newFakeStore()
	cancel := func(_ context.Context, _ string) (bool, error) {
		return false, errors.New("store flake")
	}
	runner, _ := newTestRunner(store, &fakeNoteStore{}, cancel)

	res, err := runner.Run(context.Background(), "job-10", 1)
	require.NoError(t, err)
	assert.True(t, res.Empty)
}
