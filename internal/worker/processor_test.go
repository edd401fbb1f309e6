package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdhai/meeting-notes-be/internal/events"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
	"github.com/pdhai/meeting-notes-be/internal/pipeline"
)

type fakeStore struct {
	jobs       map[string]*jobstore.Job
	claimErr   error
	getErr     error
	succeeded  map[string]string // job id -> artifact key
	failed     map[string]string // job id -> error message
	retryCount map[string]bool   // job id -> countRetry
}

func newFakeStore(jobs ...*jobstore.Job) *fakeStore {
	s := &fakeStore{
		jobs:       map[string]*jobstore.Job{},
		succeeded:  map[string]string{},
		failed:     map[string]string{},
		retryCount: map[string]bool{},
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*jobstore.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, id string) (*jobstore.Job, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	job := s.jobs[id]
	if job.Status != jobstore.StatusQueued {
		return nil, jobstore.ErrInvalidTransition
	}
	job.Status = jobstore.StatusRunning
	return job, nil
}

func (s *fakeStore) MarkSucceeded(_ context.Context, id, artifactKey string) (*jobstore.Job, error) {
	job := s.jobs[id]
	job.Status = jobstore.StatusSucceeded
	s.succeeded[id] = artifactKey
	return job, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, errMsg, _ string, countRetry bool) (*jobstore.Job, error) {
	job := s.jobs[id]
	job.Status = jobstore.StatusFailed
	s.failed[id] = errMsg
	s.retryCount[id] = countRetry
	return job, nil
}

func (s *fakeStore) CancelRequested(_ context.Context, id string) (bool, error) {
	return s.jobs[id].CancelReq, nil
}

type fakePipeline struct {
	result *pipeline.Result
	err    error
	block  time.Duration
	runs   int
}

func (p *fakePipeline) Run(ctx context.Context, _ string, _ int64) (*pipeline.Result, error) {
	p.runs++
	if p.block > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.block):
		}
	}
	return p.result, p.err
}

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, ev events.Event) {
	b.events = append(b.events, ev)
}

func queuedJob(id string) *jobstore.Job {
	return &jobstore.Job{
		ID:         id,
		JobType:    "process_meeting",
		Payload:    `{"meeting_id": 42}`,
		Status:     jobstore.StatusQueued,
		MaxRetries: 3,
	}
}

func newTestWorker(store JobStore, pipe Pipeline, bus events.Bus) *Worker {
	return NewWorker(&Config{
		Logger:     slog.New(slog.DiscardHandler),
		Store:      store,
		Pipeline:   pipe,
		Events:     bus,
		JobTimeout: time.Second,
	})
}

func TestProcessSuccess(t *testing.T) {
	store := newFakeStore(queuedJob("job-1"))
	pipe := &fakePipeline{result: &pipeline.Result{ArtifactKey: "notes/42/job-1.json"}}
	bus := &recordingBus{}
	w := newTestWorker(store, pipe, bus)

	out := w.process(context.Background(), "job-1")

	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, jobstore.StatusSucceeded, store.jobs["job-1"].Status)
	assert.Equal(t, "notes/42/job-1.json", store.succeeded["job-1"])

	require.Len(t, bus.events, 2)
	assert.Equal(t, jobstore.StatusRunning, bus.events[0].Status)
	assert.Equal(t, jobstore.StatusSucceeded, bus.events[1].Status)
}

func TestProcessUnknownJobAcked(t *testing.T) {
	store := newFakeStore()
	pipe := &fakePipeline{}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "missing")

	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, pipe.runs)
}

func TestProcessTerminalJobSkipped(t *testing.T) {
	job := queuedJob("job-2")
	job.Status = jobstore.StatusSucceeded
	store := newFakeStore(job)
	pipe := &fakePipeline{}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "job-2")

	// Redelivery of a finished job is acked without reprocessing.
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, pipe.runs)
	assert.Equal(t, jobstore.StatusSucceeded, job.Status)
}

func TestProcessLostClaimSkipped(t *testing.T) {
	job := queuedJob("job-3")
	job.Status = jobstore.StatusRunning
	store := newFakeStore(job)
	pipe := &fakePipeline{}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "job-3")

	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, pipe.runs)
}

func TestProcessStoreErrorRequeues(t *testing.T) {
	store := newFakeStore(queuedJob("job-4"))
	store.getErr = errors.New("db down")
	w := newTestWorker(store, &fakePipeline{}, nil)

	out := w.process(context.Background(), "job-4")

	assert.Equal(t, outcomeRequeue, out)
}

func TestProcessInvalidPayloadFailsWithoutRetry(t *testing.T) {
	job := queuedJob("job-5")
	job.Payload = `{"meeting_id": "not-a-number"}`
	store := newFakeStore(job)
	pipe := &fakePipeline{}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "job-5")

	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	assert.Contains(t, store.failed["job-5"], "invalid payload")
	assert.False(t, store.retryCount["job-5"])
	assert.Zero(t, pipe.runs)
}

func TestProcessMissingMeetingIDFails(t *testing.T) {
	job := queuedJob("job-6")
	job.Payload = `{}`
	store := newFakeStore(job)
	w := newTestWorker(store, &fakePipeline{}, nil)

	out := w.process(context.Background(), "job-6")

	assert.Equal(t, outcomeAck, out)
	assert.Contains(t, store.failed["job-6"], "meeting_id")
}

func TestProcessPipelineFailureCountsRetry(t *testing.T) {
	store := newFakeStore(queuedJob("job-7"))
	pipe := &fakePipeline{err: errors.New("stage transcription: speech api down")}
	bus := &recordingBus{}
	w := newTestWorker(store, pipe, bus)

	out := w.process(context.Background(), "job-7")

	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, jobstore.StatusFailed, store.jobs["job-7"].Status)
	assert.True(t, store.retryCount["job-7"])

	require.Len(t, bus.events, 2)
	assert.Equal(t, jobstore.StatusFailed, bus.events[1].Status)
	assert.Contains(t, bus.events[1].Error, "transcription")
}

func TestProcessCancelledFailsWithoutRetry(t *testing.T) {
	store := newFakeStore(queuedJob("job-8"))
	pipe := &fakePipeline{err: pipeline.ErrCancelled}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "job-8")

	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, "cancelled by request", store.failed["job-8"])
	assert.False(t, store.retryCount["job-8"])
}

func TestProcessTimeoutCountsRetry(t *testing.T) {
	store := newFakeStore(queuedJob("job-9"))
	pipe := &fakePipeline{block: 5 * time.Second}
	w := newTestWorker(store, pipe, nil)
	w.jobTimeout = 20 * time.Millisecond

	out := w.process(context.Background(), "job-9")

	assert.Equal(t, outcomeAck, out)
	assert.Contains(t, store.failed["job-9"], "timed out")
	assert.True(t, store.retryCount["job-9"])
}

func TestProcessShutdownDoesNotAbortRunningJob(t *testing.T) {
	store := newFakeStore(queuedJob("job-11"))
	pipe := &releasingPipeline{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := newTestWorker(store, pipe, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Shutdown arrives while the job is mid-run.
		<-pipe.started
		cancel()
		close(pipe.release)
	}()

	out := w.process(ctx, "job-11")

	// The run is bounded by the job timeout, not the pool context, so the
	// job finishes and its outcome is recorded.
	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, jobstore.StatusSucceeded, store.jobs["job-11"].Status)
	assert.Empty(t, store.failed)
}

// releasingPipeline blocks until released or its context dies, whichever
// comes first.
type releasingPipeline struct {
	started chan struct{}
	release chan struct{}
}

func (p *releasingPipeline) Run(ctx context.Context, _ string, _ int64) (*pipeline.Result, error) {
	close(p.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
		return &pipeline.Result{ArtifactKey: "notes/42/job-11.json"}, nil
	}
}

func TestProcessPanicFailsJob(t *testing.T) {
	store := newFakeStore(queuedJob("job-10"))
	pipe := &panickingPipeline{}
	w := newTestWorker(store, pipe, nil)

	out := w.process(context.Background(), "job-10")

	assert.Equal(t, outcomeAck, out)
	assert.Contains(t, store.failed["job-10"], "pipeline panic")
}

type panickingPipeline struct{}

func (p *panickingPipeline) Run(context.Context, string, int64) (*pipeline.Result, error) {
	panic("nil dereference in stage")
}
