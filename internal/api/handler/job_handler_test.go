package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdhai/meeting-notes-be/internal/api/dto"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
)

const testJobID = "0b52f1a6-22fb-4ecf-9f48-3c1eb1a09f27"

type fakeJobStore struct {
	jobs      map[string]*jobstore.Job
	listResp  []jobstore.Job
	cancelErr error
	gotFilter jobstore.Filter
}

func (s *fakeJobStore) Get(_ context.Context, id string) (*jobstore.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return job, nil
}

func (s *fakeJobStore) List(_ context.Context, filter jobstore.Filter) ([]jobstore.Job, error) {
	s.gotFilter = filter
	return s.listResp, nil
}

func (s *fakeJobStore) RequestCancel(_ context.Context, id string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	if _, ok := s.jobs[id]; !ok {
		return jobstore.ErrNotFound
	}
	return nil
}

type fakeDispatcher struct {
	job      *jobstore.Job
	created  bool
	err      error
	retryErr error
	gotType  string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobType string, _ map[string]any) (*jobstore.Job, bool, error) {
	d.gotType = jobType
	return d.job, d.created, d.err
}

func (d *fakeDispatcher) Retry(_ context.Context, _ string) (*jobstore.Job, error) {
	if d.retryErr != nil {
		return nil, d.retryErr
	}
	return d.job, nil
}

type fakePresigner struct{}

func (fakePresigner) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (fakePresigner) Put(context.Context, string, []byte, string) error {
	return nil
}
func (fakePresigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}
func (fakePresigner) Exists(context.Context, string) (bool, error)      { return true, nil }
func (fakePresigner) List(context.Context, string) ([]string, error)    { return nil, nil }

func queuedJob(id string) *jobstore.Job {
	now := time.Now().UTC()
	return &jobstore.Job{
		ID:          id,
		JobType:     "process_meeting",
		Fingerprint: "abc123",
		Payload:     `{"meeting_id": 42}`,
		Status:      jobstore.StatusQueued,
		MaxRetries:  3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestHandler(store *fakeJobStore, d *fakeDispatcher) *JobHandler {
	return NewJobHandler(&Dependencies{
		Logger:     slog.New(slog.DiscardHandler),
		Store:      store,
		Dispatcher: d,
		Storage:    fakePresigner{},
	})
}

func performRequest(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func testRouter(h *JobHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/v1/jobs", h.DispatchJob)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJob)
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)
	r.POST("/api/v1/jobs/:job_id/retry", h.RetryJob)
	return r
}

func TestDispatchJobCreated(t *testing.T) {
	d := &fakeDispatcher{job: queuedJob(testJobID), created: true}
	r := testRouter(newTestHandler(&fakeJobStore{}, d))

	body, _ := json.Marshal(dto.DispatchRequest{
		JobType: "process_meeting",
		Payload: map[string]any{"meeting_id": 42},
	})
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.DispatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, testJobID, resp.Job.JobID)
	assert.Equal(t, "process_meeting", d.gotType)
}

func TestDispatchJobDuplicateReturnsExisting(t *testing.T) {
	d := &fakeDispatcher{job: queuedJob(testJobID), created: false}
	r := testRouter(newTestHandler(&fakeJobStore{}, d))

	body, _ := json.Marshal(dto.DispatchRequest{
		JobType: "process_meeting",
		Payload: map[string]any{"meeting_id": 42},
	})
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.DispatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Created)
	assert.Equal(t, testJobID, resp.Job.JobID)
}

func TestDispatchJobMissingFields(t *testing.T) {
	r := testRouter(newTestHandler(&fakeJobStore{}, &fakeDispatcher{}))

	w := performRequest(r, http.MethodPost, "/api/v1/jobs", []byte(`{"job_type": ""}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchJobEnqueueFailureStillReturnsJob(t *testing.T) {
	d := &fakeDispatcher{
		job:     queuedJob(testJobID),
		created: true,
		err:     errors.New("broker down"),
	}
	r := testRouter(newTestHandler(&fakeJobStore{}, d))

	body, _ := json.Marshal(dto.DispatchRequest{
		JobType: "process_meeting",
		Payload: map[string]any{"meeting_id": 42},
	})
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)

	// The row exists; the sweep recovers the enqueue.
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestGetJobNotFound(t *testing.T) {
	r := testRouter(newTestHandler(&fakeJobStore{jobs: map[string]*jobstore.Job{}}, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/"+testJobID, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobInvalidID(t *testing.T) {
	r := testRouter(newTestHandler(&fakeJobStore{}, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobSucceededHasArtifactURL(t *testing.T) {
	job := queuedJob(testJobID)
	job.Status = jobstore.StatusSucceeded
	job.ArtifactKey = sql.NullString{String: "notes/42/" + testJobID + ".json", Valid: true}
	store := &fakeJobStore{jobs: map[string]*jobstore.Job{testJobID: job}}
	r := testRouter(newTestHandler(store, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/"+testJobID, nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobstore.StatusSucceeded, resp.Status)
	assert.Equal(t, "https://signed.example/notes/42/"+testJobID+".json", resp.ArtifactURL)
}

func TestGetJobFailedHasErrorNoURL(t *testing.T) {
	job := queuedJob(testJobID)
	job.Status = jobstore.StatusFailed
	job.ErrorMsg = sql.NullString{String: "stage transcription: speech api down", Valid: true}
	store := &fakeJobStore{jobs: map[string]*jobstore.Job{testJobID: job}}
	r := testRouter(newTestHandler(store, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/"+testJobID, nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "transcription")
	assert.Empty(t, resp.ArtifactURL)
}

func TestListJobsPagination(t *testing.T) {
	now := time.Now().UTC()
	// Three rows with page_size=2 means one page plus a cursor.
	store := &fakeJobStore{listResp: []jobstore.Job{
		{ID: "a", Status: jobstore.StatusQueued, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Status: jobstore.StatusQueued, CreatedAt: now.Add(-time.Minute), UpdatedAt: now},
		{ID: "c", Status: jobstore.StatusQueued, CreatedAt: now.Add(-2 * time.Minute), UpdatedAt: now},
	}}
	r := testRouter(newTestHandler(store, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2&status=queued", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)
	assert.Equal(t, "queued", store.gotFilter.Status)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.JobID)
}

func TestListJobsInvalidCursor(t *testing.T) {
	r := testRouter(newTestHandler(&fakeJobStore{}, &fakeDispatcher{}))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?cursor=%21%21not-base64", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]*jobstore.Job{testJobID: queuedJob(testJobID)}}
	r := testRouter(newTestHandler(store, &fakeDispatcher{}))

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+testJobID+"/cancel", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCancelJobAlreadyFinished(t *testing.T) {
	store := &fakeJobStore{cancelErr: jobstore.ErrInvalidTransition}
	r := testRouter(newTestHandler(store, &fakeDispatcher{}))

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+testJobID+"/cancel", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryJobBudgetExhausted(t *testing.T) {
	d := &fakeDispatcher{retryErr: jobstore.ErrMaxRetriesExceeded}
	r := testRouter(newTestHandler(&fakeJobStore{}, d))

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+testJobID+"/retry", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryJobRequeued(t *testing.T) {
	job := queuedJob(testJobID)
	job.Retries = 1
	d := &fakeDispatcher{job: job}
	r := testRouter(newTestHandler(&fakeJobStore{}, d))

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+testJobID+"/retry", nil)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Retries)
}
