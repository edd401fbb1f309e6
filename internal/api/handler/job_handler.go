package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pdhai/meeting-notes-be/internal/api/dto"
	"github.com/pdhai/meeting-notes-be/internal/jobstore"
)

// DispatchJob handles POST /api/v1/jobs.
// The same (job_type, payload) always resolves to the same job: a fresh
// dispatch answers 202, a duplicate answers 200 with the existing job.
func (h *JobHandler) DispatchJob(c *gin.Context) {
	var req dto.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, created, err := h.dispatcher.Dispatch(c.Request.Context(), req.JobType, req.Payload)
	if err != nil && job == nil {
		h.logger.Error("Failed to dispatch job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dispatch job",
		})
		return
	}
	if err != nil {
		// Row created, broker publish failed. The job exists and will be
		// swept onto the queue, so report it rather than erroring.
		h.logger.Warn("Job created but enqueue failed, sweep will recover it",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}

	c.JSON(status, dto.DispatchResponse{
		Created: created,
		Job:     h.toResponse(c, job),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, h.toResponse(c, job))
}

// ListJobs handles GET /api/v1/jobs with keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), jobstore.Filter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobResponse, len(jobs)),
	}
	for i := range jobs {
		// No presign on list pages; fetch the single job for a URL.
		resp.Jobs[i] = toBareResponse(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. Cancellation is
// cooperative: the flag is set here and the pipeline honors it between
// stages.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.store.RequestCancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, jobstore.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job already finished",
		})
	case err != nil:
		h.logger.Error("Failed to request cancel", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":           jobID,
			"cancel_requested": true,
		})
	}
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry. Only failed jobs with
// retry budget left go back to the queue.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.dispatcher.Retry(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, jobstore.ErrMaxRetriesExceeded):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Retry budget exhausted",
		})
	case errors.Is(err, jobstore.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Only failed jobs can be retried",
		})
	case err != nil:
		h.logger.Error("Failed to retry job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
	default:
		c.JSON(http.StatusAccepted, h.toResponse(c, job))
	}
}

// toResponse converts a job row, attaching a presigned artifact URL for
// succeeded jobs that produced one.
func (h *JobHandler) toResponse(c *gin.Context, job *jobstore.Job) dto.JobResponse {
	resp := toBareResponse(job)

	if job.Status == jobstore.StatusSucceeded && job.ArtifactKey.Valid && h.storage != nil {
		url, err := h.storage.PresignGet(c.Request.Context(), job.ArtifactKey.String, h.presignTTL)
		if err != nil {
			h.logger.Warn("Failed to presign artifact URL",
				slog.String("job_id", job.ID),
				slog.String("artifact_key", job.ArtifactKey.String),
				slog.String("error", err.Error()),
			)
		} else {
			resp.ArtifactURL = url
		}
	}

	return resp
}

func toBareResponse(job *jobstore.Job) dto.JobResponse {
	resp := dto.JobResponse{
		JobID:           job.ID,
		JobType:         job.JobType,
		Fingerprint:     job.Fingerprint,
		Status:          job.Status,
		Retries:         job.Retries,
		MaxRetries:      job.MaxRetries,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
		CancelRequested: job.CancelReq,
	}

	if job.StartedAt.Valid {
		resp.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.EndedAt.Valid {
		resp.EndedAt = job.EndedAt.Time.Format(time.RFC3339)
	}
	if job.ArtifactKey.Valid {
		resp.ArtifactKey = job.ArtifactKey.String
	}
	if job.ErrorMsg.Valid {
		resp.Error = job.ErrorMsg.String
	}

	return resp
}
