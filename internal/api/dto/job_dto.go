// Package dto defines the request and response shapes of the job API.
package dto

// DispatchRequest asks for a job to be created (or found) for a payload.
type DispatchRequest struct {
	JobType string         `json:"job_type" binding:"required"`
	Payload map[string]any `json:"payload" binding:"required"`
}

// JobResponse is the external view of a job row.
type JobResponse struct {
	JobID           string `json:"job_id"`
	JobType         string `json:"job_type"`
	Fingerprint     string `json:"fingerprint"`
	Status          string `json:"status"`
	Retries         int    `json:"retries"`
	MaxRetries      int    `json:"max_retries"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	StartedAt       string `json:"started_at,omitempty"`
	EndedAt         string `json:"ended_at,omitempty"`
	ArtifactKey     string `json:"artifact_key,omitempty"`
	ArtifactURL     string `json:"artifact_url,omitempty"`
	Error           string `json:"error,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
}

// DispatchResponse wraps the resolved job. Created distinguishes a fresh
// dispatch (202) from a dedup hit (200).
type DispatchResponse struct {
	Created bool        `json:"created"`
	Job     JobResponse `json:"job"`
}

// ListJobsRequest carries the listing filters and pagination cursor.
type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is a page of jobs plus the cursor for the next one.
type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
