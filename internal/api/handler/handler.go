package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pdhai/meeting-notes-be/internal/jobstore"
	"github.com/pdhai/meeting-notes-be/internal/storage"
)

// JobStore is the read/cancel slice of the job store the API needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	List(ctx context.Context, filter jobstore.Filter) ([]jobstore.Job, error)
	RequestCancel(ctx context.Context, id string) error
}

// Dispatcher creates-or-finds and requeues jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType string, payload map[string]any) (*jobstore.Job, bool, error)
	Retry(ctx context.Context, jobID string) (*jobstore.Job, error)
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger     *slog.Logger
	Store      JobStore
	Dispatcher Dispatcher
	Storage    storage.Store
	// FSStore is set only for the filesystem backend; it serves the dev
	// object route.
	FSStore    *storage.FSStore
	PresignTTL time.Duration
	// Events is set only when the Redis event bus is configured; it backs
	// the SSE status stream.
	Events EventSource
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger     *slog.Logger
	store      JobStore
	dispatcher Dispatcher
	storage    storage.Store
	presignTTL time.Duration
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	ttl := deps.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JobHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		storage:    deps.Storage,
		presignTTL: ttl,
	}
}
