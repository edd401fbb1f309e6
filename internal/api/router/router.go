package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pdhai/meeting-notes-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "meeting-notes-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// SSE stream of job status transitions, available when the event
		// bus is configured.
		if deps.Events != nil {
			eventHandler := handler.NewEventHandler(deps.Logger, deps.Events)
			v1.GET("/events", eventHandler.StreamEvents)
		}

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - dispatch (idempotent create)
			jobs.POST("", jobHandler.DispatchJob)

			// GET /api/v1/jobs - list with filtering and keyset pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - job status and artifact URL
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - cooperative cancel
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/retry - requeue a failed job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}
	}

	// Token-gated object serving, fs backend only.
	if deps.FSStore != nil {
		objectHandler := handler.NewObjectHandler(deps.Logger, deps.FSStore)
		r.GET("/dev/object/*key", objectHandler.ServeObject)
	}

	return r
}
