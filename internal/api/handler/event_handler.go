package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pdhai/meeting-notes-be/internal/events"
)

// EventSource delivers job status transitions to a callback until the
// context is cancelled.
type EventSource interface {
	Subscribe(ctx context.Context, onEvent func(events.Event)) error
}

// EventHandler streams job status transitions to clients over SSE, fed by
// the worker's event bus.
type EventHandler struct {
	logger *slog.Logger
	source EventSource
}

// NewEventHandler creates a new EventHandler instance.
func NewEventHandler(logger *slog.Logger, source EventSource) *EventHandler {
	return &EventHandler{
		logger: logger,
		source: source,
	}
}

// StreamEvents subscribes the client to job status transitions for the
// lifetime of the request. Events a slow client cannot keep up with are
// dropped rather than blocking the bus.
func (h *EventHandler) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()

	ch := make(chan events.Event, 16)
	err := h.source.Subscribe(ctx, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	if err != nil {
		h.logger.Error("Failed to subscribe to job events",
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for {
		// Drain pending events before honoring disconnect, so transitions
		// published just before the client goes away still reach it.
		select {
		case ev := <-ch:
			c.SSEvent("job", ev)
			c.Writer.Flush()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			c.SSEvent("job", ev)
			c.Writer.Flush()
		}
	}
}
