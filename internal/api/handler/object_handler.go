package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pdhai/meeting-notes-be/internal/storage"
)

// ObjectHandler serves filesystem-backed objects behind presign tokens. It is
// only mounted for the fs storage backend; the s3 backend presigns real URLs.
type ObjectHandler struct {
	logger *slog.Logger
	store  *storage.FSStore
}

// NewObjectHandler creates the dev object handler.
func NewObjectHandler(logger *slog.Logger, store *storage.FSStore) *ObjectHandler {
	return &ObjectHandler{
		logger: logger,
		store:  store,
	}
}

// ServeObject handles GET /dev/object/*key. The token must match the HMAC the
// presigner produced for exactly this key and expiry.
func (h *ObjectHandler) ServeObject(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "object key is required",
		})
		return
	}

	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid expires parameter",
		})
		return
	}

	token := c.Query("token")
	if !h.store.VerifyToken(key, expires, token) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "invalid or expired token",
		})
		return
	}

	data, err := h.store.Get(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "object not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to read object",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to read object",
		})
		return
	}

	contentType := http.DetectContentType(data)
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}

	c.Data(http.StatusOK, contentType, data)
}
