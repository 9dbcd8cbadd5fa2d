package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spotplane/spotplane/pkg/cloud"
	"github.com/spotplane/spotplane/pkg/store"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command any    `json:"command,omitempty"`
}

// respondStoreError maps the storage and domain error taxonomy onto
// HTTP. A duplicate request carries the existing command so the caller
// can reconcile; an optimistic conflict is the caller's cue to re-read
// and retry, never the server's.
func respondStoreError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    "VALIDATION",
			Message: validErr.Error(),
		}})
		return
	}
	var dupErr *store.DuplicateRequestError
	if errors.As(err, &dupErr) {
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    "DUPLICATE_REQUEST",
			Message: "request id already in flight",
			Command: dupErr.Existing,
		}})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
			Code:    "NOT_FOUND",
			Message: "resource not found",
		}})
	case errors.Is(err, store.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Code:    "INVALID_INPUT",
			Message: err.Error(),
		}})
	case errors.Is(err, store.ErrOptimisticConflict):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    "CONFLICT",
			Message: "concurrent update lost, re-read and retry",
		}})
	case errors.Is(err, store.ErrCommandTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    "COMMAND_TERMINAL",
			Message: "command already finished",
		}})
	case errors.Is(err, store.ErrInvariantViolation):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{
			Code:    "INVARIANT_VIOLATION",
			Message: err.Error(),
		}})
	case errors.Is(err, cloud.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorBody{
			Code:    "UPSTREAM_UNAVAILABLE",
			Message: "cloud provider unavailable",
		}})
	default:
		slog.Error("Unexpected error handling request",
			"path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{
			Code:    "INTERNAL",
			Message: "internal server error",
		}})
	}
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Code:    "VALIDATION",
		Message: err.Error(),
	}})
}
