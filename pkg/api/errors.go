package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/engine"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/scheduler"
)

// mapServiceError writes the HTTP error response for a service-layer error.
func mapServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, dispatch.ErrTaskNotFound),
		errors.Is(err, dispatch.ErrLeaseNotFound),
		errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, resultstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var stepErr *engine.StepError
	if errors.As(err, &stepErr) && stepErr.Kind == models.KindInputValidation {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
