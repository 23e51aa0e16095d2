package handler

import (
	"errors"
	"net/http"

	"robofleet/pkg/deployment"
	"robofleet/pkg/estop"
	"robofleet/pkg/safety"

	"github.com/gin-gonic/gin"
)

// errorStatus maps domain sentinel errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, deployment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deployment.ErrInvalid),
		errors.Is(err, safety.ErrInvalidMode),
		errors.Is(err, estop.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, deployment.ErrInvalidState),
		errors.Is(err, deployment.ErrNotOwner),
		errors.Is(err, safety.ErrNotTriggered),
		errors.Is(err, safety.ErrResetInProgress),
		errors.Is(err, safety.ErrManualResetRequired),
		errors.Is(err, safety.ErrResetCheckFailed),
		errors.Is(err, safety.ErrRetriggered):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}
