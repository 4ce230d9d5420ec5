package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Kind      domain.ErrorKind `json:"kind"`
	Error     string           `json:"error"`
	Available *int             `json:"available,omitempty"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindCapacityExceeded, domain.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Anything that is not a *domain.Error is a 500
// and is attached to the context for the request logger.
func writeError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(statusFor(de.Kind), errorResponse{Kind: de.Kind, Error: de.Error(), Available: de.Available})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Kind: domain.KindValidation, Error: msg})
}
