package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
)

// errorResponse is the structured error body spec §7 requires: error_kind,
// message, and an optional correlation_id.
type errorResponse struct {
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError writes errorResponse with status. kind is apperror.Kind's
// string form or "validation" for request-shape errors raised in the
// handler itself, before any core call.
func writeError(c *gin.Context, status int, kind, message, correlationID string) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	c.JSON(status, errorResponse{ErrorKind: kind, Message: message, CorrelationID: correlationID})
}

// statusForKind maps apperror.Kind to an HTTP status per spec §7: 4xx for
// validation, 503 when a circuit breaker is open (resource_exhausted),
// 5xx for everything else internal.
func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case apperror.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleErr writes the appropriate structured error response for err,
// classified via apperror.KindOf.
func handleErr(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	writeError(c, statusForKind(kind), string(kind), err.Error(), "")
}
