package adapters

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
)

// classifyHTTPError maps a transport-level error from an HTTP round trip to
// the apperror taxonomy, grounded on the teacher's pkg/mcp/recovery.go
// network/protocol/context classification — adapted to stdlib net/http
// instead of the teacher's MCP transport, since MCP itself is dropped (see
// DESIGN.md).
func classifyHTTPError(err error) *apperror.Error {
	if err == nil {
		return nil
	}

	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.Wrap(apperror.KindTransient, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperror.Wrap(apperror.KindTransient, "network timeout", err)
		}
		return apperror.Wrap(apperror.KindTransient, "network error", err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperror.Wrap(apperror.KindTransient, "connection closed unexpectedly", err)
	}

	return apperror.Wrap(apperror.KindCatastrophic, "unclassified adapter error", err)
}

// classifyStatusCode maps an HTTP response status code to the apperror
// taxonomy: 5xx and 429 are transient/resource-exhausted (retryable); 4xx
// other than 429 is validation (not retryable).
func classifyStatusCode(status int) *apperror.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperror.New(apperror.KindResourceExhausted, "rate limited")
	case status >= 500:
		return apperror.New(apperror.KindTransient, "backend returned server error")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.New(apperror.KindValidation, "backend rejected authorization")
	case status >= 400:
		return apperror.New(apperror.KindValidation, "backend rejected request")
	default:
		return nil
	}
}
