// Package apierr maps service errors onto HTTP responses shared by every
// handler package.
package apierr

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/canonical"
	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/middleware"
)

// RetryAfterSeconds is sent with 503 responses for appends that lost every
// retry against concurrent writers.
const RetryAfterSeconds = 1

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidInput), errors.Is(err, canonical.ErrEncoding):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as {"error": ...}. Internal errors are logged and answered
// with the generic message msg so storage details never reach the client.
func Respond(c *gin.Context, err error, msg string) {
	status := Status(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error(msg, "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "error", err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": msg})
		return
	case http.StatusServiceUnavailable:
		slog.Warn("audit append contention", "path", c.FullPath(), "error", err)
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
