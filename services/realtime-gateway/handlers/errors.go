package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

// respondError maps service errors onto HTTP responses. Unexpected errors
// are logged and answered with a generic body.
func respondError(c *gin.Context, logger *utils.Logger, msg string, err error) {
	switch {
	case errors.Is(err, services.ErrMalformedCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Malformed cursor",
		})
	case errors.Is(err, services.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
	case errors.Is(err, services.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Not a participant of this conversation",
		})
	case errors.Is(err, services.ErrStoreUnavailable):
		logger.Warn(msg, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Presence temporarily unavailable",
		})
	default:
		logger.Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
