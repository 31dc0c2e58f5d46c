package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heartline/logger"
	"heartline/middleware"
)

// GetPresence reports whether a user holds a live connection on this node
// or, when a directory is configured, on any node.
func (h *Handler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	online := h.Tracker.IsOnline(userID)
	if !online && h.Directory != nil {
		ctx, cancel := h.ctx(c)
		defer cancel()
		remote, err := h.Directory.Online(ctx, userID)
		if err != nil {
			logger.Warn().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("Presence directory lookup failed")
		}
		online = remote
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": userID, "online": online})
}
