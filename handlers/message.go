package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/middleware"
	"heartline/models"
)

type sendMessageRequest struct {
	ReceiverID string             `json:"receiverId" binding:"required"`
	Content    string             `json:"content"`
	Type       models.MessageType `json:"type" binding:"omitempty,oneof=text image"`
}

// SendMessage answers 201 once the message is stored and handed to the
// receiver's local sessions. Remote delivery and push run in the background.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bind(c, &req) {
		return
	}

	msg, err := h.Relay.SendMessage(c.Request.Context(), middleware.UserID(c), req.ReceiverID, req.Content, req.Type)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": msg})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.Conversations.ListConversations(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversations": convs})
}

func (h *Handler) ListMatches(c *gin.Context) {
	matches, err := h.Conversations.ListMatches(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "matches": matches})
}

func (h *Handler) GetMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			middleware.RespondError(c, apperr.Validation("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	msgs, err := h.Conversations.Messages(c.Request.Context(), middleware.UserID(c), c.Param("userId"), limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs})
}

func (h *Handler) MarkRead(c *gin.Context) {
	n, err := h.Conversations.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("userId"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
}
