package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heartline/middleware"
	"heartline/models"
)

type swipeRequest struct {
	TargetUserID string           `json:"targetUserId" binding:"required"`
	Direction    models.Direction `json:"direction" binding:"required,oneof=left right"`
}

func (h *Handler) Swipe(c *gin.Context) {
	var req swipeRequest
	if !bind(c, &req) {
		return
	}

	res, err := h.Swipes.RecordSwipe(c.Request.Context(), middleware.UserID(c), req.TargetUserID, req.Direction)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	body := gin.H{"success": true, "isMatch": res.Matched}
	if res.Matched {
		body["matchId"] = res.Match.ID
		body["matchedWithId"] = res.MatchedWithID
		body["matchedAt"] = res.Match.MatchedAt
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) SwipeHistory(c *gin.Context) {
	swipes, err := h.Swipes.History(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if swipes == nil {
		swipes = []models.Swipe{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "swipes": swipes})
}
