package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/logger"
	"heartline/middleware"
	"heartline/models"
)

func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.VAPIDPublicKey == "" {
		middleware.RespondError(c, apperr.New(apperr.CodeNotFound, "web push is not configured"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "publicKey": h.VAPIDPublicKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// SubscribePush stores a browser subscription. One user may register several
// browsers; an endpoint belongs to the last user that registered it.
func (h *Handler) SubscribePush(c *gin.Context) {
	var req subscribeRequest
	if !bind(c, &req) {
		return
	}
	userID := middleware.UserID(c)

	ctx, cancel := h.ctx(c)
	defer cancel()
	err := h.PushSubscriptions.Save(ctx, models.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: h.now(),
	})
	if err != nil {
		middleware.RespondError(c, apperr.FromStore("save push subscription", err))
		return
	}

	logger.Info().Str("user_id", userID).Msg("Push subscription saved")
	c.JSON(http.StatusCreated, gin.H{"success": true})
}
