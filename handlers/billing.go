package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/logger"
	"heartline/middleware"
	"heartline/models"
	"heartline/store"
)

const billingSecretHeader = "X-Billing-Secret"

type subscriptionRequest struct {
	UserID    string      `json:"userId" binding:"required"`
	Tier      models.Tier `json:"tier" binding:"required,oneof=free premium"`
	ExpiresAt *time.Time  `json:"expiresAt"`
}

// UpdateSubscription is called by the billing provider. The rest of the
// service only reads the resulting tier.
func (h *Handler) UpdateSubscription(c *gin.Context) {
	if h.BillingSecret == "" {
		middleware.RespondError(c, apperr.New(apperr.CodeNotFound, "billing webhook is disabled"))
		return
	}
	given := c.GetHeader(billingSecretHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.BillingSecret)) != 1 {
		middleware.RespondError(c, apperr.New(apperr.CodeUnauthenticated, "invalid billing secret"))
		return
	}

	var req subscriptionRequest
	if !bind(c, &req) {
		return
	}
	sub := models.Subscription{Tier: req.Tier}
	if req.ExpiresAt != nil {
		sub.ExpiresAt = req.ExpiresAt.UTC()
	}

	ctx, cancel := h.ctx(c)
	defer cancel()
	err := h.Users.SetSubscription(ctx, req.UserID, sub)
	if errors.Is(err, store.ErrNotFound) {
		middleware.RespondError(c, apperr.NotFound("user", req.UserID))
		return
	}
	if err != nil {
		middleware.RespondError(c, apperr.FromStore("set subscription", err))
		return
	}

	logger.Info().Str("user_id", req.UserID).Str("tier", string(req.Tier)).Msg("Subscription updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": sub})
}
