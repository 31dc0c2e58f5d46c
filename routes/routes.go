package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/handlers"
	"heartline/middleware"
	"heartline/websocket"
)

type Options struct {
	CORSOrigins []string
	RateLimiter *middleware.IPRateLimiter
}

func SetupRouter(h *handlers.Handler, hub *websocket.Hub, tokens *middleware.Tokens, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(), middleware.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if opts.RateLimiter != nil {
		router.Use(middleware.RateLimit(opts.RateLimiter))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": h.Tracker.Count(),
			"time":        time.Now().Unix(),
		})
	})

	router.GET("/ws", hub.Handle)

	router.POST("/internal/billing/subscription", h.UpdateSubscription)
	router.GET("/api/push/vapid-public-key", h.GetVAPIDPublicKey)

	protected := router.Group("/api")
	protected.Use(middleware.JWTAuth(tokens))

	// Profile
	protected.GET("/me", h.GetMe)
	protected.PUT("/me", h.UpsertMe)
	protected.GET("/users/:id", h.GetUser)
	protected.POST("/users/:id/report", h.ReportUser)

	// Swipes and matches
	protected.POST("/swipe", h.Swipe)
	protected.GET("/swipes", h.SwipeHistory)
	protected.GET("/matches", h.ListMatches)

	// Messaging
	protected.POST("/message", h.SendMessage)
	protected.GET("/conversations", h.ListConversations)
	protected.GET("/conversations/:userId/messages", h.GetMessages)
	protected.POST("/conversations/:userId/read", h.MarkRead)

	protected.GET("/presence/:userId", h.GetPresence)
	protected.POST("/push/subscribe", h.SubscribePush)

	router.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api") || path == "/ws" {
			middleware.RespondError(c, apperr.New(apperr.CodeNotFound, "endpoint not found").WithDetail("path", path))
			return
		}
		c.Status(http.StatusNotFound)
	})

	return router
}
