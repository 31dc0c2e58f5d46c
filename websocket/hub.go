// Package websocket upgrades authenticated clients and connects them to the
// presence tracker.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"heartline/apperr"
	"heartline/logger"
	"heartline/middleware"
	"heartline/models"
	"heartline/presence"
	"heartline/relay"
)

const (
	EventConnected    = "connected"
	EventMatchCreated = "matchCreated"
	EventTyping       = "typing"
	EventPong         = "pong"

	sendBuffer = 256

	deliveryTimeout = 10 * time.Second
)

// TypingGate decides whether a typing indicator from one user may reach
// another.
type TypingGate interface {
	CanMessage(ctx context.Context, senderID, receiverID string) (bool, error)
}

type Hub struct {
	tracker  *presence.Tracker
	tokens   *middleware.Tokens
	upgrader websocket.Upgrader

	directory relay.Directory
	bus       relay.Publisher
	notifier  relay.Notifier
	gate      TypingGate

	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
}

type Option func(*Hub)

// WithRemote routes events for users connected to other nodes.
func WithRemote(dir relay.Directory, bus relay.Publisher) Option {
	return func(h *Hub) {
		h.directory = dir
		h.bus = bus
	}
}

// WithNotifier sends match notifications to users without a connection.
func WithNotifier(n relay.Notifier) Option {
	return func(h *Hub) { h.notifier = n }
}

// WithTypingGate enables typing indicators. Without a gate they are dropped.
func WithTypingGate(g TypingGate) Option {
	return func(h *Hub) { h.gate = g }
}

// WithAllowedOrigins restricts browser origins. Empty or "*" allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[strings.TrimRight(o, "/")] = true
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// WithHeartbeat overrides the ping period; the pong deadline is twice that.
func WithHeartbeat(ping time.Duration) Option {
	return func(h *Hub) {
		h.pingPeriod = ping
		h.pongWait = 2 * ping
	}
}

func NewHub(tracker *presence.Tracker, tokens *middleware.Tokens, opts ...Option) *Hub {
	h := &Hub{
		tracker: tracker,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingPeriod: 30 * time.Second,
		pongWait:   60 * time.Second,
		writeWait:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle authenticates the token query parameter and upgrades the request.
func (h *Hub) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if scheme, t, ok := strings.Cut(c.GetHeader("Authorization"), " "); ok && scheme == "Bearer" {
			token = t
		}
	}
	if token == "" {
		middleware.RespondError(c, apperr.New(apperr.CodeUnauthenticated, "token required"))
		return
	}
	userID, err := h.tokens.Verify(token)
	if err != nil {
		middleware.RespondError(c, apperr.Wrap(err, apperr.CodeUnauthenticated, "token validation failed"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		logger.Warn().Err(err).Str("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(h, conn, uuid.NewString(), userID)
	h.tracker.MarkOnline(userID, client)
	logger.Info().Str("user_id", userID).Str("conn_id", client.id).Int("connections", h.tracker.Count()).Msg("WebSocket client registered")

	_ = client.Send(presence.Event{Type: EventConnected, Payload: gin.H{
		"userId":       userID,
		"connectionId": client.id,
		"time":         time.Now().Unix(),
	}})

	go client.writePump()
	go client.readPump()
}

// push delivers ev to userID's local sessions or, failing that, to a remote
// node. It reports whether any live session was found.
func (h *Hub) push(ctx context.Context, userID string, ev presence.Event) bool {
	if h.tracker.Deliver(userID, ev) > 0 {
		return true
	}
	return h.pushRemote(ctx, userID, ev)
}

func (h *Hub) pushRemote(ctx context.Context, userID string, ev presence.Event) bool {
	if h.directory == nil || h.bus == nil {
		return false
	}
	online, err := h.directory.Online(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Presence lookup failed")
		return false
	}
	if !online {
		return false
	}
	if err := h.bus.Publish(ctx, userID, ev); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Bus publish failed")
		return false
	}
	return true
}

// MatchCreated tells both users about a new match. Local sessions get the
// event before it returns; other nodes and notifications are reached in the
// background.
func (h *Hub) MatchCreated(_ context.Context, m *models.Match) {
	for _, userID := range m.Users {
		other := m.Other(userID)
		ev := presence.Event{Type: EventMatchCreated, Payload: models.MatchEntry{UserID: other, MatchedAt: m.MatchedAt}}
		if h.tracker.Deliver(userID, ev) > 0 {
			continue
		}
		go h.announceMatch(userID, other, ev)
	}
}

func (h *Hub) announceMatch(userID, other string, ev presence.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("user_id", userID).Msg("Panic in match notification")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if h.pushRemote(ctx, userID, ev) || h.notifier == nil {
		return
	}
	n := relay.Notification{Title: "New match!", Body: "You have a new match", SenderID: other}
	if err := h.notifier.Notify(ctx, userID, n); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Match notification failed")
	}
}
