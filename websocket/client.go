package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"heartline/logger"
	"heartline/presence"
)

const maxFrameSize = 4096

var (
	errClosed = errors.New("connection closed")
	errSlow   = errors.New("send buffer full")
)

// Client is one websocket session. It satisfies presence.Conn.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, id, userID string) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues ev without blocking.
func (c *Client) Send(ev presence.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlow
	}
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type typingFrame struct {
	ReceiverID string `json:"receiverId"`
	State      string `json:"state"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.tracker.MarkOffline(c)
		c.Close()
		c.conn.Close()
		logger.Info().Str("user_id", c.userID).Str("conn_id", c.id).Msg("WebSocket client unregistered")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.tracker.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("user_id", c.userID).Msg("WebSocket read error")
			}
			return
		}
		c.hub.tracker.Touch(c.id)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))

		var frame inbound
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Debug().Err(err).Str("user_id", c.userID).Msg("WebSocket frame decode failed")
			continue
		}

		switch frame.Type {
		case "ping":
			_ = c.Send(presence.Event{Type: EventPong, Payload: map[string]int64{"time": time.Now().Unix()}})
		case "typing":
			c.handleTyping(frame.Payload)
		default:
			logger.Debug().Str("user_id", c.userID).Str("type", frame.Type).Msg("Unknown WebSocket frame")
		}
	}
}

func (c *Client) handleTyping(raw json.RawMessage) {
	var t typingFrame
	if err := json.Unmarshal(raw, &t); err != nil || t.ReceiverID == "" || t.ReceiverID == c.userID {
		return
	}
	if t.State != "start" && t.State != "stop" {
		return
	}
	if c.hub.gate == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.writeWait)
	defer cancel()
	allowed, err := c.hub.gate.CanMessage(ctx, c.userID, t.ReceiverID)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", c.userID).Msg("Typing authorization failed")
		return
	}
	if !allowed {
		logger.Debug().Str("user_id", c.userID).Str("receiver_id", t.ReceiverID).Msg("Typing indicator refused")
		return
	}
	c.hub.push(ctx, t.ReceiverID, presence.Event{Type: EventTyping, Payload: map[string]string{
		"userId": c.userID,
		"state":  t.State,
	}})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
