package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartline/middleware"
	"heartline/models"
	"heartline/presence"
	"heartline/relay"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type notes struct {
	mu    sync.Mutex
	users []string
}

func (n *notes) Notify(_ context.Context, userID string, _ relay.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return nil
}

func (n *notes) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.users...)
}

// blockingNotes never returns until its context ends.
type blockingNotes struct{}

func (blockingNotes) Notify(ctx context.Context, _ string, _ relay.Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

// pairGate allows typing only between the listed pairs.
type pairGate map[[2]string]bool

func (g pairGate) CanMessage(_ context.Context, from, to string) (bool, error) {
	return g[[2]string{from, to}], nil
}

type harness struct {
	tracker *presence.Tracker
	tokens  *middleware.Tokens
	hub     *Hub
	srv     *httptest.Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{tracker: presence.NewTracker(), tokens: middleware.NewTokens("ws-secret")}
	h.hub = NewHub(h.tracker, h.tokens, opts...)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.GET("/ws", h.hub.Handle)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.Issue(userID, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	first := read(t, conn)
	require.Equal(t, EventConnected, first.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectRegistersPresence(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "jordan")
	assert.True(t, h.tracker.IsOnline("jordan"))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, EventPong, read(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return !h.tracker.IsOnline("jordan") }, 2*time.Second, 10*time.Millisecond)
}

func TestTrackerDeliveryReachesSocket(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "jordan")

	n := h.tracker.Deliver("jordan", presence.Event{Type: relay.EventMessage, Payload: relay.MessageEvent{ID: "m1", SenderID: "alex", Content: "hey"}})
	require.Equal(t, 1, n)

	f := read(t, conn)
	assert.Equal(t, relay.EventMessage, f.Type)
	var ev relay.MessageEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, "m1", ev.ID)
	assert.Equal(t, "alex", ev.SenderID)
}

func TestTypingIsRelayedToCounterpart(t *testing.T) {
	h := newHarness(t, WithTypingGate(pairGate{{"alex", "jordan"}: true}))
	alex := h.dial(t, "alex")
	jordan := h.dial(t, "jordan")

	require.NoError(t, alex.WriteJSON(map[string]interface{}{
		"type":    "typing",
		"payload": map[string]string{"receiverId": "jordan", "state": "start"},
	}))

	f := read(t, jordan)
	assert.Equal(t, EventTyping, f.Type)
	assert.JSONEq(t, `{"userId":"alex","state":"start"}`, string(f.Payload))
}

func TestMatchCreatedNotifiesBothUsers(t *testing.T) {
	offline := &notes{}
	h := newHarness(t, WithNotifier(offline))
	alex := h.dial(t, "alex")
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	h.hub.MatchCreated(context.Background(), models.NewMatch("alex", "jordan", at))

	f := read(t, alex)
	assert.Equal(t, EventMatchCreated, f.Type)
	var entry models.MatchEntry
	require.NoError(t, json.Unmarshal(f.Payload, &entry))
	assert.Equal(t, "jordan", entry.UserID)
	assert.True(t, at.Equal(entry.MatchedAt))

	// jordan has no socket and falls back to a notification
	assert.Eventually(t, func() bool { return len(offline.recipients()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"jordan"}, offline.recipients())
}

func TestMatchCreatedDoesNotWaitForPush(t *testing.T) {
	h := newHarness(t, WithNotifier(blockingNotes{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.hub.MatchCreated(context.Background(), models.NewMatch("alex", "jordan", time.Now()))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MatchCreated blocked on the push service")
	}
}

func TestTypingIsDroppedWithoutPermission(t *testing.T) {
	h := newHarness(t, WithTypingGate(pairGate{{"alex", "jordan"}: true}))
	alex := h.dial(t, "alex")
	sam := h.dial(t, "sam")

	// sam is not allowed to reach alex, so only the ping reply comes back
	require.NoError(t, sam.WriteJSON(map[string]interface{}{
		"type":    "typing",
		"payload": map[string]string{"receiverId": "alex", "state": "start"},
	}))
	require.NoError(t, alex.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, EventPong, read(t, alex).Type)

	require.NoError(t, alex.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var f frame
	assert.Error(t, alex.ReadJSON(&f), "unexpected frame %s", f.Type)
}
