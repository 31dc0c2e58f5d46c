package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("send buffer full")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type transitions struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (l *transitions) UserOnline(userID string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = append(l.online, userID)
}

func (l *transitions) UserOffline(userID string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = append(l.offline, userID)
}

func TestMarkOnlineAndRoute(t *testing.T) {
	tr := NewTracker()
	conn := newFakeConn("c1")

	assert.False(t, tr.IsOnline("jordan"))
	_, ok := tr.Route("jordan")
	assert.False(t, ok)

	tr.MarkOnline("jordan", conn)
	assert.True(t, tr.IsOnline("jordan"))
	routed, ok := tr.Route("jordan")
	require.True(t, ok)
	assert.Equal(t, "c1", routed.ID())
	assert.Equal(t, []string{"jordan"}, tr.Online())
}

func TestStaleTeardownKeepsNewerSession(t *testing.T) {
	listener := &transitions{}
	tr := NewTracker(WithListener(listener))
	old := newFakeConn("old")
	fresh := newFakeConn("fresh")

	tr.MarkOnline("jordan", old)
	tr.MarkOnline("jordan", fresh)

	assert.True(t, tr.MarkOffline(old))
	assert.True(t, tr.IsOnline("jordan"))
	routed, ok := tr.Route("jordan")
	require.True(t, ok)
	assert.Equal(t, "fresh", routed.ID())

	// a duplicate teardown for the old handle is a no-op
	assert.False(t, tr.MarkOffline(old))
	assert.True(t, tr.IsOnline("jordan"))

	assert.True(t, tr.MarkOffline(fresh))
	assert.False(t, tr.IsOnline("jordan"))
	assert.Equal(t, []string{"jordan"}, listener.online)
	assert.Equal(t, []string{"jordan"}, listener.offline)
}

func TestDeliverFansOutToAllSessions(t *testing.T) {
	tr := NewTracker()
	phone, laptop := newFakeConn("phone"), newFakeConn("laptop")
	tr.MarkOnline("jordan", phone)
	tr.MarkOnline("jordan", laptop)

	n := tr.Deliver("jordan", Event{Type: "messageReceived", Payload: "hi"})
	assert.Equal(t, 2, n)
	assert.Len(t, phone.received(), 1)
	assert.Len(t, laptop.received(), 1)

	assert.Equal(t, 0, tr.Deliver("nobody", Event{Type: "messageReceived"}))
}

func TestDeliverDropsFailingConnection(t *testing.T) {
	tr := NewTracker()
	stuck := newFakeConn("stuck")
	stuck.fail = true
	tr.MarkOnline("jordan", stuck)

	assert.Equal(t, 0, tr.Deliver("jordan", Event{Type: "messageReceived"}))
	assert.False(t, tr.IsOnline("jordan"))
	assert.True(t, stuck.isClosed())
}

func TestSweepExpiresIdleConnections(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	listener := &transitions{}
	tr := NewTracker(
		WithTTL(time.Minute),
		WithClock(func() time.Time { return now }),
		WithListener(listener),
	)
	idle, active := newFakeConn("idle"), newFakeConn("active")
	tr.MarkOnline("alex", idle)
	tr.MarkOnline("jordan", active)

	now = now.Add(45 * time.Second)
	tr.Touch("active")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, tr.Sweep())
	assert.False(t, tr.IsOnline("alex"))
	assert.True(t, tr.IsOnline("jordan"))
	assert.True(t, idle.isClosed())
	assert.False(t, active.isClosed())
	assert.Equal(t, []string{"alex"}, listener.offline)
}

func TestConcurrentOnlineOffline(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			tr.MarkOnline("jordan", c)
			tr.Deliver("jordan", Event{Type: "ping"})
			tr.MarkOffline(c)
		}(i)
	}
	wg.Wait()

	assert.False(t, tr.IsOnline("jordan"))
	assert.Equal(t, 0, tr.Count())
}

// gatedListener records the last state it saw per user and parks inside
// UserOffline until released.
type gatedListener struct {
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	last map[string]bool
}

func (l *gatedListener) UserOnline(userID string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[userID] = true
}

func (l *gatedListener) UserOffline(userID string, _ time.Time) {
	l.entered <- struct{}{}
	<-l.release
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[userID] = false
}

func (l *gatedListener) state(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[userID]
}

func TestReconnectDuringTeardownEndsOnline(t *testing.T) {
	listener := &gatedListener{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		last:    make(map[string]bool),
	}
	tr := NewTracker(WithListener(listener))
	first, second := newFakeConn("c1"), newFakeConn("c2")
	tr.MarkOnline("jordan", first)

	offlineDone := make(chan struct{})
	go func() {
		defer close(offlineDone)
		tr.MarkOffline(first)
	}()
	<-listener.entered

	onlineDone := make(chan struct{})
	go func() {
		defer close(onlineDone)
		tr.MarkOnline("jordan", second)
	}()

	select {
	case <-onlineDone:
		t.Fatal("reconnect notified while the teardown notification was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(listener.release)
	<-offlineDone
	<-onlineDone

	assert.True(t, tr.IsOnline("jordan"))
	assert.True(t, listener.state("jordan"))
}

func TestSweepSparesConnectionTouchedAfterScan(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	conn := newFakeConn("c1")
	tr.MarkOnline("alex", conn)

	now = now.Add(2 * time.Minute)
	cutoff := now.Add(-time.Minute)
	tr.mu.RLock()
	e := tr.conns["c1"]
	tr.mu.RUnlock()
	tr.Touch("c1")

	assert.False(t, tr.remove(e, func(e *entry) bool { return e.lastSeen.Before(cutoff) }))
	assert.True(t, tr.IsOnline("alex"))
	assert.False(t, conn.isClosed())
}
