// Package presence tracks which users hold a live, routable connection on
// this process.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"heartline/keylock"
	"heartline/logger"
)

// Event is a server push frame.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Conn is a live connection handle. Send must not block.
type Conn interface {
	ID() string
	Send(ev Event) error
	Close()
}

// Listener observes a user's first session appearing and last session going
// away. Calls happen outside the tracker lock but are serialised per user, so
// a listener sees a user's transitions in the order they happened.
type Listener interface {
	UserOnline(userID string, at time.Time)
	UserOffline(userID string, at time.Time)
}

type entry struct {
	userID   string
	conn     Conn
	seq      uint64
	lastSeen time.Time
}

type Tracker struct {
	mu    sync.RWMutex
	users map[string]map[string]*entry
	conns map[string]*entry
	seq   uint64

	// held across a user's state change and its listener calls
	userLocks *keylock.Locker

	ttl       time.Duration
	now       func() time.Time
	listeners []Listener
}

type Option func(*Tracker)

func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithListener(l Listener) Option {
	return func(t *Tracker) { t.listeners = append(t.listeners, l) }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		users: make(map[string]map[string]*entry),
		conns:     make(map[string]*entry),
		userLocks: keylock.New(),
		ttl:       90 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkOnline registers conn for userID. A user may hold several sessions.
func (t *Tracker) MarkOnline(userID string, conn Conn) {
	unlock := t.userLocks.Lock(userID)
	defer unlock()
	now := t.now()

	t.mu.Lock()
	if old, ok := t.conns[conn.ID()]; ok {
		t.removeLocked(old)
	}
	t.seq++
	e := &entry{userID: userID, conn: conn, seq: t.seq, lastSeen: now}
	sessions, ok := t.users[userID]
	if !ok {
		sessions = make(map[string]*entry)
		t.users[userID] = sessions
	}
	first := len(sessions) == 0
	sessions[conn.ID()] = e
	t.conns[conn.ID()] = e
	t.mu.Unlock()

	logger.Debug().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("Presence online")
	if first {
		for _, l := range t.listeners {
			l.UserOnline(userID, now)
		}
	}
}

// MarkOffline removes exactly the entry registered under conn's id. A
// teardown arriving after the user reconnected leaves the new session alone.
func (t *Tracker) MarkOffline(conn Conn) bool {
	t.mu.RLock()
	e, ok := t.conns[conn.ID()]
	t.mu.RUnlock()
	if !ok || e.conn != conn {
		return false
	}
	return t.remove(e, nil)
}

// remove drops e under the user's lock when it is still registered and, when
// expired is set, still satisfies it. The offline notification is sent
// before the lock is released.
func (t *Tracker) remove(e *entry, expired func(*entry) bool) bool {
	unlock := t.userLocks.Lock(e.userID)
	defer unlock()

	t.mu.Lock()
	if cur, ok := t.conns[e.conn.ID()]; !ok || cur != e || (expired != nil && !expired(e)) {
		t.mu.Unlock()
		return false
	}
	last := t.removeLocked(e)
	t.mu.Unlock()

	logger.Debug().Str("user_id", e.userID).Str("conn_id", e.conn.ID()).Msg("Presence offline")
	if last {
		t.notifyOffline(e.userID)
	}
	return true
}

// removeLocked drops e and reports whether it was the user's last session.
func (t *Tracker) removeLocked(e *entry) bool {
	delete(t.conns, e.conn.ID())
	sessions := t.users[e.userID]
	delete(sessions, e.conn.ID())
	if len(sessions) == 0 {
		delete(t.users, e.userID)
		return true
	}
	return false
}

func (t *Tracker) notifyOffline(userID string) {
	at := t.now()
	for _, l := range t.listeners {
		l.UserOffline(userID, at)
	}
}

// Touch refreshes the liveness of a connection.
func (t *Tracker) Touch(connID string) {
	now := t.now()
	t.mu.Lock()
	if e, ok := t.conns[connID]; ok {
		e.lastSeen = now
	}
	t.mu.Unlock()
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users[userID]) > 0
}

// Route returns the most recently announced connection of userID.
func (t *Tracker) Route(userID string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var newest *entry
	for _, e := range t.users[userID] {
		if newest == nil || e.seq > newest.seq {
			newest = e
		}
	}
	if newest == nil {
		return nil, false
	}
	return newest.conn, true
}

// Deliver pushes ev to every session of userID and returns how many accepted
// it. Sessions that refuse the event are dropped.
func (t *Tracker) Deliver(userID string, ev Event) int {
	t.mu.RLock()
	targets := make([]Conn, 0, len(t.users[userID]))
	for _, e := range t.users[userID] {
		targets = append(targets, e.conn)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Str("conn_id", c.ID()).Msg("Dropping unresponsive connection")
			t.MarkOffline(c)
			c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Online lists user ids with at least one session, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.users))
	for id := range t.users {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of live connections.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Sweep closes and removes connections idle for longer than the TTL.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.ttl)
	idle := func(e *entry) bool { return e.lastSeen.Before(cutoff) }

	t.mu.RLock()
	var candidates []*entry
	for _, e := range t.conns {
		if idle(e) {
			candidates = append(candidates, e)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, e := range candidates {
		// a Touch since the scan keeps the connection
		if !t.remove(e, idle) {
			continue
		}
		logger.Info().Str("user_id", e.userID).Str("conn_id", e.conn.ID()).Msg("Presence expired")
		e.conn.Close()
		n++
	}
	return n
}

// Run sweeps on every tick until ctx is done, calling after (when set) with
// the users still online so external directories can refresh.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, after func(ctx context.Context, online []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				logger.Info().Int("expired", n).Int("connections", t.Count()).Msg("Presence sweep")
			}
			if after != nil {
				after(ctx, t.Online())
			}
		}
	}
}
